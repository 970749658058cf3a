package downloader

import (
	"context"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/logger"
)

// SFTPOptions configures SFTP downloaders. Host keys are always verified
// against KnownHosts.
type SFTPOptions struct {
	Username   string
	Password   string
	KeyFile    string // private key used instead of the password when set
	KnownHosts string // known_hosts file
	Timeout    time.Duration
	MaxBytes   int64
	Retry      RetryConfig
	Logger     logger.Logger
}

// SFTP downloads sftp URLs.
type SFTP struct {
	task
	opts *SFTPOptions
}

// NewSFTPFactory returns a factory of SFTP downloaders sharing opts. It
// fails when opts has no known_hosts file, since host keys cannot be
// verified without one.
func NewSFTPFactory(opts SFTPOptions) Factory {
	return func() (Downloader, error) {
		if opts.KnownHosts == "" {
			return nil, errors.Newf("sftp downloads require a known_hosts file").
				Component(componentName).
				Category(errors.CategoryConfiguration).
				Build()
		}
		return &SFTP{opts: &opts}, nil
	}
}

// Start implements Downloader.
func (d *SFTP) Start(ctx context.Context, req Request, done Completion) {
	d.start(ctx, req, done, d.fetch)
}

// Cancel implements Downloader.
func (d *SFTP) Cancel() {
	d.stop()
}

func (d *SFTP) fetch(ctx context.Context, req Request) (image.Image, error) {
	target, err := parseRemoteURL(req.URL, "sftp", DefaultSSHPort, d.opts.Username, d.opts.Password)
	if err != nil {
		return nil, err
	}

	config, err := d.clientConfig(target)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("protocol", "sftp").
			Build()
	}

	var data []byte
	err = withRetry(ctx, d.opts.Retry, d.opts.Logger, func(ctx context.Context) error {
		client, err := d.connect(ctx, target.addr, config)
		if err != nil {
			return err
		}
		defer client.Close()

		// Closing the client unblocks a read in progress.
		stop := context.AfterFunc(ctx, func() { _ = client.Close() })
		defer stop()

		f, err := client.Open(target.path)
		if err != nil {
			return fmt.Errorf("sftp: failed to open %s: %w", target.path, err)
		}
		defer f.Close()

		data, err = readLimited(f, d.opts.MaxBytes)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
		category := errors.CategoryNetwork
		switch {
		case errors.Is(err, errRemoteTooLarge):
			category = errors.CategoryImageFetch
		case errors.Is(err, os.ErrNotExist):
			category = errors.CategoryNotFound
		}
		return nil, errors.New(err).
			Component(componentName).
			Category(category).
			Context("protocol", "sftp").
			Context("addr", target.addr).
			Context("path", target.path).
			Build()
	}

	return Decode(data, req.URL)
}

func (d *SFTP) clientConfig(target remoteTarget) (*ssh.ClientConfig, error) {
	hostKeyCallback, err := knownhosts.New(d.opts.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("sftp: failed to load known_hosts: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            target.username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.opts.Timeout,
	}

	switch {
	case d.opts.KeyFile != "":
		key, err := os.ReadFile(d.opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case target.password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(target.password)}
	default:
		return nil, fmt.Errorf("sftp: no authentication method provided")
	}

	return config, nil
}

// session is an SFTP client together with the SSH connection it runs on.
type session struct {
	*sftp.Client
	conn *ssh.Client
}

func (s *session) Close() error {
	err := s.Client.Close()
	if connErr := s.conn.Close(); err == nil {
		err = connErr
	}
	return err
}

func (d *SFTP) connect(ctx context.Context, addr string, config *ssh.ClientConfig) (*session, error) {
	type connResult struct {
		client *session
		err    error
	}
	resultChan := make(chan connResult, 1)

	go func() {
		sshConn, err := ssh.Dial("tcp", addr, config)
		if err != nil {
			resultChan <- connResult{nil, fmt.Errorf("sftp: failed to connect: %w", err)}
			return
		}

		client, err := sftp.NewClient(sshConn)
		if err != nil {
			_ = sshConn.Close()
			resultChan <- connResult{nil, fmt.Errorf("sftp: failed to create client: %w", err)}
			return
		}

		resultChan <- connResult{&session{Client: client, conn: sshConn}, nil}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-resultChan; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, cancelledError(ctx.Err())
	case r := <-resultChan:
		return r.client, r.err
	}
}
