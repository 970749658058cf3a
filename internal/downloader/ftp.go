package downloader

import (
	"context"
	"fmt"
	"image"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/httpclient"
	"github.com/tphakala/imagecache/internal/logger"
)

// Default ports
const (
	DefaultFTPPort = 21
	DefaultSSHPort = 22
)

const anonymousUser = "anonymous"

// FTPOptions configures FTP downloaders. Credentials in the URL take
// precedence over Username and Password.
type FTPOptions struct {
	Username string // defaults to anonymous
	Password string
	Timeout  time.Duration
	MaxBytes int64
	Retry    RetryConfig
	Logger   logger.Logger
}

// FTP downloads ftp URLs.
type FTP struct {
	task
	opts *FTPOptions
}

// NewFTPFactory returns a factory of FTP downloaders sharing opts.
func NewFTPFactory(opts FTPOptions) Factory {
	return func() (Downloader, error) {
		return &FTP{opts: &opts}, nil
	}
}

// Start implements Downloader.
func (d *FTP) Start(ctx context.Context, req Request, done Completion) {
	d.start(ctx, req, done, d.fetch)
}

// Cancel implements Downloader.
func (d *FTP) Cancel() {
	d.stop()
}

// remoteTarget is a parsed ftp or sftp URL.
type remoteTarget struct {
	addr     string
	path     string
	username string
	password string
}

// parseRemoteURL splits an ftp or sftp URL into address, path and
// credentials. URL credentials override the configured ones.
func parseRemoteURL(rawURL, scheme string, defaultPort int, username, password string) (remoteTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return remoteTarget{}, invalidURLError(rawURL, err)
	}
	if u.Scheme != scheme {
		return remoteTarget{}, invalidURLError(rawURL, ErrUnsupportedScheme)
	}
	if u.Hostname() == "" {
		return remoteTarget{}, invalidURLError(rawURL, errors.NewStd("missing host"))
	}
	if u.Path == "" || u.Path == "/" {
		return remoteTarget{}, invalidURLError(rawURL, errors.NewStd("missing file path"))
	}

	port := u.Port()
	if port == "" {
		port = strconv.Itoa(defaultPort)
	}

	if u.User != nil {
		username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	return remoteTarget{
		addr:     net.JoinHostPort(u.Hostname(), port),
		path:     u.Path,
		username: username,
		password: password,
	}, nil
}

func (d *FTP) fetch(ctx context.Context, req Request) (image.Image, error) {
	username := d.opts.Username
	password := d.opts.Password
	if username == "" {
		username, password = anonymousUser, anonymousUser
	}
	target, err := parseRemoteURL(req.URL, "ftp", DefaultFTPPort, username, password)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = withRetry(ctx, d.opts.Retry, d.opts.Logger, func(ctx context.Context) error {
		conn, err := d.connect(ctx, target)
		if err != nil {
			return err
		}
		defer func() {
			if quitErr := conn.Quit(); quitErr != nil && d.opts.Logger != nil {
				d.opts.Logger.Debug("failed to quit FTP connection", logger.Error(quitErr))
			}
		}()

		data, err = d.retrieve(ctx, conn, target.path)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
		category := errors.CategoryNetwork
		if errors.Is(err, errRemoteTooLarge) {
			category = errors.CategoryImageFetch
		}
		return nil, errors.New(err).
			Component(componentName).
			Category(category).
			Context("protocol", "ftp").
			Context("addr", target.addr).
			Context("path", target.path).
			Build()
	}

	return Decode(data, req.URL)
}

func (d *FTP) connect(ctx context.Context, target remoteTarget) (*ftp.ServerConn, error) {
	type connResult struct {
		conn *ftp.ServerConn
		err  error
	}
	resultChan := make(chan connResult, 1)

	go func() {
		conn, err := ftp.Dial(target.addr, ftp.DialWithTimeout(d.opts.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			resultChan <- connResult{nil, fmt.Errorf("ftp: connection failed: %w", err)}
			return
		}

		if err := conn.Login(target.username, target.password); err != nil {
			_ = conn.Quit()
			resultChan <- connResult{nil, fmt.Errorf("ftp: login failed: %w", err)}
			return
		}

		resultChan <- connResult{conn, nil}
	}()

	select {
	case <-ctx.Done():
		// The dialer may still succeed; close whatever it returns.
		go func() {
			if r := <-resultChan; r.conn != nil {
				_ = r.conn.Quit()
			}
		}()
		return nil, cancelledError(ctx.Err())
	case r := <-resultChan:
		return r.conn, r.err
	}
}

var errRemoteTooLarge = errors.NewStd("remote file exceeds size limit")

func (d *FTP) retrieve(ctx context.Context, conn *ftp.ServerConn, path string) ([]byte, error) {
	resp, err := conn.Retr(path)
	if err != nil {
		return nil, fmt.Errorf("ftp: failed to retrieve %s: %w", path, err)
	}
	defer resp.Close()

	// Unblock the read when the request is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = resp.SetDeadline(time.Now())
	})
	defer stop()

	return readLimited(resp, d.opts.MaxBytes)
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = httpclient.DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", errRemoteTooLarge, maxBytes)
	}
	return data, nil
}
