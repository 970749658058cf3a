package downloader

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/httpclient"
	"github.com/tphakala/imagecache/internal/logger"
)

// HTTPOptions configures HTTP downloaders. The client and limiter are
// shared by every downloader a factory creates.
type HTTPOptions struct {
	Client  *httpclient.Client
	Limiter *rate.Limiter // nil disables rate limiting
	Retry   RetryConfig
	Timeout time.Duration // per-attempt timeout, reported in error context
	Logger  logger.Logger
}

// HTTP downloads http and https URLs.
type HTTP struct {
	task
	opts *HTTPOptions
}

// NewHTTPFactory returns a factory of HTTP downloaders sharing opts.
func NewHTTPFactory(opts HTTPOptions) Factory {
	if opts.Client == nil {
		opts.Client = httpclient.New(nil)
	}
	return func() (Downloader, error) {
		return &HTTP{opts: &opts}, nil
	}
}

// Start implements Downloader.
func (d *HTTP) Start(ctx context.Context, req Request, done Completion) {
	d.start(ctx, req, done, d.fetch)
}

// Cancel implements Downloader.
func (d *HTTP) Cancel() {
	d.stop()
}

func (d *HTTP) fetch(ctx context.Context, req Request) (image.Image, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalidURLError(req.URL, err)
	}

	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if req.UserAgent != "" {
		header.Set("User-Agent", req.UserAgent)
	}

	var body []byte
	err = withRetry(ctx, d.opts.Retry, d.opts.Logger, func(ctx context.Context) error {
		if d.opts.Limiter != nil {
			if err := d.opts.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		resp, err := d.opts.Client.Fetch(ctx, req.URL, header)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, d.classify(err, req.URL)
	}

	return Decode(body, req.URL)
}

func (d *HTTP) classify(err error, rawURL string) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		category := errors.CategoryImageFetch
		if statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusGone {
			category = errors.CategoryNotFound
		}
		return errors.New(err).
			Component(componentName).
			Category(category).
			Context("url", rawURL).
			Context("status_code", statusErr.Code).
			Build()
	}

	if errors.Is(err, httpclient.ErrBodyTooLarge) {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryImageFetch).
			Context("url", rawURL).
			Build()
	}

	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryNetwork).
		NetworkContext(rawURL, d.opts.Timeout).
		Build()
}

func invalidURLError(rawURL string, cause error) error {
	if cause == nil {
		cause = ErrUnsupportedScheme
	}
	return errors.New(fmt.Errorf("invalid image URL: %w", cause)).
		Component(componentName).
		Category(errors.CategoryValidation).
		Context("url", rawURL).
		Build()
}
