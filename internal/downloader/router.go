package downloader

import (
	"context"
	"image"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/observability/metrics"
)

// Router picks the downloader for a request by URL scheme when Start is
// called, since a Factory is not given the URL.
type Router struct {
	routes  map[string]Factory
	metrics *metrics.ImageCacheMetrics

	mu        sync.Mutex
	inner     Downloader
	cancelled bool
	finish    func(status string)
}

// NewSchemeFactory returns a factory of Routers over routes, keyed by
// lower-case URL scheme. m may be nil.
func NewSchemeFactory(routes map[string]Factory, m *metrics.ImageCacheMetrics) Factory {
	table := make(map[string]Factory, len(routes))
	for scheme, f := range routes {
		table[strings.ToLower(scheme)] = f
	}
	return func() (Downloader, error) {
		return &Router{routes: table, metrics: m}, nil
	}
}

// Start implements Downloader.
func (r *Router) Start(ctx context.Context, req Request, done Completion) {
	inner, err := r.resolve(req.URL)
	if err != nil {
		if done != nil {
			go done(nil, err)
		}
		return
	}

	begin := time.Now()
	var once sync.Once
	finish := func(status string) {
		once.Do(func() {
			r.metrics.DownloadFinished(req.ImageType, status, time.Since(begin))
		})
	}

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.inner = inner
	r.finish = finish
	r.mu.Unlock()

	r.metrics.DownloadStarted()
	inner.Start(ctx, req, func(img image.Image, err error) {
		finish(downloadStatus(err))
		if done != nil {
			done(img, err)
		}
	})
}

// Cancel implements Downloader.
func (r *Router) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	inner, finish := r.inner, r.finish
	r.mu.Unlock()
	if inner != nil {
		inner.Cancel()
		finish(metrics.StatusCancelled)
	}
}

func (r *Router) resolve(rawURL string) (Downloader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, invalidURLError(rawURL, err)
	}

	factory, ok := r.routes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, errors.New(ErrUnsupportedScheme).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("scheme", u.Scheme).
			Build()
	}

	d, err := factory()
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.Newf("downloader factory for %q returned nil", u.Scheme).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return d, nil
}

func downloadStatus(err error) string {
	switch {
	case err == nil:
		return metrics.StatusSuccess
	case errors.Is(err, ErrCancelled):
		return metrics.StatusCancelled
	case errors.IsNotFound(err):
		return metrics.StatusNotFound
	case errors.IsCategory(err, errors.CategoryImageDecode):
		return metrics.StatusDecode
	default:
		return metrics.StatusError
	}
}
