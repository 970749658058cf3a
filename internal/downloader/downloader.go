// Package downloader fetches remote images for the image cache.
//
// A Downloader handles one request: Start runs the fetch on its own
// goroutine and calls the completion once, Cancel stops it. A Factory
// creates a fresh Downloader per request; NewDefaultFactory routes http,
// https, ftp and sftp URLs to the built-in downloaders.
package downloader

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"sync"

	"github.com/tphakala/imagecache/internal/errors"
)

// Request describes one image download.
type Request struct {
	URL       string
	Header    http.Header // extra request headers, HTTP only
	UserAgent string      // overrides the configured User-Agent, HTTP only
	ImageType string      // image type the result is stored under, used for metrics
}

// Completion receives the decoded image or the error of a download.
type Completion func(image.Image, error)

// Downloader fetches a single image.
type Downloader interface {
	// Start begins the download. done is called exactly once from another
	// goroutine, unless Cancel is called first, in which case it may be
	// skipped.
	Start(ctx context.Context, req Request, done Completion)

	// Cancel stops the download. It is idempotent and may be called before
	// Start or after completion.
	Cancel()
}

// Factory creates a Downloader for a new request.
type Factory func() (Downloader, error)

var (
	// ErrCancelled is returned when the request context ends before the
	// download completes.
	ErrCancelled = errors.NewStd("download cancelled")

	// ErrUnsupportedScheme is returned for URLs no downloader handles.
	ErrUnsupportedScheme = errors.NewStd("unsupported URL scheme")

	errAlreadyStarted = errors.NewStd("downloader already started")
)

const componentName = "downloader"

type fetchFunc func(ctx context.Context, req Request) (image.Image, error)

// task holds the lifecycle shared by all downloaders: one start, an
// idempotent cancel and at most one completion.
type task struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	cancelled bool
}

func (t *task) start(ctx context.Context, req Request, done Completion, fetch fetchFunc) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	if t.started {
		t.mu.Unlock()
		if done != nil {
			go done(nil, errAlreadyStarted)
		}
		return
	}
	t.started = true
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		defer cancel()

		img, err := fetch(ctx, req)
		if err == nil && ctx.Err() != nil {
			img, err = nil, cancelledError(ctx.Err())
		}

		t.mu.Lock()
		skip := t.cancelled
		t.mu.Unlock()
		if skip || done == nil {
			return
		}
		done(img, err)
	}()
}

func (t *task) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
}

func cancelledError(cause error) error {
	return errors.New(fmt.Errorf("%w: %w", ErrCancelled, cause)).
		Component(componentName).
		Category(errors.CategoryCancellation).
		Build()
}
