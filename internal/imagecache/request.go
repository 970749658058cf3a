package imagecache

import (
	"context"
	"sync/atomic"

	"github.com/tphakala/imagecache/internal/imagestore"
)

// Request is the handle of one CachedImage call.
type Request struct {
	key       imagestore.Key
	done      Completion
	cancel    context.CancelFunc
	cancelled atomic.Bool
	cache     *Cache
}

// Key returns the cache key of the request. Requests rejected before a key
// could be derived return a key with only the type set.
func (r *Request) Key() imagestore.Key {
	return r.key
}

// Cancel stops this request. Its completion is not called afterwards,
// except when it was already queued on the dispatcher. Safe to call more
// than once and on a nil Request.
func (r *Request) Cancel() {
	if r == nil || !r.cancelled.CompareAndSwap(false, true) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.cache != nil {
		r.cache.metrics.RecordCancellation(r.key.Type)
	}
}

// Cancelled reports whether Cancel was called.
func (r *Request) Cancelled() bool {
	return r.cancelled.Load()
}
