package binding

import (
	"context"
	"image"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagecache/internal/imagecache"
	"github.com/tphakala/imagecache/internal/observability/metrics"
)

// fakeFacade records requests; tests complete them by hand.
type fakeFacade struct {
	mu        sync.Mutex
	calls     []call
	cancelled []string
}

type call struct {
	url       string
	imageType string
	done      imagecache.Completion
	handle    *imagecache.Request
}

func (f *fakeFacade) CachedImage(_ context.Context, url, imageType string, done imagecache.Completion) *imagecache.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &imagecache.Request{}
	f.calls = append(f.calls, call{url: url, imageType: imageType, done: done, handle: h})
	return h
}

func (f *fakeFacade) CancelCachedImageRequest(url, imageType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, imageType+" "+url)
}

func (f *fakeFacade) call(t *testing.T, i int) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.calls), i)
	return f.calls[i]
}

func (f *fakeFacade) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func found() imagecache.Result {
	return imagecache.Result{Image: image.NewGray(image.Rect(0, 0, 2, 2)), Source: imagecache.SourceDownload}
}

// recorder collects what a binding shows and delivers.
type recorder struct {
	mu      sync.Mutex
	shown   []image.Image
	results []imagecache.Result
}

func (r *recorder) show(img image.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, img)
}

func (r *recorder) done(res imagecache.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func TestBindingRequestShowsPlaceholderThenImage(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	b := New(f, "test")
	rec := &recorder{}
	placeholder := image.NewGray(image.Rect(0, 0, 1, 1))

	assert.Equal(t, Idle, b.State())
	b.Request(t.Context(), "https://example.com/a.png", "thumb", placeholder, rec.show, rec.done)

	assert.Equal(t, Requesting, b.State())
	require.Len(t, rec.shown, 1)
	assert.Same(t, placeholder, rec.shown[0])
	key, ok := b.Key()
	require.True(t, ok)
	assert.Equal(t, "thumb", key.Type)

	res := found()
	f.call(t, 0).done(res)

	assert.Equal(t, Fulfilled, b.State())
	require.Len(t, rec.shown, 2)
	assert.Same(t, res.Image, rec.shown[1])
	require.Len(t, rec.results, 1)
	_, ok = b.Key()
	assert.False(t, ok)
}

func TestBindingAbsentResultKeepsPlaceholder(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	b := New(f, "test")
	rec := &recorder{}

	b.Request(t.Context(), "https://example.com/a.png", "thumb", nil, rec.show, rec.done)
	f.call(t, 0).done(imagecache.Result{})

	assert.Len(t, rec.shown, 1, "only the placeholder is shown")
	require.Len(t, rec.results, 1)
	assert.False(t, rec.results[0].Found())
	assert.Equal(t, Fulfilled, b.State())
}

func TestBindingSupersededResultIsDropped(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	m, err := metrics.NewImageCacheMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	b := New(f, "cell", WithMetrics(m))
	rec := &recorder{}

	b.Request(t.Context(), "https://example.com/old.png", "thumb", nil, rec.show, rec.done)
	b.Request(t.Context(), "https://example.com/new.png", "thumb", nil, rec.show, rec.done)

	old, current := f.call(t, 0), f.call(t, 1)
	assert.True(t, old.handle.Cancelled(), "superseded handle is cancelled")
	assert.False(t, current.handle.Cancelled())

	old.done(found())
	assert.Empty(t, rec.results)
	assert.Equal(t, Requesting, b.State())
	assert.InDelta(t, 1, testutil.ToFloat64(m.StaleResults.WithLabelValues("cell")), 0)

	res := found()
	current.done(res)
	require.Len(t, rec.results, 1)
	assert.Same(t, res.Image, rec.results[0].Image)
}

func TestBindingCancel(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	b := New(f, "test")
	rec := &recorder{}

	b.Cancel()
	assert.Equal(t, Idle, b.State())
	assert.Empty(t, f.cancels())

	b.Request(t.Context(), "https://example.com/a.png", "thumb", nil, rec.show, rec.done)
	b.Cancel()
	b.Cancel()

	assert.Equal(t, Cancelled, b.State())
	assert.Equal(t, []string{"thumb https://example.com/a.png"}, f.cancels())
	assert.True(t, f.call(t, 0).handle.Cancelled())

	f.call(t, 0).done(found())
	assert.Empty(t, rec.results)
	assert.Len(t, rec.shown, 1)

	// The binding is reusable after a cancel.
	b.Request(t.Context(), "https://example.com/b.png", "thumb", nil, rec.show, rec.done)
	f.call(t, 1).done(found())
	assert.Len(t, rec.results, 1)
	assert.Equal(t, Fulfilled, b.State())
}

// syncFacade completes requests before CachedImage returns.
type syncFacade struct{ fakeFacade }

func (f *syncFacade) CachedImage(ctx context.Context, url, imageType string, done imagecache.Completion) *imagecache.Request {
	h := f.fakeFacade.CachedImage(ctx, url, imageType, done)
	done(found())
	return h
}

func TestBindingSynchronousCompletion(t *testing.T) {
	t.Parallel()

	f := &syncFacade{}
	b := New(f, "test")
	rec := &recorder{}

	b.Request(t.Context(), "https://example.com/a.png", "thumb", nil, rec.show, rec.done)
	assert.Equal(t, Fulfilled, b.State())
	require.Len(t, rec.results, 1)
	assert.False(t, f.call(t, 0).handle.Cancelled())
}

func TestBindingConcurrentRequests(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	b := New(f, "test")
	rec := &recorder{}

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			b.Request(t.Context(), "https://example.com/a.png", "thumb", nil, nil, rec.done)
		})
	}
	wg.Wait()

	for i := range 20 {
		f.call(t, i).done(found())
	}
	assert.Len(t, rec.results, 1, "only the last request delivers")
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "requesting", Requesting.String())
	assert.Equal(t, "fulfilled", Fulfilled.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "superseded", Superseded.String())
}
