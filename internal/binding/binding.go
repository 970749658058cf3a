// Package binding ties image requests to UI elements. Each element (or
// each state slot of a button) holds at most one active request; a newer
// request supersedes the older one and results that arrive for a request
// that is no longer active are dropped.
//
// Elements are tracked through weak pointers, so a binding never keeps an
// element alive, and the binding of a collected element is cancelled.
package binding

import (
	"context"
	"image"
	"sync"

	"github.com/tphakala/imagecache/internal/imagecache"
	"github.com/tphakala/imagecache/internal/imagestore"
	"github.com/tphakala/imagecache/internal/logger"
	"github.com/tphakala/imagecache/internal/observability/metrics"
)

//go:generate mockgen -source=binding.go -destination=mocks/mock_binding.go -package=mock_binding

// Facade is the part of the image cache a binding uses.
type Facade interface {
	CachedImage(ctx context.Context, url, imageType string, done imagecache.Completion) *imagecache.Request
	CancelCachedImageRequest(url, imageType string)
}

// State is the lifecycle state of a binding.
type State int

const (
	Idle State = iota
	Requesting
	Fulfilled
	Cancelled
	Superseded
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Fulfilled:
		return "fulfilled"
	case Cancelled:
		return "cancelled"
	case Superseded:
		return "superseded"
	default:
		return "idle"
	}
}

// ticket is one request issued by a binding.
type ticket struct {
	token     uint64
	url       string
	imageType string
	key       imagestore.Key
	handle    *imagecache.Request
	state     State
}

// Binding tracks the active request of one element slot.
// Safe for concurrent use.
type Binding struct {
	facade  Facade
	slot    string
	log     logger.Logger
	metrics *metrics.ImageCacheMetrics

	mu     sync.Mutex
	token  uint64
	active *ticket
	state  State
}

// New returns an idle binding. slot labels stale-result metrics.
func New(facade Facade, slot string, opts ...Option) *Binding {
	cfg := newConfig(opts)
	return &Binding{
		facade:  facade,
		slot:    slot,
		log:     cfg.log,
		metrics: cfg.metrics,
	}
}

// Request shows placeholder, supersedes the active request and asks the
// facade for url. When the result arrives and the request is still the
// active one, a found image is passed to show and the result to done.
// show and done run on the facade's dispatcher; either may be nil.
func (b *Binding) Request(ctx context.Context, url, imageType string, placeholder image.Image, show func(image.Image), done imagecache.Completion) {
	if show != nil {
		show(placeholder)
	}

	b.mu.Lock()
	b.token++
	t := &ticket{
		token:     b.token,
		url:       url,
		imageType: imageType,
		key:       imagestore.NewKey(imageType, url),
		state:     Requesting,
	}
	prev := b.active
	if prev != nil {
		prev.state = Superseded
	}
	b.active = t
	b.state = Requesting
	b.mu.Unlock()

	if prev != nil {
		b.log.Debug("request superseded",
			logger.String("slot", b.slot),
			logger.Uint64("token", prev.token))
		if prev.handle != nil {
			prev.handle.Cancel()
		}
	}

	handle := b.facade.CachedImage(ctx, url, imageType, func(res imagecache.Result) {
		b.complete(t, res, show, done)
	})

	b.mu.Lock()
	state := t.state
	if state == Requesting {
		t.handle = handle
	}
	b.mu.Unlock()

	// Superseded or cancelled before the handle was known.
	if state == Superseded || state == Cancelled {
		handle.Cancel()
	}
}

func (b *Binding) complete(t *ticket, res imagecache.Result, show func(image.Image), done imagecache.Completion) {
	b.mu.Lock()
	if b.active != t {
		b.mu.Unlock()
		b.metrics.RecordStaleResult(b.slot)
		return
	}
	b.active = nil
	t.state = Fulfilled
	b.state = Fulfilled
	b.mu.Unlock()

	if res.Found() && show != nil {
		show(res.Image)
	}
	if done != nil {
		done(res)
	}
}

// Cancel drops the active request: the facade cancels every in-flight
// request for its key and later results are ignored. Calling Cancel
// without an active request does nothing.
func (b *Binding) Cancel() {
	b.mu.Lock()
	t := b.active
	if t == nil {
		b.mu.Unlock()
		return
	}
	b.active = nil
	t.state = Cancelled
	b.state = Cancelled
	b.mu.Unlock()

	b.facade.CancelCachedImageRequest(t.url, t.imageType)
	if t.handle != nil {
		t.handle.Cancel()
	}
}

// State returns the current state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Key returns the key of the active request.
func (b *Binding) Key() (imagestore.Key, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return imagestore.Key{}, false
	}
	return b.active.key, true
}

// Option configures bindings and binding tables.
type Option func(*config)

type config struct {
	log     logger.Logger
	metrics *metrics.ImageCacheMetrics
}

// WithLogger sets the logger; the binding logs through its "binding" module.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithMetrics sets the collector counting dropped results.
func WithMetrics(m *metrics.ImageCacheMetrics) Option {
	return func(c *config) { c.metrics = m }
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	if c.log == nil {
		c.log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	c.log = c.log.Module("binding")
	return c
}
