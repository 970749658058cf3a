// Package imagecache is the image cache facade: it serves images for
// (URL, image type) pairs from the image store and downloads them on a
// miss, formatting every image to its type's fixed size and style.
//
// Completions are delivered through a Dispatcher, typically a MainLoop
// drained by the UI goroutine:
//
//	loop := imagecache.NewMainLoop()
//	cache, err := imagecache.Setup(ctx, imagecache.Options{
//	    Descriptions: []imagestore.Description{{Type: "avatar", Width: 48, Height: 48}},
//	    Dispatcher:   loop,
//	})
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	cache.CachedImage(ctx, avatarURL, "avatar", func(r imagecache.Result) {
//	    if r.Found() {
//	        view.SetImage(r.Image)
//	    }
//	})
package imagecache

import (
	"context"
	"image"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tphakala/imagecache/internal/conf"
	"github.com/tphakala/imagecache/internal/downloader"
	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagestore"
	"github.com/tphakala/imagecache/internal/logger"
	"github.com/tphakala/imagecache/internal/observability/metrics"
)

// DefaultMaxConcurrentDownloads bounds concurrent downloads when
// Options.MaxConcurrentDownloads is zero.
const DefaultMaxConcurrentDownloads = 8

const componentName = "imagecache"

var (
	// ErrAlreadySetup is returned by a second Setup call on the same Cache.
	ErrAlreadySetup = errors.NewStd("image cache is already set up")

	// ErrClosed is returned by operations on a closed Cache.
	ErrClosed = errors.NewStd("image cache is closed")

	errNilDownloader = errors.NewStd("downloader factory returned nil")
)

// Source tells where a result came from.
type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourceStore
	SourceDownload
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceStore:
		return "store"
	case SourceDownload:
		return "download"
	default:
		return "none"
	}
}

func sourceFromStore(s imagestore.Source) Source {
	switch s {
	case imagestore.SourceMemory:
		return SourceMemory
	case imagestore.SourceStore:
		return SourceStore
	default:
		return SourceNone
	}
}

// Result is an image or its absence. Failures are never reported to the
// completion; they are logged and counted instead.
type Result struct {
	Image  image.Image
	Source Source
}

// Found reports whether the result carries an image.
func (r Result) Found() bool {
	return r.Image != nil
}

// Completion receives the result of CachedImage.
type Completion func(Result)

// Options configures Setup. Only Descriptions is required, unless Settings
// supplies them.
type Options struct {
	// Descriptions registers the image types. Defaults to Settings' types.
	Descriptions []imagestore.Description

	// Factory creates a downloader per download. Defaults to
	// downloader.NewDefaultFactory built from Settings.
	Factory downloader.Factory

	// Settings supplies defaults for every unset option below.
	Settings *conf.Settings

	// Store is used instead of opening one. It must have every description
	// registered and is not closed by Close.
	Store *imagestore.Store

	// StoreConfig opens the store when Store and Settings are nil.
	StoreConfig imagestore.Config

	// Dispatcher delivers completions. Defaults to Immediate.
	Dispatcher Dispatcher

	Logger  logger.Logger
	Metrics *metrics.ImageCacheMetrics

	// MaxConcurrentDownloads bounds concurrent downloads (default 8).
	MaxConcurrentDownloads int

	// Header and UserAgent are sent with every HTTP download.
	Header    http.Header
	UserAgent string
}

// Cache is the image cache facade. Create it with Setup, or New followed
// by Setup, and Close it at teardown.
type Cache struct {
	setupOnce atomic.Bool

	descs      []imagestore.Description
	store      *imagestore.Store
	ownsStore  bool
	factory    downloader.Factory
	dispatcher Dispatcher
	log        logger.Logger
	metrics    *metrics.ImageCacheMetrics
	slots      *semaphore.Weighted
	header     http.Header
	userAgent  string

	contentMode atomic.Uint32

	mu       sync.Mutex
	closed   bool
	inflight map[imagestore.Key]map[*Request]struct{}
	wg       sync.WaitGroup
}

// New returns a Cache that must be set up before use.
func New() *Cache {
	return &Cache{
		dispatcher: Immediate,
		log:        logger.NewSlogLogger(nil, logger.LogLevelInfo, nil),
		inflight:   make(map[imagestore.Key]map[*Request]struct{}),
	}
}

// Setup creates and sets up a Cache.
func Setup(ctx context.Context, opts Options) (*Cache, error) {
	c := New()
	if err := c.Setup(ctx, opts); err != nil {
		return nil, err
	}
	return c, nil
}

// MustSetup is Setup for process initialisation; it panics on error.
func MustSetup(ctx context.Context, opts Options) *Cache {
	c, err := Setup(ctx, opts)
	if err != nil {
		panic(err)
	}
	return c
}

// Setup validates the descriptions, opens the store and installs the
// downloader factory. It may be called once per Cache.
func (c *Cache) Setup(ctx context.Context, opts Options) error {
	if !c.setupOnce.CompareAndSwap(false, true) {
		return errors.New(ErrAlreadySetup).
			Component(componentName).
			Category(errors.CategoryState).
			Build()
	}
	if err := c.setup(ctx, &opts); err != nil {
		c.setupOnce.Store(false)
		return err
	}
	return nil
}

func (c *Cache) setup(ctx context.Context, opts *Options) error {
	descs := opts.Descriptions
	mode := imagestore.ScaleToFill
	if opts.Settings != nil {
		if len(descs) == 0 {
			var err error
			if descs, err = opts.Settings.Descriptions(); err != nil {
				return configError(err)
			}
		}
		var err error
		if mode, err = opts.Settings.ContentMode(); err != nil {
			return configError(err)
		}
	}

	if err := imagestore.ValidateDescriptions(descs); err != nil {
		return configError(err)
	}

	log := opts.Logger
	if log == nil {
		log = c.log
	}
	c.log = log.Module(componentName)
	c.metrics = opts.Metrics

	store, owns, err := c.openStore(ctx, opts, descs, log)
	if err != nil {
		return err
	}

	factory := opts.Factory
	if factory == nil {
		settings := opts.Settings
		if settings == nil {
			settings = &conf.Settings{}
		}
		if factory, err = downloader.NewDefaultFactory(settings, log, opts.Metrics); err != nil {
			if owns {
				_ = store.Close()
			}
			return configError(err)
		}
	}

	limit := opts.MaxConcurrentDownloads
	if limit <= 0 && opts.Settings != nil {
		limit = opts.Settings.Downloader.MaxConcurrent
	}
	if limit <= 0 {
		limit = DefaultMaxConcurrentDownloads
	}

	userAgent := opts.UserAgent
	if userAgent == "" && opts.Settings != nil {
		userAgent = opts.Settings.Downloader.UserAgent
	}

	c.descs = slices.Clone(descs)
	c.store = store
	c.ownsStore = owns
	c.factory = factory
	c.slots = semaphore.NewWeighted(int64(limit))
	c.header = opts.Header.Clone()
	c.userAgent = userAgent
	if opts.Dispatcher != nil {
		c.dispatcher = opts.Dispatcher
	}
	c.SetCacheContentMode(mode)

	c.log.Info("image cache ready",
		logger.Int("types", len(descs)),
		logger.Int("max_concurrent_downloads", limit),
		logger.String("content_mode", mode.String()))
	return nil
}

func (c *Cache) openStore(ctx context.Context, opts *Options, descs []imagestore.Description, log logger.Logger) (*imagestore.Store, bool, error) {
	if opts.Store != nil {
		for _, d := range descs {
			registered, ok := opts.Store.Description(d.Type)
			if !ok || registered != d {
				return nil, false, errors.Newf("store does not register image type %q as described", d.Type).
					Component(componentName).
					Category(errors.CategoryConfiguration).
					Context("type", d.Type).
					Build()
			}
		}
		return opts.Store, false, nil
	}

	cfg := opts.StoreConfig
	if opts.Settings != nil {
		var err error
		if cfg, err = opts.Settings.StoreConfig(); err != nil {
			return nil, false, configError(err)
		}
	}

	store, err := imagestore.Open(ctx, cfg, descs, log, opts.Metrics)
	if err != nil {
		return nil, false, err
	}
	return store, true, nil
}

func configError(err error) error {
	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryConfiguration).
		Build()
}

// Close cancels all in-flight requests, waits for their goroutines and
// closes the store if Setup opened it.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var pending []*Request
	for _, set := range c.inflight {
		for r := range set {
			pending = append(pending, r)
		}
	}
	c.mu.Unlock()

	for _, r := range pending {
		r.Cancel()
	}
	c.wg.Wait()

	if c.ownsStore && c.store != nil {
		return c.store.Close()
	}
	return nil
}

// SetCacheContentMode sets the content mode applied to images formatted
// from now on. Images already stored keep their format.
func (c *Cache) SetCacheContentMode(mode imagestore.ContentMode) {
	c.contentMode.Store(uint32(mode))
}

// ContentMode returns the current content mode.
func (c *Cache) ContentMode() imagestore.ContentMode {
	return imagestore.ContentMode(c.contentMode.Load())
}

// Descriptions returns the registered image types in registration order.
func (c *Cache) Descriptions() []imagestore.Description {
	return slices.Clone(c.descs)
}

// Description returns the description of imageType.
func (c *Cache) Description(imageType string) (imagestore.Description, bool) {
	if c.store == nil {
		return imagestore.Description{}, false
	}
	return c.store.Description(imageType)
}

// InFlight returns the number of requests not yet completed or cancelled.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, set := range c.inflight {
		n += len(set)
	}
	return n
}

// Store returns the underlying image store.
func (c *Cache) Store() *imagestore.Store {
	return c.store
}

// ImageExists reports whether the image is cached in memory or in the
// store. It never downloads; errors count as absent.
func (c *Cache) ImageExists(rawURL, imageType string) bool {
	if _, ok := c.Description(imageType); !ok || !validURL(rawURL) {
		return false
	}
	return c.store.Exists(context.Background(), imagestore.NewKey(imageType, rawURL))
}

// SetCachedImage formats img for imageType and stores it under rawURL
// without downloading.
func (c *Cache) SetCachedImage(ctx context.Context, img image.Image, rawURL, imageType string) error {
	if c.store == nil {
		return errors.New(ErrClosed).Component(componentName).Category(errors.CategoryState).Build()
	}
	if _, ok := c.store.Description(imageType); !ok {
		return errors.New(imagestore.ErrUnknownType).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Context("type", imageType).
			Build()
	}
	if !validURL(rawURL) {
		return errors.Newf("invalid image URL %q", rawURL).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	_, err := c.store.Put(ctx, imagestore.NewKey(imageType, rawURL), rawURL, img, c.ContentMode())
	return err
}

// CachedImage looks up the image of rawURL for imageType and downloads it
// on a miss. done receives the result on the dispatcher; an unregistered
// type, an invalid URL or a failed download all yield an absent result.
// done may be nil.
func (c *Cache) CachedImage(ctx context.Context, rawURL, imageType string, done Completion) *Request {
	r := &Request{key: imagestore.Key{Type: imageType}, done: done, cache: c}

	if _, ok := c.Description(imageType); !ok {
		c.log.Warn("image requested for unregistered type", logger.String("type", imageType))
		c.metrics.RecordRequest(imageType, metrics.ResultInvalidType)
		c.reject(r)
		return r
	}
	if !validURL(rawURL) {
		c.log.Debug("image requested with invalid URL", logger.String("type", imageType))
		c.metrics.RecordRequest(imageType, metrics.ResultInvalidURL)
		c.reject(r)
		return r
	}

	r.key = imagestore.NewKey(imageType, rawURL)
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if !c.track(r) {
		cancel()
		return r
	}

	go c.run(ctx, r, rawURL)
	return r
}

// CancelCachedImageRequest cancels every in-flight request for rawURL and
// imageType. Unknown types and keys without requests are ignored.
func (c *Cache) CancelCachedImageRequest(rawURL, imageType string) {
	if _, ok := c.Description(imageType); !ok {
		return
	}
	key := imagestore.NewKey(imageType, rawURL)

	c.mu.Lock()
	pending := make([]*Request, 0, len(c.inflight[key]))
	for r := range c.inflight[key] {
		pending = append(pending, r)
	}
	c.mu.Unlock()

	for _, r := range pending {
		r.Cancel()
	}
	if len(pending) > 0 {
		c.log.Debug("cancelled requests", logger.String("key", key.String()), logger.Int("count", len(pending)))
	}
}

// reject delivers an absent result without any lookup. A closed cache
// delivers nothing.
func (c *Cache) reject(r *Request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.complete(r, Result{})
	}()
}

func (c *Cache) track(r *Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	set, ok := c.inflight[r.key]
	if !ok {
		set = make(map[*Request]struct{})
		c.inflight[r.key] = set
	}
	set[r] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Cache) untrack(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.inflight[r.key]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(c.inflight, r.key)
		}
	}
}

func (c *Cache) run(ctx context.Context, r *Request, rawURL string) {
	defer c.wg.Done()
	defer c.untrack(r)
	defer r.cancel()

	img, src, err := c.store.Get(ctx, r.key)
	if err == nil {
		result := metrics.ResultHitMemory
		if src == imagestore.SourceStore {
			result = metrics.ResultHitStore
		}
		c.metrics.RecordRequest(r.key.Type, result)
		c.complete(r, Result{Image: img, Source: sourceFromStore(src)})
		return
	}
	if !errors.Is(err, imagestore.ErrNotFound) && !errors.Is(err, imagestore.ErrUnavailable) {
		c.log.Warn("store lookup failed, downloading", logger.String("key", r.key.String()), logger.Error(err))
	}
	c.metrics.RecordRequest(r.key.Type, metrics.ResultMiss)

	if err := c.slots.Acquire(ctx, 1); err != nil {
		c.complete(r, Result{})
		return
	}
	downloaded, err := c.download(ctx, r, rawURL)
	c.slots.Release(1)
	if err != nil {
		if !errors.Is(err, downloader.ErrCancelled) {
			c.log.Warn("image download failed",
				logger.String("key", r.key.String()),
				logger.String("category", categoryOf(err)),
				logger.Error(err))
		}
		c.complete(r, Result{})
		return
	}

	c.complete(r, Result{Image: c.save(ctx, r.key, rawURL, downloaded), Source: SourceDownload})
}

func (c *Cache) download(ctx context.Context, r *Request, rawURL string) (image.Image, error) {
	d, err := c.factory()
	if err == nil && d == nil {
		err = errNilDownloader
	}
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryImageFetch).
			Context("type", r.key.Type).
			Build()
	}

	type outcome struct {
		img image.Image
		err error
	}
	ch := make(chan outcome, 1)

	start := time.Now()
	d.Start(ctx, downloader.Request{
		URL:       rawURL,
		Header:    c.header,
		UserAgent: c.userAgent,
		ImageType: r.key.Type,
	}, func(img image.Image, err error) {
		ch <- outcome{img, err}
	})

	select {
	case out := <-ch:
		if out.err == nil && out.img == nil {
			out.err = errors.Newf("downloader returned no image").
				Component(componentName).
				Category(errors.CategoryImageFetch).
				Build()
		}
		if out.err == nil {
			c.log.Debug("image downloaded",
				logger.String("key", r.key.String()),
				logger.Duration("elapsed", time.Since(start)))
		}
		return out.img, out.err
	case <-ctx.Done():
		d.Cancel()
		return nil, downloader.ErrCancelled
	}
}

// save stores a downloaded image and returns it in its stored format. A
// failed write is logged; the formatted image is still returned.
func (c *Cache) save(ctx context.Context, key imagestore.Key, rawURL string, img image.Image) image.Image {
	mode := c.ContentMode()
	stored, err := c.store.Put(context.WithoutCancel(ctx), key, rawURL, img, mode)
	if err == nil {
		return stored
	}

	c.log.Warn("failed to store downloaded image",
		logger.String("key", key.String()),
		logger.String("category", categoryOf(err)),
		logger.Error(err))

	desc, _ := c.store.Description(key.Type)
	rendered, renderErr := imagestore.Render(img, desc, mode)
	if renderErr != nil {
		return imagestore.Format(img, desc, mode)
	}
	return rendered
}

// complete hands the result to the dispatcher unless the request was cancelled.
func (c *Cache) complete(r *Request, res Result) {
	if r.cancelled.Load() || r.done == nil {
		return
	}
	c.dispatcher.Dispatch(func() { r.done(res) })
}

func validURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func categoryOf(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return ee.GetCategory()
	}
	return string(errors.CategoryGeneric)
}
