// Package server exposes the image cache over HTTP.
package server

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tphakala/imagecache/internal/buildinfo"
	"github.com/tphakala/imagecache/internal/downloader"
	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagecache"
	"github.com/tphakala/imagecache/internal/imagestore"
	"github.com/tphakala/imagecache/internal/logger"
	"github.com/tphakala/imagecache/internal/observability"
)

const (
	componentName = "server"

	// DefaultRequestTimeout bounds how long GET waits for a download.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultBodyLimit bounds uploaded images.
	DefaultBodyLimit = "20M"

	shutdownTimeout = 10 * time.Second
	readTimeout     = 30 * time.Second
	idleTimeout     = 120 * time.Second

	headerImageSource = "X-Image-Source"
)

// Server serves cached images:
//
//	GET    /v1/images/:type?url=  image as PNG, downloading on a miss
//	HEAD   /v1/images/:type?url=  200 when cached, 404 otherwise
//	PUT    /v1/images/:type?url=  store the uploaded image
//	DELETE /v1/images/:type?url=  cancel in-flight requests
//	GET    /v1/types              registered image types and entry counts
//	DELETE /v1/types/:type        purge every entry of a type
//	GET    /metrics, /health
type Server struct {
	echo    *echo.Echo
	cache   *imagecache.Cache
	log     logger.Logger
	metrics *observability.Metrics
	build   *buildinfo.Context

	listen         string
	requestTimeout time.Duration
	bodyLimit      string
	startTime      time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics serves m on /metrics and records request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBuildInfo reports build metadata on /health.
func WithBuildInfo(b *buildinfo.Context) Option {
	return func(s *Server) { s.build = b }
}

// WithRequestTimeout bounds how long GET waits for an image.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithBodyLimit bounds uploads, e.g. "10M".
func WithBodyLimit(limit string) Option {
	return func(s *Server) { s.bodyLimit = limit }
}

// New creates a server for cache listening on listen.
func New(cache *imagecache.Cache, listen string, opts ...Option) *Server {
	s := &Server{
		cache:          cache,
		listen:         listen,
		requestTimeout: DefaultRequestTimeout,
		bodyLimit:      DefaultBodyLimit,
		startTime:      time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	s.log = s.log.Module(componentName)

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = readTimeout
	s.echo.Server.IdleTimeout = idleTimeout
	s.echo.HTTPErrorHandler = s.errorHandler

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logger.WithTraceID(req.Context(), id)))
		},
	}))
	s.echo.Use(s.requestLogger())
	s.echo.Use(echomw.BodyLimit(s.bodyLimit))
}

// requestLogger logs every request and records its metrics.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			if s.metrics != nil {
				s.metrics.HTTP.RecordRequest(c.Path(), v.Method, v.Status, v.Latency)
			}

			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.WithContext(c.Request().Context()).Debug("request", fields...)
			return nil
		},
	})
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/v1")
	v1.GET("/types", s.listTypes)
	v1.GET("/images/:type", s.getImage)
	v1.HEAD("/images/:type", s.headImage)
	v1.PUT("/images/:type", s.putImage)
	v1.DELETE("/images/:type", s.cancelImage)
	v1.DELETE("/types/:type", s.purgeType)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server starting", logger.String("address", s.listen))
		errCh <- s.echo.Start(s.listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(fmt.Errorf("server error: %w", err)).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Context("listen", s.listen).
			Build()
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

type imageTarget struct {
	imageType string
	url       string
}

// target reads the image type and URL of a request. Unknown types are 404.
func (s *Server) target(c echo.Context) (imageTarget, error) {
	t := imageTarget{imageType: c.Param("type"), url: c.QueryParam("url")}
	if t.url == "" {
		return t, echo.NewHTTPError(http.StatusBadRequest, "missing url query parameter")
	}
	if _, ok := s.cache.Description(t.imageType); !ok {
		return t, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown image type %q", t.imageType))
	}
	return t, nil
}

func (s *Server) getImage(c echo.Context) error {
	t, err := s.target(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.requestTimeout)
	defer cancel()

	results := make(chan imagecache.Result, 1)
	req := s.cache.CachedImage(ctx, t.url, t.imageType, func(r imagecache.Result) {
		results <- r
	})

	var res imagecache.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		req.Cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "image download timed out")
		}
		return ctx.Err()
	}

	if !res.Found() {
		return echo.NewHTTPError(http.StatusNotFound, "image not available")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, res.Image); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryImageDecode).
			Context("operation", "encode_png").
			Build()
	}
	c.Response().Header().Set(headerImageSource, res.Source.String())
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) headImage(c echo.Context) error {
	t, err := s.target(c)
	if err != nil {
		return err
	}
	if !s.cache.ImageExists(t.url, t.imageType) {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) putImage(c echo.Context) error {
	t, err := s.target(c)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body").SetInternal(err)
	}
	img, err := downloader.Decode(data, "upload")
	if err != nil {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "body is not a supported image").SetInternal(err)
	}
	if err := s.cache.SetCachedImage(c.Request().Context(), img, t.url, t.imageType); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) cancelImage(c echo.Context) error {
	t, err := s.target(c)
	if err != nil {
		return err
	}
	s.cache.CancelCachedImageRequest(t.url, t.imageType)
	return c.NoContent(http.StatusNoContent)
}

type typeInfo struct {
	Type     string `json:"type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MaxCount int    `json:"max_count"`
	Style    string `json:"style"`
	Entries  int64  `json:"entries"`
}

func (s *Server) listTypes(c echo.Context) error {
	descs := s.cache.Descriptions()
	store := s.cache.Store()
	types := make([]typeInfo, 0, len(descs))
	for _, d := range descs {
		info := typeInfo{
			Type:     d.Type,
			Width:    d.Width,
			Height:   d.Height,
			MaxCount: d.Capacity(),
			Style:    d.Style.String(),
		}
		if store != nil {
			n, err := store.Count(c.Request().Context(), d.Type)
			if err != nil {
				return err
			}
			info.Entries = n
		}
		types = append(types, info)
	}
	return c.JSON(http.StatusOK, types)
}

// purgeType drops every cached image of a type.
func (s *Server) purgeType(c echo.Context) error {
	store := s.cache.Store()
	if store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	}
	n, err := store.Purge(c.Request().Context(), c.Param("type"))
	if err != nil {
		return err
	}
	s.log.Info("image type purged",
		logger.String("type", c.Param("type")),
		logger.Int64("entries", n))
	return c.JSON(http.StatusOK, map[string]int64{"purged": n})
}

func (s *Server) health(c echo.Context) error {
	uptime := time.Since(s.startTime)
	status := "healthy"
	code := http.StatusOK
	memoryEntries := 0
	if store := s.cache.Store(); store != nil {
		memoryEntries = store.MemoryItems()
		if !store.Available() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	body := map[string]any{
		"status":         status,
		"version":        s.build.GetVersion(),
		"build_date":     s.build.GetBuildDate(),
		"instance_id":    s.build.GetInstanceID(),
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"in_flight":      s.cache.InFlight(),
		"memory_entries": memoryEntries,
		"content_mode":   s.cache.ContentMode().String(),
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request().Context()); err == nil {
		body["memory_used_percent"] = vm.UsedPercent
	}
	return c.JSON(code, body)
}

// errorHandler maps cache errors to status codes and renders JSON.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := http.StatusText(code)

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		message = fmt.Sprint(he.Message)
	case errors.Is(err, imagestore.ErrUnknownType), errors.IsNotFound(err):
		code = http.StatusNotFound
		message = err.Error()
	case errors.IsCategory(err, errors.CategoryValidation):
		code = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, imagestore.ErrStorageFull):
		code = http.StatusInsufficientStorage
		message = err.Error()
	case errors.Is(err, context.Canceled):
		// Client went away.
		code = 499
	}

	if code >= http.StatusInternalServerError {
		s.log.WithContext(c.Request().Context()).Error("request failed",
			logger.String("path", c.Path()),
			logger.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]string{"error": message})
	}
	if err != nil {
		s.log.Warn("failed to write error response", logger.Error(err))
	}
}
