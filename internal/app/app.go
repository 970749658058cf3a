// Package app holds the state shared by the command line entry points:
// settings, logging, metrics, error telemetry and the image cache.
package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/viper"

	"github.com/tphakala/imagecache/internal/buildinfo"
	"github.com/tphakala/imagecache/internal/conf"
	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagecache"
	"github.com/tphakala/imagecache/internal/logger"
	"github.com/tphakala/imagecache/internal/observability"
)

const sentryFlushTimeout = 2 * time.Second

// Context is created once per process. Flags are bound to Viper before
// Init; Init loads the settings and builds everything else from them.
type Context struct {
	Viper      *viper.Viper
	ConfigFile string
	Build      *buildinfo.Context

	Settings *conf.Settings
	Log      logger.Logger
	Metrics  *observability.Metrics

	central *logger.CentralLogger
	sentry  bool

	mu       sync.Mutex
	watchers []func(*conf.Settings)
}

// NewContext returns a Context with its own Viper instance.
func NewContext(build *buildinfo.Context) *Context {
	if build == nil {
		build = buildinfo.Current()
	}
	return &Context{
		Viper: viper.New(),
		Build: build,
	}
}

// Init loads the settings and sets up logging, metrics and, when enabled,
// Sentry error reporting.
func (c *Context) Init() error {
	settings, err := conf.Load(c.Viper, c.ConfigFile)
	if err != nil {
		return err
	}
	return c.InitWithSettings(settings)
}

// InitWithSettings is Init for settings that were loaded elsewhere.
func (c *Context) InitWithSettings(settings *conf.Settings) error {
	c.Settings = settings

	logging := settings.Logging
	if settings.Debug {
		logging.DefaultLevel = string(logger.LogLevelDebug)
		if logging.Console != nil {
			console := *logging.Console
			console.Level = logging.DefaultLevel
			logging.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&logging)
	if err != nil {
		return errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	c.central = central
	c.Log = central.Module("cli").With(logger.String("instance", settings.Main.Name))

	m, err := observability.NewMetrics()
	if err != nil {
		return errors.New(err).
			Component("app").
			Category(errors.CategorySystem).
			Build()
	}
	c.Metrics = m

	if settings.Sentry.Enabled {
		if err := c.initSentry(); err != nil {
			// Error reporting is optional; keep running without it.
			c.Log.Warn("sentry disabled", logger.Error(err))
		}
	}
	return nil
}

func (c *Context) initSentry() error {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              c.Settings.Sentry.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          fmt.Sprintf("imagecache@%s", c.Build.GetVersion()),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			event.User = sentry.User{}
			event.ServerName = ""
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("instance_id", c.Build.GetInstanceID())
	})
	errors.SetTelemetryReporter(errors.NewSentryReporter(true, nil))
	c.sentry = true
	c.Log.Info("sentry error reporting enabled")
	return nil
}

// Logger returns a logger for module, or a discarding logger before Init.
func (c *Context) Logger(module string) logger.Logger {
	if c.central == nil {
		return logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return c.central.Module(module)
}

// OpenCache sets up the image cache from the settings. Completions are
// delivered through dispatcher; nil means immediately.
func (c *Context) OpenCache(ctx context.Context, dispatcher imagecache.Dispatcher) (*imagecache.Cache, error) {
	if c.Settings == nil {
		return nil, errors.Newf("application context is not initialized").
			Component("app").
			Category(errors.CategoryState).
			Build()
	}
	opts := imagecache.Options{
		Settings:   c.Settings,
		Dispatcher: dispatcher,
		Logger:     c.central.Module("imagecache"),
	}
	if c.Metrics != nil {
		opts.Metrics = c.Metrics.ImageCache
	}
	return imagecache.Setup(ctx, opts)
}

// Watch reloads the config file when it changes and passes the new
// settings to fn. Invalid files are logged and ignored.
func (c *Context) Watch(fn func(*conf.Settings)) {
	c.mu.Lock()
	first := len(c.watchers) == 0
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()

	if !first {
		return
	}
	c.Viper.OnConfigChange(func(e fsnotify.Event) {
		c.Log.Debug("config change detected",
			logger.String("file", e.Name),
			logger.String("op", e.Op.String()))
		c.reload()
	})
	c.Viper.WatchConfig()
}

func (c *Context) reload() {
	settings, err := conf.Load(c.Viper, c.ConfigFile)
	if err != nil {
		c.Log.Warn("config reload failed", logger.Error(err))
		return
	}

	c.mu.Lock()
	c.Settings = settings
	watchers := slices.Clone(c.watchers)
	c.mu.Unlock()

	c.Log.Info("config reloaded")
	for _, fn := range watchers {
		fn(settings)
	}
}

// Close flushes error reports and closes the log file.
func (c *Context) Close() error {
	if c.sentry {
		sentry.Flush(sentryFlushTimeout)
	}
	return c.central.Close()
}
