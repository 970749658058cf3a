// config.go: settings struct of the image cache and the functions to load and save it.
package conf

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagestore"
	"github.com/tphakala/imagecache/internal/logger"
)

//go:embed config.yaml
var defaultConfigYAML []byte

// EnvPrefix prefixes environment overrides, e.g. IMAGECACHE_STORE_DRIVER.
const EnvPrefix = "IMAGECACHE"

// ImageTypeSettings describes one image type in the config file.
type ImageTypeSettings struct {
	Type     string // unique image type name
	Width    int    // stored width in pixels
	Height   int    // stored height in pixels
	MaxCount int    // maximum stored entries, 0 means 500
	Style    string // pixel style: 32bit-bgr (default), 32bit-bgra, 16bit-bgr or 8bit-gray
}

// StoreSettings configures the persistent image store.
type StoreSettings struct {
	Driver       string        // sqlite or mysql
	Dir          string        // directory checked by the disk guard
	MemoryTTL    time.Duration // lifetime of in-memory entries
	MaxDiskUsage string        // refuse writes above this usage, e.g. "90%"; empty disables
	SlowQuery    time.Duration // SQL statements slower than this are logged at warn
	SQLite       struct {
		Path string // database file, relative paths resolve against Dir
	}
	MySQL struct {
		Host     string
		Port     int
		Username string
		Password string
		Database string
	}
}

// DownloaderSettings configures the built-in downloaders.
type DownloaderSettings struct {
	Timeout       time.Duration // per-attempt request timeout
	UserAgent     string        // User-Agent header for HTTP downloads
	RateLimit     float64       // requests per second across all HTTP downloads, 0 disables
	Burst         int           // rate limiter burst size
	Retries       int           // retries after a failed attempt
	MaxConcurrent int           // maximum concurrent downloads
	MaxBytes      string        // largest accepted image, e.g. "10MB"
	FTP           struct {
		Username string // defaults to anonymous
		Password string
	}
	SFTP struct {
		Username   string
		Password   string
		KeyFile    string // private key used instead of the password when set
		KnownHosts string // known_hosts file, required for host key verification
	}
}

// ImageCacheSettings configures the cache facade.
type ImageCacheSettings struct {
	ContentMode string              // scale-to-fill, aspect-fit, aspect-fill or center
	Types       []ImageTypeSettings // registered image types
}

// Settings contains all configuration options of the image cache.
type Settings struct {
	Debug bool // true to enable debug logging

	Main struct {
		Name string // instance name, shown in logs and telemetry
	}

	Logging logger.LoggingConfig // logging configuration

	Store StoreSettings // persistent store

	Downloader DownloaderSettings // downloaders

	ImageCache ImageCacheSettings // cache facade and image types

	Server struct {
		Listen string // listen address of the HTTP server
	}

	Sentry struct {
		Enabled bool   // true to report errors to Sentry
		DSN     string // Sentry DSN
	}
}

// Load reads configFile, or config.yaml from the default paths when
// configFile is empty, applies defaults and environment overrides, and
// validates the result. A missing default config file is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := readConfig(v, configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	return settings, nil
}

func readConfig(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		configPaths, err := GetDefaultConfigPaths()
		if err != nil {
			return err
		}
		for _, path := range configPaths {
			v.AddConfigPath(path)
		}
	}

	err := v.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if configFile == "" && errors.As(err, &notFound) {
		return nil
	}

	return errors.New(fmt.Errorf("error reading config file: %w", err)).
		Component("conf").
		Category(errors.CategoryFileIO).
		Context("config_file", configFile).
		Build()
}

// Descriptions converts the configured image types.
func (s *Settings) Descriptions() ([]imagestore.Description, error) {
	descs := make([]imagestore.Description, 0, len(s.ImageCache.Types))
	for _, t := range s.ImageCache.Types {
		style, err := imagestore.ParseStyle(t.Style)
		if err != nil {
			return nil, err
		}
		descs = append(descs, imagestore.Description{
			Type:     t.Type,
			Width:    t.Width,
			Height:   t.Height,
			MaxCount: t.MaxCount,
			Style:    style,
		})
	}
	return descs, nil
}

// ContentMode returns the configured default content mode.
func (s *Settings) ContentMode() (imagestore.ContentMode, error) {
	return imagestore.ParseContentMode(s.ImageCache.ContentMode)
}

// StoreConfig converts the store section.
func (s *Settings) StoreConfig() (imagestore.Config, error) {
	cfg := imagestore.Config{
		Driver:     strings.ToLower(s.Store.Driver),
		Dir:        s.Store.Dir,
		MemoryTTL:  s.Store.MemoryTTL,
		SlowQuery:  s.Store.SlowQuery,
		SQLitePath: s.Store.SQLite.Path,
		MySQL: imagestore.MySQLConfig{
			Host:     s.Store.MySQL.Host,
			Port:     s.Store.MySQL.Port,
			Username: s.Store.MySQL.Username,
			Password: s.Store.MySQL.Password,
			Database: s.Store.MySQL.Database,
		},
	}

	if cfg.SQLitePath != "" && cfg.SQLitePath != ":memory:" && !filepath.IsAbs(cfg.SQLitePath) && cfg.Dir != "" {
		cfg.SQLitePath = filepath.Join(cfg.Dir, cfg.SQLitePath)
	}

	if s.Store.MaxDiskUsage != "" {
		usage, err := ParsePercentage(s.Store.MaxDiskUsage)
		if err != nil {
			return imagestore.Config{}, err
		}
		cfg.MaxDiskUsage = usage
	}

	return cfg, nil
}

// MaxDownloadBytes returns downloader.maxbytes in bytes, 0 when unset.
func (s *Settings) MaxDownloadBytes() (int64, error) {
	if strings.TrimSpace(s.Downloader.MaxBytes) == "" {
		return 0, nil
	}
	n, err := bytes.Parse(s.Downloader.MaxBytes)
	if err != nil {
		return 0, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("setting", "downloader.maxbytes").
			Build()
	}
	return n, nil
}

// DefaultConfig returns the commented default config file.
func DefaultConfig() []byte {
	return defaultConfigYAML
}

// WriteDefaultConfig writes the default config file to path, creating
// directories as needed. An existing file is left untouched.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path).
			Component("conf").
			Category(errors.CategoryConflict).
			Build()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(fmt.Errorf("error creating directories for config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}

	if err := os.WriteFile(path, defaultConfigYAML, 0o600); err != nil {
		return errors.New(fmt.Errorf("error writing default config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}

// redactedValue replaces secrets in Redacted output.
const redactedValue = "********"

// Redacted returns a copy of the settings with passwords and the Sentry DSN
// replaced, for display.
func (s *Settings) Redacted() *Settings {
	c := *s
	c.ImageCache.Types = slices.Clone(s.ImageCache.Types)
	redact := func(v *string) {
		if *v != "" {
			*v = redactedValue
		}
	}
	redact(&c.Store.MySQL.Password)
	redact(&c.Downloader.FTP.Password)
	redact(&c.Downloader.SFTP.Password)
	redact(&c.Sentry.DSN)
	return &c
}

// MarshalYAML renders the effective settings as YAML.
func MarshalYAML(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}

// SaveYAMLConfig writes settings to configPath atomically.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := MarshalYAML(settings)
	if err != nil {
		return err
	}

	// Write to a temporary file first so a crash never leaves a truncated config.
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := moveFile(tempFileName, configPath); err != nil {
		return fmt.Errorf("error moving config file into place: %w", err)
	}
	return nil
}
