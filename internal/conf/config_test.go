package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagecache/internal/imagestore"
)

// isolate keeps Load away from config files of the machine running the tests.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	settings, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "imagecache", settings.Main.Name)
	assert.Equal(t, imagestore.DriverSQLite, settings.Store.Driver)
	assert.Equal(t, 10*time.Minute, settings.Store.MemoryTTL)
	assert.Equal(t, 30*time.Second, settings.Downloader.Timeout)
	assert.Equal(t, 8, settings.Downloader.MaxConcurrent)
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	require.Len(t, settings.ImageCache.Types, 1)
	assert.Equal(t, ImageTypeSettings{Type: "thumb", Width: 80, Height: 80, MaxCount: 500, Style: "32bit-bgr"}, settings.ImageCache.Types[0])
}

func TestEmbeddedConfigMatchesDefaults(t *testing.T) {
	dir := isolate(t)

	defaults, err := Load(viper.New(), "")
	require.NoError(t, err)

	fromFile, err := Load(viper.New(), writeConfig(t, dir, string(DefaultConfig())))
	require.NoError(t, err)

	assert.Equal(t, defaults, fromFile)
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
store:
  driver: mysql
  mysql:
    host: db.internal
    port: 3307
    database: images
downloader:
  timeout: 45s
  retries: 0
imagecache:
  contentmode: aspect-fit
  types:
    - type: avatar
      width: 48
      height: 48
      style: 32bit-bgra
    - type: banner
      width: 320
      height: 100
      maxcount: 50
`)

	settings, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, imagestore.DriverMySQL, settings.Store.Driver)
	assert.Equal(t, "db.internal", settings.Store.MySQL.Host)
	assert.Equal(t, 3307, settings.Store.MySQL.Port)
	assert.Equal(t, 45*time.Second, settings.Downloader.Timeout)
	assert.Zero(t, settings.Downloader.Retries)

	mode, err := settings.ContentMode()
	require.NoError(t, err)
	assert.Equal(t, imagestore.ScaleAspectFit, mode)

	descs, err := settings.Descriptions()
	require.NoError(t, err)
	assert.Equal(t, []imagestore.Description{
		{Type: "avatar", Width: 48, Height: 48, Style: imagestore.Style32BitBGRA},
		{Type: "banner", Width: 320, Height: 100, MaxCount: 50},
	}, descs)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("IMAGECACHE_STORE_DRIVER", "mysql")
	t.Setenv("IMAGECACHE_STORE_MYSQL_HOST", "mysql.example.com")
	t.Setenv("IMAGECACHE_DOWNLOADER_RETRIES", "5")
	t.Setenv("IMAGECACHE_LOGGING_DEFAULT_LEVEL", "debug")

	settings, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "mysql", settings.Store.Driver)
	assert.Equal(t, "mysql.example.com", settings.Store.MySQL.Host)
	assert.Equal(t, 5, settings.Downloader.Retries)
	assert.Equal(t, "debug", settings.Logging.DefaultLevel)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	isolate(t)
	t.Setenv("IMAGECACHE_STORE_DRIVER", "postgres")

	_, err := Load(viper.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAGECACHE_STORE_DRIVER")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)

	_, err := Load(viper.New(), filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
downloader:
  maxconcurrent: 0
imagecache:
  types:
    - type: thumb
      width: 0
      height: 10
`)

	_, err := Load(viper.New(), path)
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
}

func TestStoreConfig(t *testing.T) {
	t.Parallel()

	var s Settings
	s.Store.Driver = "SQLite"
	s.Store.Dir = "/var/lib/imagecache"
	s.Store.SQLite.Path = "images.db"
	s.Store.MaxDiskUsage = "90%"
	s.Store.MemoryTTL = time.Minute

	cfg, err := s.StoreConfig()
	require.NoError(t, err)
	assert.Equal(t, imagestore.DriverSQLite, cfg.Driver)
	assert.Equal(t, filepath.Join("/var/lib/imagecache", "images.db"), cfg.SQLitePath)
	assert.InDelta(t, 90.0, cfg.MaxDiskUsage, 0)
	assert.Equal(t, time.Minute, cfg.MemoryTTL)

	s.Store.SQLite.Path = ":memory:"
	cfg, err = s.StoreConfig()
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.SQLitePath)

	s.Store.MaxDiskUsage = "lots"
	_, err = s.StoreConfig()
	require.Error(t, err)
}

func TestMaxDownloadBytes(t *testing.T) {
	t.Parallel()

	var s Settings
	n, err := s.MaxDownloadBytes()
	require.NoError(t, err)
	assert.Zero(t, n)

	s.Downloader.MaxBytes = "20MB"
	n, err = s.MaxDownloadBytes()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(20_000_000))
	assert.LessOrEqual(t, n, int64(20<<20))

	s.Downloader.MaxBytes = "twenty"
	_, err = s.MaxDownloadBytes()
	require.Error(t, err)
}

func TestWriteDefaultConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), data)

	require.Error(t, WriteDefaultConfig(path), "existing file must not be overwritten")
}

func TestSaveYAMLConfig(t *testing.T) {
	dir := isolate(t)

	settings, err := Load(viper.New(), "")
	require.NoError(t, err)
	settings.Main.Name = "edge-cache"
	settings.Downloader.Retries = 4
	settings.ImageCache.Types = append(settings.ImageCache.Types, ImageTypeSettings{Type: "icon", Width: 16, Height: 16})

	path := filepath.Join(dir, "saved.yaml")
	require.NoError(t, SaveYAMLConfig(path, settings))

	reloaded, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "edge-cache", reloaded.Main.Name)
	assert.Equal(t, 4, reloaded.Downloader.Retries)
	assert.Equal(t, settings.Store, reloaded.Store)
	assert.Equal(t, settings.ImageCache, reloaded.ImageCache)
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	var s Settings
	s.Store.MySQL.Password = "db-secret"
	s.Downloader.SFTP.Password = "sftp-secret"
	s.Sentry.DSN = "https://key@sentry.example.com/1"
	s.ImageCache.Types = []ImageTypeSettings{{Type: "thumb", Width: 1, Height: 1}}

	r := s.Redacted()
	assert.Equal(t, redactedValue, r.Store.MySQL.Password)
	assert.Equal(t, redactedValue, r.Downloader.SFTP.Password)
	assert.Equal(t, redactedValue, r.Sentry.DSN)
	assert.Empty(t, r.Downloader.FTP.Password, "empty secrets stay empty")

	r.ImageCache.Types[0].Width = 99
	assert.Equal(t, "db-secret", s.Store.MySQL.Password)
	assert.Equal(t, 1, s.ImageCache.Types[0].Width)
}
