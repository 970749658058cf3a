// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "imagecache")

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/imagecache.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.memoryttl", 10*time.Minute)
	v.SetDefault("store.maxdiskusage", "95%")
	v.SetDefault("store.slowquery", 200*time.Millisecond)
	v.SetDefault("store.sqlite.path", "imagecache.db")
	v.SetDefault("store.mysql.host", "localhost")
	v.SetDefault("store.mysql.port", 3306)
	v.SetDefault("store.mysql.username", "")
	v.SetDefault("store.mysql.password", "")
	v.SetDefault("store.mysql.database", "imagecache")

	v.SetDefault("downloader.timeout", 30*time.Second)
	v.SetDefault("downloader.useragent", "imagecache/1.0")
	v.SetDefault("downloader.ratelimit", 10.0)
	v.SetDefault("downloader.burst", 20)
	v.SetDefault("downloader.retries", 2)
	v.SetDefault("downloader.maxconcurrent", 8)
	v.SetDefault("downloader.maxbytes", "20MB")
	v.SetDefault("downloader.ftp.username", "anonymous")
	v.SetDefault("downloader.ftp.password", "anonymous")
	v.SetDefault("downloader.sftp.username", "")
	v.SetDefault("downloader.sftp.password", "")
	v.SetDefault("downloader.sftp.keyfile", "")
	v.SetDefault("downloader.sftp.knownhosts", "")

	v.SetDefault("imagecache.contentmode", "scale-to-fill")
	v.SetDefault("imagecache.types", []map[string]any{
		{"type": "thumb", "width": 80, "height": 80, "maxcount": 500, "style": "32bit-bgr"},
	})

	v.SetDefault("server.listen", "127.0.0.1:8080")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
