package downloader

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/imagecache/internal/conf"
	"github.com/tphakala/imagecache/internal/httpclient"
	"github.com/tphakala/imagecache/internal/logger"
	"github.com/tphakala/imagecache/internal/observability/metrics"
)

// NewDefaultFactory builds the downloaders configured in settings and
// routes http, https, ftp and sftp URLs to them. HTTP downloads share one
// client and one rate limiter. log and m may be nil.
func NewDefaultFactory(settings *conf.Settings, log logger.Logger, m *metrics.ImageCacheMetrics) (Factory, error) {
	ds := settings.Downloader

	maxBytes, err := settings.MaxDownloadBytes()
	if err != nil {
		return nil, err
	}

	var dlog logger.Logger
	if log != nil {
		dlog = log.Module(componentName)
	}

	retry := RetryConfig{Retries: ds.Retries, Backoff: DefaultRetryBackoff}

	client := httpclient.New(&httpclient.Config{
		DefaultTimeout: ds.Timeout,
		UserAgent:      ds.UserAgent,
		MaxBodyBytes:   maxBytes,
	})
	if dlog != nil {
		client.SetAfterResponseHook(func(req *http.Request, resp *http.Response, err error) {
			fields := []logger.Field{logger.String("host", req.URL.Host)}
			if resp != nil {
				fields = append(fields, logger.Int("status", resp.StatusCode))
			}
			if err != nil {
				fields = append(fields, logger.Error(err))
			}
			dlog.Trace("http response", fields...)
		})
	}

	var limiter *rate.Limiter
	if ds.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(ds.RateLimit), max(ds.Burst, 1))
	}

	httpFactory := NewHTTPFactory(HTTPOptions{
		Client:  client,
		Limiter: limiter,
		Retry:   retry,
		Timeout: ds.Timeout,
		Logger:  dlog,
	})

	return NewSchemeFactory(map[string]Factory{
		"http":  httpFactory,
		"https": httpFactory,
		"ftp": NewFTPFactory(FTPOptions{
			Username: ds.FTP.Username,
			Password: ds.FTP.Password,
			Timeout:  orDefault(ds.Timeout, httpclient.DefaultTimeout),
			MaxBytes: maxBytes,
			Retry:    retry,
			Logger:   dlog,
		}),
		"sftp": NewSFTPFactory(SFTPOptions{
			Username:   ds.SFTP.Username,
			Password:   ds.SFTP.Password,
			KeyFile:    ds.SFTP.KeyFile,
			KnownHosts: ds.SFTP.KnownHosts,
			Timeout:    orDefault(ds.Timeout, httpclient.DefaultTimeout),
			MaxBytes:   maxBytes,
			Retry:      retry,
			Logger:     dlog,
		}),
	}, m), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
