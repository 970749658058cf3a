// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"strings"

	"github.com/labstack/gommon/bytes"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagestore"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateStoreSettings,
		validateDownloaderSettings,
		validateImageCacheSettings,
		validateServerSettings,
		validateSentrySettings,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateStoreSettings(s *Settings) []string {
	var errs []string
	store := &s.Store

	switch strings.ToLower(store.Driver) {
	case imagestore.DriverSQLite, "":
		if store.SQLite.Path == "" {
			errs = append(errs, "store.sqlite.path is required for the sqlite driver")
		}
	case imagestore.DriverMySQL:
		if store.MySQL.Host == "" {
			errs = append(errs, "store.mysql.host is required for the mysql driver")
		}
		if store.MySQL.Port < 1 || store.MySQL.Port > 65535 {
			errs = append(errs, fmt.Sprintf("store.mysql.port %d is out of range", store.MySQL.Port))
		}
		if store.MySQL.Database == "" {
			errs = append(errs, "store.mysql.database is required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported, use sqlite or mysql", store.Driver))
	}

	if store.MemoryTTL < 0 {
		errs = append(errs, "store.memoryttl must not be negative")
	}

	if store.MaxDiskUsage != "" {
		usage, err := ParsePercentage(store.MaxDiskUsage)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("store.maxdiskusage %q must be a percentage such as 90%%", store.MaxDiskUsage))
		case usage <= 0 || usage > 100:
			errs = append(errs, "store.maxdiskusage must be between 0% and 100%")
		}
	}

	return errs
}

func validateDownloaderSettings(s *Settings) []string {
	var errs []string
	d := &s.Downloader

	if d.Timeout <= 0 {
		errs = append(errs, "downloader.timeout must be positive")
	}
	if d.RateLimit < 0 {
		errs = append(errs, "downloader.ratelimit must not be negative")
	}
	if d.RateLimit > 0 && d.Burst < 1 {
		errs = append(errs, "downloader.burst must be at least 1 when ratelimit is set")
	}
	if d.Retries < 0 {
		errs = append(errs, "downloader.retries must not be negative")
	}
	if d.MaxConcurrent < 1 {
		errs = append(errs, "downloader.maxconcurrent must be at least 1")
	}
	if d.MaxBytes != "" {
		if n, err := bytes.Parse(d.MaxBytes); err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("downloader.maxbytes %q must be a positive size such as 20MB", d.MaxBytes))
		}
	}
	if d.SFTP.Password != "" && d.SFTP.KeyFile != "" {
		errs = append(errs, "downloader.sftp: set either password or keyfile, not both")
	}

	return errs
}

func validateImageCacheSettings(s *Settings) []string {
	var errs []string

	if _, err := s.ContentMode(); err != nil {
		errs = append(errs, "imagecache.contentmode: "+err.Error())
	}

	descs, err := s.Descriptions()
	if err != nil {
		return append(errs, "imagecache.types: "+err.Error())
	}

	err = imagestore.ValidateDescriptions(descs)
	var de *imagestore.DescriptionError
	if errors.As(err, &de) {
		for _, problem := range de.Problems {
			errs = append(errs, "imagecache.types: "+problem)
		}
	} else if err != nil {
		errs = append(errs, "imagecache.types: "+err.Error())
	}

	return errs
}

func validateServerSettings(s *Settings) []string {
	if s.Server.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Server.Listen); err != nil {
		return []string{fmt.Sprintf("server.listen %q must be host:port", s.Server.Listen)}
	}
	return nil
}

func validateSentrySettings(s *Settings) []string {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return []string{"sentry.dsn is required when sentry is enabled"}
	}
	return nil
}
