package downloader

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/httpclient"
	"github.com/tphakala/imagecache/internal/logger"
)

// Retry defaults
const (
	DefaultRetries      = 2
	DefaultRetryBackoff = 500 * time.Millisecond
)

// transientErrorPatterns contains substrings that indicate a transient/retriable error
var transientErrorPatterns = []string{
	"connection reset",
	"connection refused",
	"connection closed",
	"timeout",
	"temporary",
	"broken pipe",
	"no route to host",
	"EOF",
	"ssh: handshake failed",
	"resource temporarily unavailable",
}

// RetryConfig controls how failed attempts are retried.
type RetryConfig struct {
	Retries int           // attempts after the first one
	Backoff time.Duration // base delay, multiplied by the attempt number
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Retries: DefaultRetries, Backoff: DefaultRetryBackoff}
}

// IsTransientError reports whether a failed attempt may succeed when retried.
// HTTP status errors are transient for 408, 429 and 5xx.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if os.IsTimeout(err) {
		return true
	}

	errStr := err.Error()
	for _, pattern := range transientErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// withRetry runs op until it succeeds, fails permanently or runs out of
// attempts, with linear backoff between attempts. The context is checked
// before every attempt.
func withRetry(ctx context.Context, cfg RetryConfig, log logger.Logger, op func(context.Context) error) error {
	var lastErr error

	for attempt := range max(cfg.Retries, 0) + 1 {
		if err := ctx.Err(); err != nil {
			return cancelledError(err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return cancelledError(ctx.Err())
		}
		if !IsTransientError(err) {
			return err
		}
		lastErr = err

		if attempt == cfg.Retries {
			break
		}
		if log != nil {
			log.Debug("retrying download after transient error",
				logger.Error(err),
				logger.Int("attempt", attempt+1),
				logger.Int("retries", cfg.Retries))
		}

		// Linear backoff: backoff * (attempt + 1) gives 1x, 2x, 3x delays
		timer := time.NewTimer(cfg.Backoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return cancelledError(ctx.Err())
		case <-timer.C:
		}
	}

	return lastErr
}
