// env.go - Environment variable overrides and their validation
package conf

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"

	"github.com/tphakala/imagecache/internal/imagestore"
)

// envBinding holds metadata for a validated environment variable (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// envVarName maps a config key to its environment variable, e.g.
// store.sqlite.path becomes IMAGECACHE_STORE_SQLITE_PATH.
func envVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// getEnvBindings returns the environment variables whose values are checked before use.
func getEnvBindings() []envBinding {
	validated := []struct {
		key      string
		validate func(string) error
	}{
		{"debug", validateEnvBool},
		{"store.driver", validateEnvDriver},
		{"store.memoryttl", validateEnvDuration},
		{"store.maxdiskusage", validateEnvPercentage},
		{"store.slowquery", validateEnvDuration},
		{"store.mysql.port", validateEnvPort},
		{"downloader.timeout", validateEnvDuration},
		{"downloader.ratelimit", validateEnvNonNegativeFloat},
		{"downloader.burst", validateEnvNonNegativeInt},
		{"downloader.retries", validateEnvNonNegativeInt},
		{"downloader.maxconcurrent", validateEnvNonNegativeInt},
		{"downloader.maxbytes", validateEnvBytes},
		{"imagecache.contentmode", validateEnvContentMode},
		{"server.listen", validateEnvListen},
		{"sentry.enabled", validateEnvBool},
	}

	bindings := make([]envBinding, 0, len(validated))
	for _, b := range validated {
		bindings = append(bindings, envBinding{ConfigKey: b.key, EnvVar: envVarName(b.key), Validate: b.validate})
	}
	return bindings
}

// bindEnvVars enables IMAGECACHE_* overrides for every known key and
// validates the values that are set (internal)
func bindEnvVars(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var warnings []string
	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

// Environment variable validation functions

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvDriver(value string) error {
	switch strings.ToLower(value) {
	case imagestore.DriverSQLite, imagestore.DriverMySQL:
		return nil
	}
	return fmt.Errorf("must be %s or %s", imagestore.DriverSQLite, imagestore.DriverMySQL)
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("must be a duration such as 30s or 5m")
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateEnvPercentage(value string) error {
	p, err := ParsePercentage(value)
	if err != nil {
		return err
	}
	if p <= 0 || p > 100 {
		return fmt.Errorf("must be between 0%% and 100%%")
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("must be a port number between 1 and 65535")
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}

func validateEnvNonNegativeFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

func validateEnvBytes(value string) error {
	if _, err := bytes.Parse(value); err != nil {
		return fmt.Errorf("must be a size such as 512KB or 20MB")
	}
	return nil
}

func validateEnvContentMode(value string) error {
	_, err := imagestore.ParseContentMode(value)
	return err
}

func validateEnvListen(value string) error {
	if _, _, err := net.SplitHostPort(value); err != nil {
		return fmt.Errorf("must be host:port")
	}
	return nil
}
