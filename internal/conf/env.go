// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every automatically bound environment variable
const EnvPrefix = "XRAYSCAN"

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the short-named environment variables. Every other
// key is still reachable as XRAYSCAN_<SECTION>_<KEY> through AutomaticEnv.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "XRAYSCAN_DEBUG", validateEnvBool},
		{"webserver.port", "XRAYSCAN_PORT", validateEnvPort},
		{"webserver.publicurl", "XRAYSCAN_PUBLIC_URL", validateEnvURL},

		{"detector.backend", "XRAYSCAN_DETECTOR", validateEnvDetectorBackend},
		{"detector.remote.url", "XRAYSCAN_DETECTOR_URL", validateEnvURL},
		{"detector.confidence", "XRAYSCAN_CONFIDENCE", validateEnvConfidence},
		{"detector.process.python", "XRAYSCAN_PYTHON", nil},
		{"detector.process.weights", "XRAYSCAN_WEIGHTS", nil},

		{"history.backend", "XRAYSCAN_HISTORY", validateEnvHistoryBackend},
		{"history.path", "XRAYSCAN_HISTORY_PATH", nil},
		{"history.mysql.password", "XRAYSCAN_MYSQL_PASSWORD", nil},

		{"sentry.dsn", "XRAYSCAN_SENTRY_DSN", nil},
		{"mqtt.broker", "XRAYSCAN_MQTT_BROKER", validateEnvURL},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue, ok := os.LookupEnv(binding.EnvVar); ok {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value: %s", value)
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL must include scheme and host: %s", value)
	}
	return nil
}

func validateEnvConfidence(value string) error {
	c, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid confidence: %w", err)
	}
	if c <= 0 || c > 1 {
		return fmt.Errorf("confidence must be in (0, 1], got %g", c)
	}
	return nil
}

func validateEnvDetectorBackend(value string) error {
	switch value {
	case DetectorBackendProcess, DetectorBackendRemote:
		return nil
	}
	return fmt.Errorf("unknown detector backend %q", value)
}

func validateEnvHistoryBackend(value string) error {
	switch value {
	case HistoryBackendJSON, HistoryBackendSQLite, HistoryBackendMySQL:
		return nil
	}
	return fmt.Errorf("unknown history backend %q", value)
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	return bindEnvVars()
}
