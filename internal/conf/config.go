// Package conf provides configuration management for xrayscan.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/secrets"
)

//go:embed config.yaml
var configFiles embed.FS

// WebServerSettings contains settings for the HTTP API.
type WebServerSettings struct {
	Port        int     // TCP port to listen on
	PublicURL   string  // base URL used to build image references
	BodyLimit   string  // maximum request body size, echo syntax ("50M")
	DetectRate  float64 // detect requests per second per client, 0 disables limiting
	DetectBurst int     // burst size for the detect limiter
}

// StorageSettings contains the image directories.
type StorageSettings struct {
	Uploads   string // directory for uploaded originals
	Processed string // directory for annotated images
}

// ProcessDetectorSettings configures the local detection subprocess.
type ProcessDetectorSettings struct {
	Python    string   // interpreter binary
	Script    string   // detection script
	Weights   string   // model weights
	RunsDir   string   // parent directory of per-job output directories
	ExtraArgs []string // appended verbatim to the command line
}

// RemoteDetectorSettings configures an HTTP inference endpoint.
type RemoteDetectorSettings struct {
	URL string
}

// DetectorSettings contains settings for running the detection model.
type DetectorSettings struct {
	Backend       string            // "process" or "remote"
	Timeout       time.Duration     // per detection
	Confidence    float64           // model confidence threshold
	ImageSize     int               // square input size
	MaxConcurrent int               // concurrent model runs
	LabelsExt     string            // extension of the sidecar labels file
	RequireLabels bool              // treat a missing labels file as a failure
	ClassNames    map[string]string // class id -> display label
	CacheTTL      time.Duration     // how long detection results are reused per job
	Process       ProcessDetectorSettings
	Remote        RemoteDetectorSettings
}

// MySQLSettings contains connection settings for the MySQL history backend.
type MySQLSettings struct {
	Host     string
	Port     string
	Username     string
	Password     string // may hold ${VAR} references
	PasswordFile string // read the password from this file instead
	Database     string
}

// HistorySettings selects and configures the history store.
type HistorySettings struct {
	Backend   string // "json", "sqlite" or "mysql"
	Path      string // JSON document path
	Serialize bool   // funnel appends through a single writer
	SQLite    struct {
		Path string
	}
	MySQL MySQLSettings
}

// SentrySettings contains settings for opt-in error telemetry.
type SentrySettings struct {
	Enabled bool
	DSN     string // may hold ${VAR} references
	DSNFile string // read the DSN from this file instead
}

// MQTTSettings contains settings for publishing saved scans.
type MQTTSettings struct {
	Enabled  bool   // true to enable MQTT
	Broker   string // tcp://host:port
	Topic    string // topic for saved scan records
	Username     string
	Password     string // may hold ${VAR} references
	PasswordFile string // read the password from this file instead
	ClientID     string
}

// Settings is the root of the configuration tree.
type Settings struct {
	Debug bool // true to enable debug logging

	// Runtime values, not stored in config file
	Version   string `yaml:"-"`
	BuildDate string `yaml:"-"`

	WebServer WebServerSettings
	Storage   StorageSettings
	Detector  DetectorSettings
	History   HistorySettings
	Logging   logger.LoggingConfig
	Sentry    SentrySettings
	MQTT      MQTTSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
	configFileFlag   string
)

// SetConfigFile makes Load read exactly this file instead of searching the
// default config paths. An empty path restores the search.
func SetConfigFile(path string) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	configFileFlag = path
}

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}

	if err := resolveSecrets(settings); err != nil {
		return nil, err
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// resolveSecrets replaces credential settings with their resolved values
// from secret files or the environment.
func resolveSecrets(settings *Settings) error {
	for _, c := range []struct {
		key   string
		file  string
		value *string
	}{
		{"history.mysql.password", settings.History.MySQL.PasswordFile, &settings.History.MySQL.Password},
		{"mqtt.password", settings.MQTT.PasswordFile, &settings.MQTT.Password},
		{"sentry.dsn", settings.Sentry.DSNFile, &settings.Sentry.DSN},
	} {
		resolved, err := secrets.Resolve(c.file, *c.value)
		if err != nil {
			return errors.New(err).
				Category(errors.CategoryConfiguration).
				Context("setting", c.key).
				Build()
		}
		*c.value = resolved
	}
	return nil
}

// initViper registers defaults and environment bindings, then reads the
// config file. A missing file is created from the embedded default.
func initViper() error {
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		// Bad env values should not stop startup; validation catches the
		// ones that matter.
		GetLogger().Warn("environment variable issues", logger.Error(err))
	}

	if configFileFlag != "" {
		viper.SetConfigFile(configFileFlag)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(err).
				Category(errors.CategoryConfiguration).
				Context("operation", "read_config").
				Context("path", configFileFlag).
				Build()
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config into dir and reads it
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	data, err := getDefaultConfig()
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig returns the embedded default configuration
func getDefaultConfig() ([]byte, error) {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("error reading embedded config: %w", err)
	}
	return data, nil
}

// GetSettings returns the settings loaded by the last successful Load
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// ConfigFileUsed returns the path of the file viper read, if any
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// SaveYAMLConfig writes settings to configPath. The write goes through a
// temporary file in the same directory followed by a rename; comments and
// layout of an existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer func() { _ = os.Remove(tempFileName) }()

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		// Cross-device rename, fall back to copy and delete
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}

	return nil
}
