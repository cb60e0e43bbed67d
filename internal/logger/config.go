package logger

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	DefaultLevel  string                  `yaml:"default_level" json:"default_level" mapstructure:"default_level"` // default log level for all modules
	Timezone      string                  `yaml:"timezone" json:"timezone" mapstructure:"timezone"`                // "Local", "UTC", or IANA name
	Console       *ConsoleOutput          `yaml:"console" json:"console" mapstructure:"console"`
	FileOutput    *FileOutput             `yaml:"file_output" json:"file_output" mapstructure:"file_output"`
	ModuleOutputs map[string]ModuleOutput `yaml:"modules" json:"modules" mapstructure:"modules"`                   // per-module output configuration
	ModuleLevels  map[string]string       `yaml:"module_levels" json:"module_levels" mapstructure:"module_levels"` // per-module log levels
}

// ConsoleOutput represents console logging configuration.
// Console output is text without timestamps; journald and docker add their own.
type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Level   string `yaml:"level" json:"level" mapstructure:"level"`
}

// FileOutput represents file logging configuration. File output is JSON.
type FileOutput struct {
	Enabled         bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Path            string `yaml:"path" json:"path" mapstructure:"path"`
	MaxSize         int    `yaml:"max_size" json:"max_size" mapstructure:"max_size"`                            // MB before rotation
	MaxAge          int    `yaml:"max_age" json:"max_age" mapstructure:"max_age"`                               // days to keep rotated logs (0 = no limit)
	MaxRotatedFiles int    `yaml:"max_rotated_files" json:"max_rotated_files" mapstructure:"max_rotated_files"` // 0 = no limit
	Compress        bool   `yaml:"compress" json:"compress" mapstructure:"compress"`
	Level           string `yaml:"level" json:"level" mapstructure:"level"`
}

// ModuleOutput represents per-module output configuration. Zero rotation
// values fall back to FileOutput.
type ModuleOutput struct {
	Enabled         bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	FilePath        string `yaml:"file_path" json:"file_path" mapstructure:"file_path"`
	Level           string `yaml:"level" json:"level" mapstructure:"level"`
	ConsoleAlso     bool   `yaml:"console_also" json:"console_also" mapstructure:"console_also"`
	MaxSize         int    `yaml:"max_size" json:"max_size" mapstructure:"max_size"`
	MaxAge          int    `yaml:"max_age" json:"max_age" mapstructure:"max_age"`
	MaxRotatedFiles int    `yaml:"max_rotated_files" json:"max_rotated_files" mapstructure:"max_rotated_files"`
	Compress        *bool  `yaml:"compress,omitempty" json:"compress,omitempty" mapstructure:"compress"`
}

// Default values for logging configuration. Keep in sync with conf/defaults.go.
const (
	DefaultLogLevel        = "info"
	DefaultLogPath         = "logs/xrayscan.log"
	DefaultAccessLogPath   = "logs/access.log"
	DefaultDetectorLogPath = "logs/detector.log"
	DefaultMaxSize         = 100 // MB
	DefaultMaxAge          = 30  // days
	DefaultMaxRotatedFiles = 10
	DefaultConsoleEnabled  = true
	DefaultFileEnabled     = true
)

// applyConfigDefaults fills nil sections so that a config file without a
// logging block still gets console and file output.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}

	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}

	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{
			Enabled: DefaultConsoleEnabled,
			Level:   DefaultLogLevel,
		}
	}

	if cfg.FileOutput == nil {
		cfg.FileOutput = &FileOutput{
			Enabled:         DefaultFileEnabled,
			Path:            DefaultLogPath,
			Level:           DefaultLogLevel,
			MaxSize:         DefaultMaxSize,
			MaxAge:          DefaultMaxAge,
			MaxRotatedFiles: DefaultMaxRotatedFiles,
		}
	}

	if cfg.ModuleOutputs == nil {
		cfg.ModuleOutputs = make(map[string]ModuleOutput)
		// Request logs and model subprocess output are noisy enough to
		// deserve their own files.
		cfg.ModuleOutputs["api"] = ModuleOutput{Enabled: true, FilePath: DefaultAccessLogPath, Level: DefaultLogLevel}
		cfg.ModuleOutputs["detector"] = ModuleOutput{Enabled: true, FilePath: DefaultDetectorLogPath, Level: DefaultLogLevel, ConsoleAlso: true}
	}
}

// rotationFor resolves the effective rotation limits for a module output
func rotationFor(m *ModuleOutput, base *FileOutput) (maxSize, maxAge, maxBackups int, compress bool) {
	if base != nil {
		maxSize, maxAge, maxBackups, compress = base.MaxSize, base.MaxAge, base.MaxRotatedFiles, base.Compress
	}
	if m.MaxSize > 0 {
		maxSize = m.MaxSize
	}
	if m.MaxAge > 0 {
		maxAge = m.MaxAge
	}
	if m.MaxRotatedFiles > 0 {
		maxBackups = m.MaxRotatedFiles
	}
	if m.Compress != nil {
		compress = *m.Compress
	}
	return maxSize, maxAge, maxBackups, compress
}
