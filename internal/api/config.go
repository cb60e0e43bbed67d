package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/logger"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Server binding
	Host string
	Port string

	// Timeouts. WriteTimeout must cover a full detection.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// BodyLimit caps request bodies, echo syntax ("50M").
	BodyLimit string

	// Detect endpoint rate limiting per client IP. A rate of 0 disables it.
	DetectRate  float64
	DetectBurst int

	// CORS
	AllowedOrigins []string

	Version string
	Debug   bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "",
		Port:            "3000",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    6 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		BodyLimit:       "50M",
		DetectRate:      2,
		DetectBurst:     4,
		AllowedOrigins:  []string{"*"},
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()

	cfg.Port = strconv.Itoa(settings.WebServer.Port)
	if settings.WebServer.BodyLimit != "" {
		cfg.BodyLimit = settings.WebServer.BodyLimit
	}
	cfg.DetectRate = settings.WebServer.DetectRate
	cfg.DetectBurst = settings.WebServer.DetectBurst

	// A slow model must not be cut off mid-response.
	if t := settings.Detector.Timeout + time.Minute; t > cfg.WriteTimeout {
		cfg.WriteTimeout = t
	}

	cfg.Version = settings.Version
	cfg.Debug = settings.Debug
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.DetectRate < 0 {
		return fmt.Errorf("detect rate must not be negative")
	}
	if c.DetectRate > 0 && c.DetectBurst < 1 {
		return fmt.Errorf("detect burst must be at least 1 when rate limiting is enabled")
	}
	return nil
}

// Address returns the full address string for the server to listen on.
func (c *Config) Address() string {
	if c.Host == "" {
		return ":" + c.Port
	}
	return c.Host + ":" + c.Port
}

// String returns a human-readable representation of the config.
func (c *Config) String() string {
	limit := "disabled"
	if c.DetectRate > 0 {
		limit = fmt.Sprintf("%g/s burst %d", c.DetectRate, c.DetectBurst)
	}
	return fmt.Sprintf("Server Config: address=%s, body_limit=%s, detect_limit=%s, debug=%v",
		c.Address(), c.BodyLimit, limit, c.Debug)
}

// GetLogger returns the api module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}
