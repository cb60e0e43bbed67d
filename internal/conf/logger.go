package conf

import "github.com/tphakala/xrayscan/internal/logger"

// GetLogger returns the config package logger. It is fetched on every call
// so that it follows the central logger once that is installed.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
