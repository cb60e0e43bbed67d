package observability

import "github.com/tphakala/xrayscan/internal/logger"

// Package-level cached logger instance.
var log = logger.Global().Module("observability")
