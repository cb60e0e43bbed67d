package metrics

import "github.com/tphakala/xrayscan/internal/logger"

var log = logger.Global().Module("metrics")
