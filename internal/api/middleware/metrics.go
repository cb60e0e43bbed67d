package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/xrayscan/internal/observability/metrics"
)

// unmatchedRoute labels requests that hit no registered route, keeping the
// path label bounded.
const unmatchedRoute = "unmatched"

// NewMetrics records request counts, latency, response size and in-flight
// requests. Paths are labelled by route template, not raw URL.
func NewMetrics(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}

			done := m.RequestStarted()
			defer done()

			start := time.Now()
			err := next(c)
			if err != nil && !c.Response().Committed {
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			path := c.Path()
			if path == "" {
				path = unmatchedRoute
			}

			m.RecordHTTPRequest(req.Method, path, res.Status, time.Since(start).Seconds())
			m.RecordHTTPResponseSize(req.Method, path, res.Size)
			if res.Status >= 400 {
				m.RecordHTTPRequestError(req.Method, path, strconv.Itoa(res.Status))
			}
			return err
		}
	}
}
