package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
)

// ErrorResponse is the JSON body of every failed request. Error carries the
// error category so clients can tell failure kinds apart.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"` // request id, also sent as X-Request-ID
}

// handleError is the echo HTTPErrorHandler.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, category, message := classify(err)
	resp := ErrorResponse{
		Error:         string(category),
		Message:       message,
		Code:          code,
		CorrelationID: c.Response().Header().Get(echo.HeaderXRequestID),
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("category", resp.Error),
		logger.Int("code", code),
		logger.String("path", c.Request().URL.Path),
		logger.String("method", c.Request().Method),
		logger.String("ip", c.RealIP()),
		logger.Error(err),
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("API error", fields...)
	} else {
		s.log.Debug("API error", fields...)
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, resp)
	}
	if werr != nil {
		s.log.Warn("writing error response failed", logger.Error(werr))
	}
}

// classify maps an error to a status code, category and client message.
func classify(err error) (int, errors.ErrorCategory, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, categoryForStatus(he.Code), fmt.Sprint(he.Message)
	}

	category := errors.CategoryOf(err)
	return statusForCategory(category), category, err.Error()
}

func statusForCategory(category errors.ErrorCategory) int {
	switch category {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryLimit:
		return http.StatusTooManyRequests
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func categoryForStatus(code int) errors.ErrorCategory {
	switch code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return errors.CategoryValidation
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return errors.CategoryNotFound
	case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge:
		return errors.CategoryLimit
	default:
		return errors.CategoryHTTP
	}
}
