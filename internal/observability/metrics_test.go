package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/xrayscan/internal/observability/metrics"
)

func TestNewMetricsExposition(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)
	require.NotNil(t, m.Registry())

	m.Scan.RecordOperation(metrics.OpUpload, metrics.StatusSuccess)
	m.HTTP.RecordHTTPRequest(http.MethodGet, "/", http.StatusOK, 0.01)
	m.MQTT.UpdateConnectionStatus(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, `xrayscan_operations_total{operation="upload",status="success"} 1`)
	assert.Contains(t, text, `http_requests_total{method="GET",path="/",status_code="200"} 1`)
	assert.Contains(t, text, "mqtt_connection_status 1")
	assert.Contains(t, text, "go_goroutines")
}

func TestNewMetricsIndependentRegistries(t *testing.T) {
	t.Parallel()

	first, err := NewMetrics()
	require.NoError(t, err)
	second, err := NewMetrics()
	require.NoError(t, err)
	assert.NotSame(t, first.Registry(), second.Registry())
}
