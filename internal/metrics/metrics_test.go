package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCounterVecIsServedByHandler(t *testing.T) {
	counter := NewCounterVec("metrics_test_counter_total", "a counter used only by this test", "label")
	counter.WithLabelValues("x").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "grapevine_metrics_test_counter_total")
}

func TestNewHistogramVecRecordsObservations(t *testing.T) {
	hist := NewHistogramVec("metrics_test_histogram_millis", "a histogram used only by this test", []float64{1, 10, 100}, "room_id")
	hist.WithLabelValues("!room:x").Observe(5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "grapevine_metrics_test_histogram_millis"))
}

func TestNewGaugeVecIsServedByHandler(t *testing.T) {
	gauge := NewGaugeVec("metrics_test_gauge", "a gauge used only by this test", "label")
	gauge.WithLabelValues("x").Set(42)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "grapevine_metrics_test_gauge")
}
