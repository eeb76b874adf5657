package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hubstream/errors"
)

func TestNewMetricsRegistry_CoreMetricsRegistered(t *testing.T) {
	reg := NewMetricsRegistry()
	require.NotNil(t, reg.CoreMetrics())

	reg.Metrics.ObserveConnected(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.Metrics.StreamConnected))

	reg.Metrics.ObserveConnected(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.Metrics.StreamConnected))
}

func TestRegisterCounter_Duplicate(t *testing.T) {
	reg := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_a"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_b"})

	require.NoError(t, reg.RegisterCounter("stream", "counter_a", c1))

	err := reg.RegisterCounter("stream", "counter_a", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegister_PrometheusConflict(t *testing.T) {
	reg := NewMetricsRegistry()

	// Same fully-qualified prometheus name under two registry keys.
	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_conflict"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_conflict"})

	require.NoError(t, reg.RegisterCounter("stream", "one", c1))
	err := reg.RegisterCounter("task", "two", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	reg := NewMetricsRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	require.NoError(t, reg.RegisterGauge("telemetry", "gauge", g))

	assert.True(t, reg.Unregister("telemetry", "gauge"))
	assert.False(t, reg.Unregister("telemetry", "gauge"))

	// Re-registration succeeds after unregister.
	assert.NoError(t, reg.RegisterGauge("telemetry", "gauge", g))
}

func TestHandler_ServesExposition(t *testing.T) {
	reg := NewMetricsRegistry()
	reg.Metrics.FramesReceived.WithLabelValues("telemetry_stream").Inc()

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
}
