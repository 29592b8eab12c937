package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration
	a := NewMetrics()
	b := NewMetrics()

	a.IncResets()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Resets))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Resets))
}

func TestRecordIPC(t *testing.T) {
	m := NewMetrics()

	m.RecordIPC("connect", "success", time.Millisecond)
	m.RecordIPC("call", "success", time.Millisecond)
	m.RecordIPC("call", "error", time.Millisecond)
	m.RecordIPC("disconnect", "success", time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.IPCOps.WithLabelValues("call", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IPCOps.WithLabelValues("call", "success")))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Connects)
	assert.Equal(t, int64(2), snap.Calls)
	assert.Equal(t, int64(1), snap.Closes)
}

func TestRecordViolationAndHandles(t *testing.T) {
	m := NewMetrics()

	m.RecordViolation("null_handle", "call")
	m.SetHandlesActive(3)
	m.RecordBytes("in", 5)
	m.RecordBytes("in", 0)
	m.RecordSignal("doorbell")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Violations.WithLabelValues("null_handle", "call")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.HandlesActive))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.IPCBytes.WithLabelValues("in")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SignalsRaised.WithLabelValues("doorbell")))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Violations)
	assert.Equal(t, int64(3), snap.HandlesActive)
}

func TestTimer(t *testing.T) {
	m := NewMetrics()
	NewTimer(m, "call").Stop("success")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IPCOps.WithLabelValues("call", "success")))

	// A timer without metrics is a no-op
	NewTimer(nil, "call").Stop("success")
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", gin.WrapH(Handler(m)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/ping", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "spm_http_requests_total")
	assert.Contains(t, w.Body.String(), "spm_uptime_seconds")
}
