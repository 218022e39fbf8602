package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"circuit-agent/internal/control"
	"circuit-agent/internal/errcode"
	"circuit-agent/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var started = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func testServer(m *Metrics, now time.Time) *Server {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	s := NewServer(":0", m, 10*time.Second, logger)
	s.now = func() time.Time { return now }
	return s
}

func TestObserve(t *testing.T) {
	m := NewMetrics()

	m.Observe(control.CycleResult{
		Outcome: control.Reported,
		Mask:    models.Bitmask(0b101),
		Circuits: []models.Circuit{
			{ID: 3, Index: 0, LastPower: 1200, Sampled: true},
			{ID: 7, Index: 1},
		},
		Started:  started,
		Duration: 2 * time.Second,
	})
	m.Observe(control.CycleResult{Outcome: control.FailSafe, Err: errcode.TransportFailure})

	body := scrape(t, m)
	assert.Contains(t, body, `circuit_agent_cycles_total{outcome="reported"} 1`)
	assert.Contains(t, body, `circuit_agent_cycles_total{outcome="fail_safe"} 1`)
	assert.Contains(t, body, `circuit_agent_failures_total{code="transport_failure"} 1`)
	assert.Contains(t, body, `circuit_agent_circuit_power_watts{circuit="3"} 1200`)
	assert.Contains(t, body, "circuit_agent_relay_mask 0\n")

	// Unsampled circuits get no series.
	assert.NotContains(t, body, `circuit="7"`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	testServer(m, started).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHealth_StartingUntilFirstCycle(t *testing.T) {
	m := NewMetrics()
	rec := httptest.NewRecorder()
	testServer(m, started).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"starting"`)
}

func TestHealth_OKAndStale(t *testing.T) {
	m := NewMetrics()
	m.Observe(control.CycleResult{
		Outcome:  control.Degraded,
		Err:      errcode.DeviceIO,
		Circuits: []models.Circuit{{ID: 1}},
		Started:  started,
		Duration: time.Second,
	})

	rec := httptest.NewRecorder()
	testServer(m, started.Add(3*time.Second)).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "degraded", h.Outcome)
	assert.Equal(t, "device_io", h.Code)
	assert.Equal(t, 1, h.Circuits)
	assert.Equal(t, int64(2000), h.AgeMs)

	rec = httptest.NewRecorder()
	testServer(m, started.Add(time.Minute)).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"stale"`)
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.Observe(control.CycleResult{Outcome: control.Reported, Started: started})

	srv := httptest.NewServer(testServer(m, started).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `circuit_agent_cycles_total{outcome="reported"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
