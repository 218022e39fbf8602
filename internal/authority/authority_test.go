package authority

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"circuit-agent/internal/adc"
	"circuit-agent/internal/board"
	"circuit-agent/internal/control"
	"circuit-agent/internal/power"
	"circuit-agent/internal/relay"
	"circuit-agent/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestDeclaration(t *testing.T) {
	s := NewServer([]int{3, 7}, testLogger())
	s.Apply(Step{States: []bool{true, false}})

	rec := do(t, s.Router(), http.MethodGet, "/api/testResponse/1/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[{"circuit_num":3,"state":true},{"circuit_num":7,"state":false}]}`, rec.Body.String())
	assert.Equal(t, 1, s.Fetches())
}

func TestOutageModes(t *testing.T) {
	s := NewServer([]int{1}, testLogger())
	r := s.Router()

	require.Equal(t, http.StatusNoContent, do(t, r, http.MethodPut, "/api/outage", `{"mode":"error"}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodGet, "/api/testResponse/1/", "").Code)

	require.Equal(t, http.StatusNoContent, do(t, r, http.MethodPut, "/api/outage", `{"mode":"empty"}`).Code)
	rec := do(t, r, http.MethodGet, "/api/testResponse/1/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/outage", `{"mode":"flood"}`).Code)
}

func TestCircuitToggle(t *testing.T) {
	s := NewServer([]int{3, 7}, testLogger())
	r := s.Router()

	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPut, "/api/circuits/7", `{"state":true}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPut, "/api/circuits/9", `{"state":true}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/circuits/x", `{"state":true}`).Code)

	rec := do(t, r, http.MethodGet, "/api/testResponse/1/", "")
	assert.Contains(t, rec.Body.String(), `{"circuit_num":7,"state":true}`)
}

func TestReadings(t *testing.T) {
	s := NewServer([]int{3}, testLogger())
	r := s.Router()

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/readings/latest", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/sendReading/", `nope`).Code)

	body := `{"serial":"rpi","readings":[{"power":12.5,"circuit_num":3}]}`
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/sendReading/", body).Code)

	rec := do(t, r, http.MethodGet, "/api/readings/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, body, rec.Body.String())
	require.Len(t, s.Reports(), 1)
}

func TestRunScenario(t *testing.T) {
	s := NewServer([]int{1, 2}, testLogger())

	err := s.RunScenario(context.Background(), []Step{
		{Name: "one on", States: []bool{true, false}},
		{Name: "outage", Outage: OutageError},
	})
	require.NoError(t, err)
	assert.Equal(t, OutageError, s.outage)
	assert.True(t, s.circuits[0].State)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.RunScenario(ctx, []Step{{Name: "blocked", Hold: time.Hour}}), context.Canceled)
}

// Drives the real loop against the simulated board and this server.
func TestAgentAgainstSimulatedBoard(t *testing.T) {
	logger := testLogger()
	auth := NewServer([]int{3, 7, 11}, logger)
	auth.Apply(Step{States: []bool{true, false, true}})
	srv := httptest.NewServer(auth.Router())
	defer srv.Close()

	brd, err := board.Open(board.Options{
		Backend:             board.BackendSim,
		BankSelectActiveLow: true,
		EnablePin:           board.NoPin,
		RelayAddresses:      relay.DefaultAddresses,
	}, logger)
	require.NoError(t, err)
	defer brd.Close()

	relays := relay.NewController(brd.I2C, brd.Selector, relay.Config{}, logger)
	require.NoError(t, relays.Init())
	client := transport.NewClient(transport.Config{
		StateURL:  srv.URL + "/api/testResponse/1/",
		ReportURL: srv.URL + "/api/sendReading/",
	}, nil, logger)

	loop := control.NewLoop(control.Config{Serial: "bench"}, control.Deps{
		Fetcher:  client,
		Reporter: client,
		Actuator: relays,
		Sampler:  adc.NewMultiplexer(brd.SPI, brd.Selector, logger),
	}, logger)
	loop.SetSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	res := loop.RunCycle(context.Background())
	require.Equal(t, control.Reported, res.Outcome)

	reports := auth.Reports()
	require.Len(t, reports, 1)
	readings := reports[0].Readings()
	require.Len(t, readings, 3)
	assert.Equal(t, "bench", reports[0].Serial())
	assert.InDelta(t, power.FromRaw(board.SimLoaded), readings[0].Power, 1e-6)
	assert.Equal(t, 0.0, readings[1].Power)
	assert.InDelta(t, power.FromRaw(board.SimLoaded), readings[2].Power, 1e-6)

	// Authority goes away: every relay must open and nothing is reported.
	auth.Apply(Step{Outage: OutageError})
	res = loop.RunCycle(context.Background())
	assert.Equal(t, control.FailSafe, res.Outcome)
	sim := brd.I2C.(*board.Sim)
	assert.Zero(t, sim.Latch(0))
	assert.Zero(t, sim.Latch(1))
	assert.Len(t, auth.Reports(), 1)
}
