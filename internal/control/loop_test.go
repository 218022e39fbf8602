package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"circuit-agent/internal/adc"
	"circuit-agent/internal/declaration"
	"circuit-agent/internal/hardware"
	"circuit-agent/internal/models"
	"circuit-agent/internal/power"
	"circuit-agent/internal/telemetry"
	"circuit-agent/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

type fakeFetcher struct {
	rec       *recorder
	responses []string
	errs      []error
	calls     int
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]byte, error) {
	i := f.calls
	f.calls++
	f.rec.add("fetch")
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return []byte(f.responses[i]), nil
}

type fakeActuator struct {
	rec   *recorder
	fail  error
	masks []models.Bitmask
}

func (a *fakeActuator) Apply(mask models.Bitmask, n int) error {
	a.rec.add("apply %#x/%d", uint64(mask), n)
	a.masks = append(a.masks, mask)
	return a.fail
}

type fakeSampler struct {
	rec   *recorder
	raw   adc.Sample
	fail  error
	calls int
}

func (s *fakeSampler) Sample(n int) ([]adc.Sample, error) {
	s.calls++
	s.rec.add("sample %d", n)
	if s.fail != nil {
		return nil, s.fail
	}
	out := make([]adc.Sample, n)
	for i := range out {
		out[i] = s.raw
	}
	return out, nil
}

type fakeReporter struct {
	rec      *recorder
	fail     error
	payloads []string
}

func (r *fakeReporter) Report(ctx context.Context, payload []byte) error {
	r.rec.add("report")
	r.payloads = append(r.payloads, string(payload))
	return r.fail
}

type harness struct {
	rec      *recorder
	fetcher  *fakeFetcher
	actuator *fakeActuator
	sampler  *fakeSampler
	reporter *fakeReporter
	loop     *Loop
}

func newHarness(responses ...string) *harness {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	rec := &recorder{}
	h := &harness{
		rec:      rec,
		fetcher:  &fakeFetcher{rec: rec, responses: responses},
		actuator: &fakeActuator{rec: rec},
		sampler:  &fakeSampler{rec: rec, raw: 614},
		reporter: &fakeReporter{rec: rec},
	}
	h.loop = NewLoop(Config{
		Serial:      "rpi-test",
		SettleDelay: 300 * time.Millisecond,
		PaceDelay:   time.Second,
	}, Deps{
		Fetcher:  h.fetcher,
		Reporter: h.reporter,
		Actuator: h.actuator,
		Sampler:  h.sampler,
	}, logger)
	h.loop.SetSleeper(func(ctx context.Context, d time.Duration) error {
		rec.add("sleep %s", d)
		return ctx.Err()
	})
	return h
}

const twoCircuits = `{"data":[{"circuit_num":3,"state":true},{"circuit_num":7,"state":false}]}`

func TestRunCycle_Reported(t *testing.T) {
	h := newHarness(twoCircuits)

	res := h.loop.RunCycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, Reported, res.Outcome)
	assert.Equal(t, []State{Fetching, Decoding, Actuating, Settling, Sampling, Reporting, Pacing}, res.States)
	assert.Equal(t, models.Bitmask(0b01), res.Mask)
	assert.Equal(t, []string{
		"fetch",
		"apply 0x1/2",
		"sleep 300ms",
		"sample 2",
		"report",
		"sleep 1s",
	}, h.rec.events)

	require.NotNil(t, res.Payload)
	assert.Equal(t, "rpi-test", res.Payload.Serial())
	readings := res.Payload.Readings()
	require.Len(t, readings, 2)
	assert.Equal(t, 3, readings[0].CircuitNum)
	assert.Equal(t, 7, readings[1].CircuitNum)
	assert.InDelta(t, power.FromRaw(614), readings[0].Power, 1e-6)

	parsed, err := telemetry.Parse([]byte(h.reporter.payloads[0]))
	require.NoError(t, err)
	assert.Equal(t, readings, parsed.Readings())
}

func TestRunCycle_FetchFailureIsFailSafe(t *testing.T) {
	h := newHarness(twoCircuits)
	h.fetcher.errs = []error{fmt.Errorf("%w: connection refused", transport.ErrTransport)}

	res := h.loop.RunCycle(context.Background())
	assert.Equal(t, FailSafe, res.Outcome)
	assert.ErrorIs(t, res.Err, transport.ErrTransport)
	assert.Equal(t, []State{Fetching, Actuating, Pacing}, res.States)
	assert.Equal(t, []string{"fetch", "apply 0x0/16", "sleep 1s"}, h.rec.events)
	assert.Zero(t, h.sampler.calls)
	assert.Empty(t, h.reporter.payloads)
}

func TestRunCycle_EmptyBodyIsFailSafe(t *testing.T) {
	h := newHarness("  \n")

	res := h.loop.RunCycle(context.Background())
	assert.Equal(t, FailSafe, res.Outcome)
	assert.Equal(t, []models.Bitmask{0}, h.actuator.masks)
	assert.Zero(t, h.sampler.calls)
}

func TestRunCycle_DecodeErrorIsFailSafe(t *testing.T) {
	h := newHarness(`{"data":`)

	res := h.loop.RunCycle(context.Background())
	assert.Equal(t, FailSafe, res.Outcome)
	assert.ErrorIs(t, res.Err, declaration.ErrDecode)
	assert.Equal(t, []State{Fetching, Decoding, Actuating, Pacing}, res.States)
	assert.Equal(t, []models.Bitmask{0}, h.actuator.masks)
	assert.True(t, h.loop.Registry().Empty())
	assert.Empty(t, h.reporter.payloads)
}

func TestRunCycle_FailSafeKeepsRegistry(t *testing.T) {
	h := newHarness(twoCircuits, "not json")

	h.loop.RunCycle(context.Background())
	res := h.loop.RunCycle(context.Background())
	assert.Equal(t, FailSafe, res.Outcome)
	assert.Equal(t, 2, h.loop.Registry().Len())
	assert.Equal(t, []models.Bitmask{0b01, 0}, h.actuator.masks)
}

func TestRunCycle_RegistryPersistsAcrossCycles(t *testing.T) {
	h := newHarness(
		twoCircuits,
		`{"data":[{"circuit_num":99,"state":false},{"circuit_num":98,"state":true}]}`,
	)

	h.loop.RunCycle(context.Background())
	res := h.loop.RunCycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, models.Bitmask(0b10), res.Mask)

	circuits := h.loop.Registry().Snapshot()
	require.Len(t, circuits, 2)
	assert.Equal(t, 3, circuits[0].ID)
	assert.Equal(t, 7, circuits[1].ID)
	assert.False(t, circuits[0].DesiredState)
	assert.True(t, circuits[1].DesiredState)
	assert.True(t, circuits[0].Sampled)
}

func TestRunCycle_RelayDeviceErrorIsDegraded(t *testing.T) {
	h := newHarness(twoCircuits)
	h.actuator.fail = &hardware.DeviceError{Op: "relay write", Bank: 0, Err: errors.New("nack")}

	res := h.loop.RunCycle(context.Background())
	assert.Equal(t, Degraded, res.Outcome)
	assert.Equal(t, []State{Fetching, Decoding, Actuating, Pacing}, res.States)
	assert.Zero(t, h.sampler.calls)
	assert.Empty(t, h.reporter.payloads)
}

func TestRunCycle_AddressingErrorContinues(t *testing.T) {
	h := newHarness(twoCircuits)
	h.actuator.fail = hardware.Unaddressable("relay", 20)

	res := h.loop.RunCycle(context.Background())
	assert.Equal(t, Reported, res.Outcome)
	assert.ErrorIs(t, res.Err, hardware.ErrUnsupportedAddressing)
	assert.Len(t, h.reporter.payloads, 1)
}

func TestRunCycle_CircuitsBeyondCapacityAreListedUnsampled(t *testing.T) {
	var entries []string
	for id := 1; id <= hardware.Capacity+2; id++ {
		entries = append(entries, fmt.Sprintf(`{"circuit_num":%d,"state":false}`, id*10))
	}
	h := newHarness(`{"data":[` + strings.Join(entries, ",") + `]}`)
	h.actuator.fail = hardware.Unaddressable("relay", hardware.Capacity+2)

	res := h.loop.RunCycle(context.Background())
	require.Equal(t, Reported, res.Outcome)
	assert.Equal(t, []int{(hardware.Capacity + 1) * 10, (hardware.Capacity + 2) * 10}, res.Unsampled)
	assert.True(t, res.Circuits[hardware.Capacity-1].Sampled)
	assert.False(t, res.Circuits[hardware.Capacity].Sampled)
}

func TestRunCycle_AllSampledLeavesNothingUnsampled(t *testing.T) {
	h := newHarness(twoCircuits)

	res := h.loop.RunCycle(context.Background())
	assert.Empty(t, res.Unsampled)
}

func TestRunCycle_SamplerDeviceErrorSkipsReport(t *testing.T) {
	h := newHarness(twoCircuits)
	h.sampler.fail = &hardware.DeviceError{Op: "adc transfer", Bank: 0, Err: errors.New("spi")}

	res := h.loop.RunCycle(context.Background())
	assert.Equal(t, Degraded, res.Outcome)
	assert.Equal(t, []State{Fetching, Decoding, Actuating, Settling, Sampling, Pacing}, res.States)
	assert.Empty(t, h.reporter.payloads)
}

func TestRunCycle_ReportErrorIsLoggedOnly(t *testing.T) {
	h := newHarness(twoCircuits)
	h.reporter.fail = fmt.Errorf("%w: status 500", transport.ErrTransport)

	res := h.loop.RunCycle(context.Background())
	assert.Equal(t, Reported, res.Outcome)
	assert.ErrorIs(t, res.Err, transport.ErrTransport)
	assert.Equal(t, Pacing, res.States[len(res.States)-1])
}

func TestRunCycle_CancelledSettleAborts(t *testing.T) {
	h := newHarness(twoCircuits)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.loop.RunCycle(ctx)
	assert.Equal(t, Aborted, res.Outcome)
	assert.Zero(t, h.sampler.calls)
}

func TestRunCycle_FirstChannelCalibration(t *testing.T) {
	h := newHarness(twoCircuits)
	cal, err := power.NewCalibrator(power.FirstChannel)
	require.NoError(t, err)
	h.loop.deps.Calibrator = cal

	res := h.loop.RunCycle(context.Background())
	readings := res.Payload.Readings()
	assert.InDelta(t, power.FromRaw(614), readings[0].Power, 1e-6)
	assert.Equal(t, 614.0, readings[1].Power)
}

func TestRunCycle_Callback(t *testing.T) {
	h := newHarness(twoCircuits)
	var got []Outcome
	h.loop.SetCycleCallback(func(res CycleResult) { got = append(got, res.Outcome) })

	h.loop.RunCycle(context.Background())
	assert.Equal(t, []Outcome{Reported}, got)
}

func TestRun_StopsAndOpensAllCircuits(t *testing.T) {
	h := newHarness(twoCircuits)
	ctx, cancel := context.WithCancel(context.Background())

	cycles := 0
	h.loop.SetCycleCallback(func(CycleResult) {
		cycles++
		if cycles == 2 {
			cancel()
		}
	})
	h.loop.Run(ctx)

	assert.Equal(t, 2, cycles)
	assert.Equal(t, []models.Bitmask{0b01, 0b01, 0}, h.actuator.masks)
	assert.Equal(t, "apply 0x0/16", h.rec.events[len(h.rec.events)-1])
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
