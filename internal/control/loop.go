package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"circuit-agent/internal/adc"
	"circuit-agent/internal/declaration"
	"circuit-agent/internal/errcode"
	"circuit-agent/internal/hardware"
	"circuit-agent/internal/models"
	"circuit-agent/internal/power"
	"circuit-agent/internal/telemetry"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

type Reporter interface {
	Report(ctx context.Context, payload []byte) error
}

type Actuator interface {
	Apply(mask models.Bitmask, n int) error
}

type Sampler interface {
	Sample(n int) ([]adc.Sample, error)
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

type Config struct {
	Serial      string
	SettleDelay time.Duration
	PaceDelay   time.Duration
	// FailSafeLines is how many relay lines a fail-safe cycle forces off.
	FailSafeLines int
}

type Deps struct {
	Fetcher    Fetcher
	Reporter   Reporter
	Actuator   Actuator
	Sampler    Sampler
	Calibrator power.Calibrator
}

// CycleResult describes one pass through the state machine.
type CycleResult struct {
	Outcome   Outcome
	States    []State
	Mask      models.Bitmask
	Lines     int
	Circuits  []models.Circuit
	// Unsampled lists circuit IDs reported without a reading this cycle.
	Unsampled []int
	Payload   *telemetry.Payload
	Err       error
	Started   time.Time
	Duration  time.Duration
}

// Loop owns the circuit registry and runs synchronization cycles one after
// the other on the caller's goroutine.
type Loop struct {
	config Config
	deps   Deps
	logger *logrus.Logger

	registry *models.Registry
	sleep    Sleeper
	now      func() time.Time

	onCycle func(CycleResult)
}

func NewLoop(cfg Config, deps Deps, logger *logrus.Logger) *Loop {
	if cfg.FailSafeLines <= 0 {
		cfg.FailSafeLines = hardware.Capacity
	}
	if deps.Calibrator == nil {
		deps.Calibrator, _ = power.NewCalibrator(power.Uniform)
	}
	return &Loop{
		config:   cfg,
		deps:     deps,
		logger:   logger,
		registry: models.NewRegistry(),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// SetSleeper replaces the delay implementation, mainly for tests.
func (l *Loop) SetSleeper(s Sleeper) {
	l.sleep = s
}

// SetCycleCallback registers a function called with every finished cycle.
func (l *Loop) SetCycleCallback(callback func(CycleResult)) {
	l.onCycle = callback
}

// Registry exposes the loop's registry; only safe between cycles.
func (l *Loop) Registry() *models.Registry {
	return l.registry
}

// Run cycles until ctx is cancelled, then forces every relay off.
func (l *Loop) Run(ctx context.Context) {
	l.logger.WithFields(logrus.Fields{
		"serial":      l.config.Serial,
		"settle":      l.config.SettleDelay,
		"pace":        l.config.PaceDelay,
		"calibration": l.deps.Calibrator.Name(),
	}).Info("Starting control loop")

	for ctx.Err() == nil {
		l.RunCycle(ctx)
	}

	l.logger.Info("Stopping control loop, opening all circuits")
	if err := l.deps.Actuator.Apply(0, l.config.FailSafeLines); err != nil {
		l.logger.WithError(err).Error("Final all-off actuation failed")
	}
}

// RunCycle performs FETCHING through PACING once.
func (l *Loop) RunCycle(ctx context.Context) CycleResult {
	res := CycleResult{Started: l.now()}
	defer func() {
		res.Duration = l.now().Sub(res.Started)
		if l.onCycle != nil {
			l.onCycle(res)
		}
	}()

	l.enter(&res, Fetching)
	body, err := l.deps.Fetcher.Fetch(ctx)
	if err == nil && len(bytes.TrimSpace(body)) == 0 {
		err = fmt.Errorf("%w: empty declaration", errcode.TransportFailure)
	}
	if err != nil {
		l.logger.WithError(err).WithField("code", errcode.Of(err)).
			Warn("Cannot get desired state from server, opening all circuits")
		l.failSafe(ctx, &res, err)
		return res
	}

	l.enter(&res, Decoding)
	mask, err := declaration.Decode(body, l.registry)
	if err != nil {
		l.logger.WithError(err).WithField("code", errcode.Of(err)).
			Warn("Unusable declaration, opening all circuits")
		l.failSafe(ctx, &res, err)
		return res
	}

	n := l.registry.Len()
	l.enter(&res, Actuating)
	res.Mask, res.Lines = mask, n
	if err := l.deps.Actuator.Apply(mask, n); err != nil {
		res.Err = errors.Join(res.Err, err)
		if isDeviceFailure(err) {
			l.logger.WithError(err).Error("Relay actuation failed, skipping sampling")
			l.degrade(ctx, &res)
			return res
		}
		l.logger.WithError(err).Warn("Relay actuation incomplete")
	}
	l.logger.WithFields(logrus.Fields{
		"mask":     fmt.Sprintf("%#x", uint64(mask)),
		"circuits": n,
	}).Debug("Relays synchronized")

	// Sampling must never start against relays still in transition.
	l.enter(&res, Settling)
	if err := l.sleep(ctx, l.config.SettleDelay); err != nil {
		res.Outcome = Aborted
		res.Err = errors.Join(res.Err, err)
		return res
	}

	l.enter(&res, Sampling)
	samples, err := l.deps.Sampler.Sample(n)
	if err != nil {
		res.Err = errors.Join(res.Err, err)
		if isDeviceFailure(err) {
			l.logger.WithError(err).Error("Sampling failed, skipping report")
			l.degrade(ctx, &res)
			return res
		}
		l.logger.WithError(err).Warn("Sampling incomplete")
	}
	for i, s := range samples {
		if !hardware.Addressable(i) {
			continue
		}
		watts := l.deps.Calibrator.Convert(i, s)
		l.registry.SetPower(i, watts)
		l.logger.WithFields(logrus.Fields{
			"circuit": l.registry.At(i).ID,
			"raw":     s,
		}).Debugf("Power %s", humanize.SIWithDigits(watts, 2, "W"))
	}

	for i := 0; i < l.registry.Len(); i++ {
		if i >= len(samples) || !hardware.Addressable(i) {
			res.Unsampled = append(res.Unsampled, l.registry.At(i).ID)
		}
	}
	if len(res.Unsampled) > 0 {
		l.logger.WithField("circuits", res.Unsampled).Warn("Reporting last known power for circuits without a reading")
	}

	l.enter(&res, Reporting)
	payload := telemetry.Encode(l.config.Serial, l.registry)
	res.Payload = &payload
	res.Circuits = l.registry.Snapshot()
	if b, err := payload.Marshal(); err != nil {
		res.Err = errors.Join(res.Err, err)
		l.logger.WithError(err).Error("Unable to encode telemetry")
	} else if err := l.deps.Reporter.Report(ctx, b); err != nil {
		res.Err = errors.Join(res.Err, err)
		l.logger.WithError(err).WithField("code", errcode.Of(err)).Warn("Telemetry report failed")
	}
	res.Outcome = Reported

	l.pace(ctx, &res)
	return res
}

func (l *Loop) failSafe(ctx context.Context, res *CycleResult, cause error) {
	res.Outcome = FailSafe
	res.Err = cause

	l.enter(res, Actuating)
	res.Mask, res.Lines = 0, l.config.FailSafeLines
	if err := l.deps.Actuator.Apply(0, l.config.FailSafeLines); err != nil {
		res.Err = errors.Join(res.Err, err)
		l.logger.WithError(err).Error("Fail-safe actuation failed")
	}
	res.Circuits = l.registry.Snapshot()

	l.pace(ctx, res)
}

func (l *Loop) degrade(ctx context.Context, res *CycleResult) {
	res.Outcome = Degraded
	res.Circuits = l.registry.Snapshot()
	l.pace(ctx, res)
}

func (l *Loop) pace(ctx context.Context, res *CycleResult) {
	l.enter(res, Pacing)
	// A cancelled pace only ends the wait; Run notices ctx on its own.
	_ = l.sleep(ctx, l.config.PaceDelay)
}

func (l *Loop) enter(res *CycleResult, s State) {
	res.States = append(res.States, s)
	l.logger.WithField("state", s).Trace("Entering state")
}

func isDeviceFailure(err error) bool {
	var dev *hardware.DeviceError
	return errors.As(err, &dev)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
