// Package metrics exposes cycle outcomes, failure codes and per-circuit power
// to Prometheus, and a health endpoint for supervisors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"circuit-agent/internal/control"
	"circuit-agent/internal/errcode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "circuit_agent"

type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	circuitPower  *prometheus.GaugeVec
	relayMask     prometheus.Gauge
	circuits      prometheus.Gauge
	lastCycle     prometheus.Gauge

	mu   sync.Mutex
	last control.CycleResult
	seen bool
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Control cycles completed, by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Cycles that hit an error, by error code.",
		}, []string{"code"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a control cycle including delays.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}),
		circuitPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_power_watts",
			Help:      "Last calibrated power reading per circuit.",
		}, []string{"circuit"}),
		relayMask: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_mask",
			Help:      "Relay bitmask applied by the last cycle.",
		}),
		circuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuits",
			Help:      "Circuits known to the registry.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle started.",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.failures,
		m.cycleDuration,
		m.circuitPower,
		m.relayMask,
		m.circuits,
		m.lastCycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records a finished cycle. Safe to call concurrently with scrapes.
func (m *Metrics) Observe(res control.CycleResult) {
	m.cycles.WithLabelValues(string(res.Outcome)).Inc()
	if res.Err != nil {
		m.failures.WithLabelValues(string(errcode.Of(res.Err))).Inc()
	}
	m.cycleDuration.Observe(res.Duration.Seconds())
	m.relayMask.Set(float64(res.Mask))
	m.circuits.Set(float64(len(res.Circuits)))
	if !res.Started.IsZero() {
		m.lastCycle.Set(float64(res.Started.UnixNano()) / 1e9)
	}
	for _, c := range res.Circuits {
		if c.Sampled {
			m.circuitPower.WithLabelValues(strconv.Itoa(c.ID)).Set(c.LastPower)
		}
	}

	m.mu.Lock()
	m.last = res
	m.seen = true
	m.mu.Unlock()
}

// Last returns the most recent cycle and whether one has completed.
func (m *Metrics) Last() (control.CycleResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.seen
}

// Age is how long ago the last observed cycle finished.
func (m *Metrics) Age(now time.Time) time.Duration {
	last, ok := m.Last()
	if !ok {
		return 0
	}
	return now.Sub(last.Started.Add(last.Duration))
}
