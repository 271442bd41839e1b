// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors describing event loop traffic. Counters are updated
// from both the caller goroutines and the reactor goroutine.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	metricsNamespace = "hioload"
	metricsSubsystem = "http_client"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeDummy   = "dummy"
)

// Metrics groups the collectors of one event loop.
type Metrics struct {
	RequestsSubmitted prometheus.Counter
	ValidationErrors  prometheus.Counter
	Outcomes          *prometheus.CounterVec
	InFlight          prometheus.Gauge
	HandlesReleased   prometheus.Counter
	TimerFailures     prometheus.Counter
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_submitted_total",
			Help:      "Requests accepted for submission to the event loop.",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "validation_errors_total",
			Help:      "Requests rejected synchronously because of malformed arguments.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "outcomes_total",
			Help:      "Outcomes delivered to callers, by kind.",
		}, []string{"outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_in_flight",
			Help:      "Requests submitted whose outcome has not been delivered yet.",
		}),
		HandlesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handles_released_total",
			Help:      "Transfer handles torn down on the reactor goroutine.",
		}),
		TimerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "timer_failures_total",
			Help:      "Engine timeouts the reactor could not schedule.",
		}),
	}
}

// Collectors lists every collector for custom registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RequestsSubmitted,
		m.ValidationErrors,
		m.Outcomes,
		m.InFlight,
		m.HandlesReleased,
		m.TimerFailures,
	}
}

// Register adds the collectors to reg. Collectors that are already
// registered are accepted.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs error
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ObserveOutcome records one delivered outcome.
func (m *Metrics) ObserveOutcome(kind string) {
	m.Outcomes.WithLabelValues(kind).Inc()
	m.InFlight.Dec()
}
