package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for orchestrator activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	fallbacks       prometheus.Counter
	inFlight        prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same names. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "attempts_total",
			Help:      "Adapter attempts by platform and terminal status.",
		}, []string{"platform", "status"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of one adapter attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"platform", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "retries_total",
			Help:      "Retries scheduled after a retryable failure.",
		}, []string{"platform"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "fallbacks_total",
			Help:      "Times a task moved on to another platform.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "in_flight",
			Help:      "Tasks currently holding a concurrency slot.",
		}),
	}

	m.attempts = register(reg, m.attempts)
	m.attemptDuration = register(reg, m.attemptDuration)
	m.retries = register(reg, m.retries)
	m.fallbacks = register(reg, m.fallbacks)
	m.inFlight = register(reg, m.inFlight)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeAttempt(platform, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(platform, status).Inc()
	m.attemptDuration.WithLabelValues(platform, status).Observe(d.Seconds())
}

func (m *Metrics) incRetry(platform string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(platform).Inc()
}

func (m *Metrics) incFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
