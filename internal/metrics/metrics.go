// Package metrics exposes dispatcher counters and pool gauges in
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m-cnan/thankan.ayyo/internal/pool"
)

// Recorder is what the dispatcher reports into.
type Recorder interface {
	// ObserveAttempt counts one upstream call on a tier model and its result.
	ObserveAttempt(model, result string)
	// ObserveEscalation counts a tier change and what triggered it.
	ObserveEscalation(trigger string)
	// ObserveDispatch records a finished request.
	ObserveDispatch(result string, elapsed time.Duration)
}

// Metrics is the Prometheus-backed Recorder.
type Metrics struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	escalations *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// New registers the dispatcher metrics, and pool gauges read from snapshot
// at scrape time, on a fresh registry.
func New(snapshot func() pool.Snapshot) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_attempts_total",
			Help: "Total number of upstream calls",
		}, []string{"model", "result"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_escalations_total",
			Help: "Total number of tier escalations",
		}, []string{"trigger"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_requests_total",
			Help: "Total number of dispatched chat requests",
		}, []string{"result"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatcher_request_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"result"}),
	}

	if snapshot != nil {
		gauge := func(name, help string, read func(pool.Snapshot) int) {
			factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
				return float64(read(snapshot()))
			})
		}
		gauge("pool_credentials_total", "Configured credentials", func(s pool.Snapshot) int { return s.Total })
		gauge("pool_credentials_available", "Credentials currently selectable", func(s pool.Snapshot) int { return s.Available })
		gauge("pool_credentials_rate_limited", "Credentials cooling down after a rate limit", func(s pool.Snapshot) int { return s.RateLimited })
		gauge("pool_credentials_disabled", "Credentials disabled after an access failure", func(s pool.Snapshot) int { return s.Disabled })
		gauge("pool_current_tier", "Current global model tier", func(s pool.Snapshot) int { return s.Tier })
	}

	return m
}

func (m *Metrics) ObserveAttempt(model, result string) {
	m.attempts.WithLabelValues(model, result).Inc()
}

func (m *Metrics) ObserveEscalation(trigger string) {
	m.escalations.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObserveDispatch(result string, elapsed time.Duration) {
	m.dispatches.WithLabelValues(result).Inc()
	m.latency.WithLabelValues(result).Observe(elapsed.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveAttempt(string, string)         {}
func (Noop) ObserveEscalation(string)              {}
func (Noop) ObserveDispatch(string, time.Duration) {}
