// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Inbound HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Rotation engine
	RotationOutcomes *prometheus.CounterVec
	RotationRounds   *prometheus.HistogramVec
	CooldownsTotal   *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	ProbesTotal      prometheus.Counter
	FallbacksTotal   *prometheus.CounterVec

	// Upstream
	UpstreamCallsTotal   *prometheus.CounterVec
	UpstreamCallDuration *prometheus.HistogramVec
	TokensUsedTotal      *prometheus.CounterVec

	// Identity pool
	ActiveAccounts prometheus.Gauge

	// Circuit breaker
	BreakerState *prometheus.GaugeVec
}

var defaultBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

var globalMetrics *Metrics

// New creates and registers all collectors against reg (the default
// registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gemini_relay",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of inbound HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gemini_relay",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of inbound HTTP requests in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "route"},
		),
		RotationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gemini_relay",
				Subsystem: "rotation",
				Name:      "outcomes_total",
				Help:      "Final outcomes of rotation loops (success, exhausted, aborted)",
			},
			[]string{"mode", "outcome"},
		),
		RotationRounds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gemini_relay",
				Subsystem: "rotation",
				Name:      "rounds",
				Help:      "Number of full rotation rounds needed per request",
				Buckets:   []float64{0, 1, 2, 3, 4, 5},
			},
			[]string{"mode"},
		),
		CooldownsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gemini_relay",
				Subsystem: "rotation",
				Name:      "cooldowns_total",
				Help:      "Cooldowns recorded per classifier category",
			},
			[]string{"category"},
		),
		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gemini_relay",
				Subsystem: "rotation",
				Name:      "rate_limited_total",
				Help:      "Identity candidates skipped by the client-side rate limiter",
			},
		),
		ProbesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gemini_relay",
				Subsystem: "rotation",
				Name:      "probes_total",
				Help:      "Cooldown probe attempts",
			},
		),
		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gemini_relay",
				Subsystem: "rotation",
				Name:      "model_fallbacks_total",
				Help:      "Model fallback attempts after upstream 429",
			},
			[]string{"from", "to", "outcome"},
		),
		UpstreamCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gemini_relay",
				Subsystem: "upstream",
				Name:      "calls_total",
				Help:      "Upstream Code-Assist calls by status code",
			},
			[]string{"model", "status"},
		),
		UpstreamCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gemini_relay",
				Subsystem: "upstream",
				Name:      "call_duration_seconds",
				Help:      "Duration of upstream calls in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"model"},
		),
		TokensUsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gemini_relay",
				Subsystem: "upstream",
				Name:      "tokens_used_total",
				Help:      "Tokens reported by upstream usage metadata",
			},
			[]string{"model"},
		),
		ActiveAccounts: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gemini_relay",
				Subsystem: "pool",
				Name:      "active_accounts",
				Help:      "Identities currently active in the pool",
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gemini_relay",
				Subsystem: "upstream",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open)",
			},
			[]string{"endpoint"},
		),
	}
}

// Init initializes the global metrics instance.
func Init() *Metrics {
	globalMetrics = New(nil)
	return globalMetrics
}

// Get returns the global metrics instance, initializing it on first use.
func Get() *Metrics {
	if globalMetrics == nil {
		return Init()
	}
	return globalMetrics
}

// RecordHTTPRequest records one inbound request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRotationOutcome records the final state of one rotation loop.
func (m *Metrics) RecordRotationOutcome(mode, outcome string, rounds int) {
	m.RotationOutcomes.WithLabelValues(mode, outcome).Inc()
	m.RotationRounds.WithLabelValues(mode).Observe(float64(rounds))
}

// RecordCooldown records a cooldown mark by category.
func (m *Metrics) RecordCooldown(category string) {
	m.CooldownsTotal.WithLabelValues(category).Inc()
}

// RecordFallback records one model fallback attempt.
func (m *Metrics) RecordFallback(from, to, outcome string) {
	m.FallbacksTotal.WithLabelValues(from, to, outcome).Inc()
}

// RecordUpstreamCall records one upstream call.
func (m *Metrics) RecordUpstreamCall(model, status string, duration time.Duration) {
	m.UpstreamCallsTotal.WithLabelValues(model, status).Inc()
	m.UpstreamCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordTokens adds upstream-reported token usage.
func (m *Metrics) RecordTokens(model string, tokens int) {
	if tokens > 0 {
		m.TokensUsedTotal.WithLabelValues(model).Add(float64(tokens))
	}
}
