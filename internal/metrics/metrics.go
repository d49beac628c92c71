// Package metrics provides Prometheus metrics for the chat orchestrator
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reply outcomes.
const (
	OutcomeReply       = "reply"
	OutcomeOverflow    = "overflow"
	OutcomeError       = "error"
	OutcomeDiscarded   = "discarded"
	OutcomeCircuitOpen = "circuit_open"
)

// Metrics holds all Prometheus metrics for the orchestrator
type Metrics struct {
	SubmitsTotal    prometheus.Counter
	SubmitsInFlight prometheus.Gauge
	RepliesTotal    *prometheus.CounterVec
	ReplyLatency    prometheus.Histogram

	// Overflow recovery
	CondensationsTotal           prometheus.Counter
	CondensedEntriesDroppedTotal prometheus.Counter
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.SubmitsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rpgchat_submits_total",
			Help: "Total number of submitted user messages",
		},
	)

	m.SubmitsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpgchat_submits_in_flight",
			Help: "Number of submissions currently awaiting a reply",
		},
	)

	m.RepliesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpgchat_replies_total",
			Help: "Total number of resolved thinking placeholders by outcome",
		},
		[]string{"outcome"},
	)

	m.ReplyLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rpgchat_reply_latency_seconds",
			Help:    "Time from submission until the completion service answered",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.CondensationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rpgchat_condensations_total",
			Help: "Total number of transcript condensations after context overflow",
		},
	)

	m.CondensedEntriesDroppedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rpgchat_condensed_entries_dropped_total",
			Help: "Total number of transcript entries dropped by condensation",
		},
	)

	return m
}

// RecordReply counts a resolved reply. Latency is observed for outcomes that
// reached the completion service.
func (m *Metrics) RecordReply(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeCircuitOpen {
		m.ReplyLatency.Observe(latency.Seconds())
	}
}

// RecordCondensation counts one condensation that dropped n entries.
func (m *Metrics) RecordCondensation(dropped int) {
	if m == nil {
		return
	}
	m.CondensationsTotal.Inc()
	if dropped > 0 {
		m.CondensedEntriesDroppedTotal.Add(float64(dropped))
	}
}

// SubmitStarted marks a submission in flight.
func (m *Metrics) SubmitStarted() {
	if m == nil {
		return
	}
	m.SubmitsTotal.Inc()
	m.SubmitsInFlight.Inc()
}

// SubmitFinished marks a submission as no longer in flight.
func (m *Metrics) SubmitFinished() {
	if m == nil {
		return
	}
	m.SubmitsInFlight.Dec()
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
