package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type EngineMetrics struct {
	votesCast          *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	ledgerEntries      *prometheus.CounterVec
	settlementResults  *prometheus.CounterVec
	invariantFailures  *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	lastSweepTimestamp prometheus.Gauge
}

var (
	engineOnce     sync.Once
	engineRegistry *EngineMetrics
)

// Engine returns the process-wide collectors, registering them on first use.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			votesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "milestoned_votes_cast_total",
				Help: "Count of accepted votes by choice.",
			}, []string{"choice"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "milestoned_milestone_transitions_total",
				Help: "Count of milestone status transitions by target status and actor.",
			}, []string{"to", "actor"}),
			ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "milestoned_ledger_entries_total",
				Help: "Count of escrow ledger entries written by type.",
			}, []string{"type"}),
			settlementResults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "milestoned_settlement_results_total",
				Help: "Settlement outcomes by ledger entry type and final status.",
			}, []string{"type", "status"}),
			invariantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "milestoned_invariant_failures_total",
				Help: "Operations aborted by an escrow or target invariant.",
			}, []string{"invariant"}),
			sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "milestoned_sweep_duration_seconds",
				Help:    "Duration of resolution sweeps.",
				Buckets: prometheus.DefBuckets,
			}),
			lastSweepTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "milestoned_last_sweep_timestamp_seconds",
				Help: "Unix time of the last completed resolution sweep.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.votesCast,
			engineRegistry.transitions,
			engineRegistry.ledgerEntries,
			engineRegistry.settlementResults,
			engineRegistry.invariantFailures,
			engineRegistry.sweepDuration,
			engineRegistry.lastSweepTimestamp,
		)
	})
	return engineRegistry
}

func (m *EngineMetrics) ObserveVote(approve bool) {
	if m == nil {
		return
	}
	choice := "reject"
	if approve {
		choice = "approve"
	}
	m.votesCast.WithLabelValues(choice).Inc()
}

func (m *EngineMetrics) ObserveTransition(to, actor string) {
	if m == nil {
		return
	}
	if actor == "" {
		actor = "unknown"
	}
	m.transitions.WithLabelValues(to, actor).Inc()
}

func (m *EngineMetrics) ObserveLedgerEntry(kind string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) ObserveSettlement(kind, status string) {
	if m == nil {
		return
	}
	m.settlementResults.WithLabelValues(kind, status).Inc()
}

func (m *EngineMetrics) ObserveInvariantFailure(invariant string) {
	if m == nil {
		return
	}
	m.invariantFailures.WithLabelValues(invariant).Inc()
}

func (m *EngineMetrics) ObserveSweep(started time.Time, finished time.Time) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(finished.Sub(started).Seconds())
	m.lastSweepTimestamp.Set(float64(finished.Unix()))
}

// NewServer serves the default registry on /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
