// Package metrics exposes Prometheus collectors for the escrow engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	transitions    *prometheus.CounterVec
	casConflicts   prometheus.Counter
	payouts        *prometheus.CounterVec
	payoutDispatch *prometheus.CounterVec
	disputes       *prometheus.CounterVec
	votes          prometheus.Counter
	oracleFetches  *prometheus.CounterVec
	chainEvents    prometheus.Counter
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	scanProcessed  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow status transitions",
		}, []string{"from", "to"}),
		casConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_version_conflicts_total",
			Help: "Commits rejected by the escrow version check",
		}),
		payouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_payout_instructions_total",
			Help: "Payout instructions emitted",
		}, []string{"reason"}),
		payoutDispatch: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_payout_dispatch_total",
			Help: "Payout outbox dispatch attempts",
		}, []string{"result"}),
		disputes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_disputes_total",
			Help: "Dispute lifecycle events",
		}, []string{"status"}),
		votes: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_arbiter_votes_total",
			Help: "Arbiter votes recorded",
		}),
		oracleFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_oracle_fetches_total",
			Help: "Oracle endpoint fetches",
		}, []string{"result"}),
		chainEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_chain_events_total",
			Help: "Chain events reported by the watcher",
		}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_job_runs_total",
			Help: "Background job runs",
		}, []string{"job", "result"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_job_duration_seconds",
			Help:    "Background job run time",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		scanProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_scan_processed_total",
			Help: "Escrows handled by periodic scans",
		}, []string{"scan", "result"}),
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) PayoutEmitted(reason string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(reason).Inc()
}

func (m *Metrics) PayoutDispatched(ok bool) {
	if m == nil {
		return
	}
	m.payoutDispatch.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Dispute(status string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(status).Inc()
}

func (m *Metrics) VoteCast() {
	if m == nil {
		return
	}
	m.votes.Inc()
}

func (m *Metrics) OracleFetch(ok bool) {
	if m == nil {
		return
	}
	m.oracleFetches.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ChainEvent() {
	if m == nil {
		return
	}
	m.chainEvents.Inc()
}

func (m *Metrics) JobRun(job string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, result(err == nil)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) ScanProcessed(scan string, ok bool) {
	if m == nil {
		return
	}
	m.scanProcessed.WithLabelValues(scan, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
