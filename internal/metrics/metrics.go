// Package metrics exposes pipeline counters and histograms for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cato"

// #region collectors

// Metrics groups the pipeline collectors. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	decisions    *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	failOpen     prometheus.Counter
	activeVetoes *prometheus.GaugeVec
	entropyJobs  *prometheus.CounterVec
	auditAppends *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "decisions_total",
				Help:      "Pipeline decisions by status and deciding stage.",
			},
			[]string{"status", "stage"},
		),
		stageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		failOpen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "fail_open_total",
				Help:      "Evaluations allowed because the safety evaluation itself failed.",
			},
		),
		activeVetoes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "veto",
				Name:      "active_signals",
				Help:      "Active veto signals by scope.",
			},
			[]string{"scope"},
		),
		entropyJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entropy",
				Name:      "jobs_total",
				Help:      "Entropy checks by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		auditAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "appends_total",
				Help:      "Audit entries appended by entry type.",
			},
			[]string{"type"},
		),
	}
	for _, c := range []prometheus.Collector{
		m.decisions, m.stageLatency, m.failOpen, m.activeVetoes, m.entropyJobs, m.auditAppends,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// #endregion collectors

// #region record

// RecordDecision counts one pipeline decision.
func (m *Metrics) RecordDecision(status, stage string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(status, stage).Inc()
}

// ObserveStage records the duration of one stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordFailOpen counts an evaluation allowed through the fail-open boundary.
func (m *Metrics) RecordFailOpen() {
	if m == nil {
		return
	}
	m.failOpen.Inc()
}

// SetActiveVetoes sets the active signal gauge for a scope.
func (m *Metrics) SetActiveVetoes(scope string, n int) {
	if m == nil {
		return
	}
	m.activeVetoes.WithLabelValues(scope).Set(float64(n))
}

// RecordEntropyJob counts an entropy check.
func (m *Metrics) RecordEntropyJob(mode, outcome string) {
	if m == nil {
		return
	}
	m.entropyJobs.WithLabelValues(mode, outcome).Inc()
}

// RecordAuditAppend counts an appended audit entry.
func (m *Metrics) RecordAuditAppend(entryType string) {
	if m == nil {
		return
	}
	m.auditAppends.WithLabelValues(entryType).Inc()
}

// #endregion record
