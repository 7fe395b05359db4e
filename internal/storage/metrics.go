package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the table's prometheus collectors.
type Metrics struct {
	MergesTotal     prometheus.Counter
	MutationsTotal  prometheus.Counter
	FailedJobsTotal prometheus.Counter
	RowsMerged      prometheus.Counter
	ActiveParts     prometheus.Gauge
	OutdatedParts   prometheus.Gauge
	CleanupRuns     prometheus.Counter
}

// NewMetrics registers the table's collectors on reg. A nil reg uses a
// private registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer, table string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"table": table}
	m := &Metrics{
		MergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mergetree", Name: "merges_total",
			Help: "Completed background merges.", ConstLabels: labels,
		}),
		MutationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mergetree", Name: "mutations_total",
			Help: "Completed part mutations.", ConstLabels: labels,
		}),
		FailedJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mergetree", Name: "failed_background_jobs_total",
			Help: "Background merges and mutations that failed.", ConstLabels: labels,
		}),
		RowsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mergetree", Name: "rows_merged_total",
			Help: "Rows read by merges.", ConstLabels: labels,
		}),
		ActiveParts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mergetree", Name: "active_parts",
			Help: "Parts in the Active state.", ConstLabels: labels,
		}),
		OutdatedParts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mergetree", Name: "outdated_parts",
			Help: "Parts pending removal.", ConstLabels: labels,
		}),
		CleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mergetree", Name: "cleanup_runs_total",
			Help: "Background cleanup passes.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.MergesTotal, m.MutationsTotal, m.FailedJobsTotal,
		m.RowsMerged, m.ActiveParts, m.OutdatedParts, m.CleanupRuns)
	return m
}
