// Package metrics instruments the pipeline with Prometheus counters. The set
// is injected, never global; a nil *Pipeline disables instrumentation and all
// record methods are nil-safe so callers never branch on it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds the counters for one pipeline instance.
type Pipeline struct {
	fetchesTotal *prometheus.CounterVec // by scheme and outcome (ok/error/cached)
	recordsTotal *prometheus.CounterVec // by stage and outcome (kept/dropped)
	runsTotal    *prometheus.CounterVec // by mode and outcome (success/degraded/failed)
	runDuration  *prometheus.HistogramVec
}

// New creates the counter set and registers it on reg. A nil reg disables
// metrics entirely (New returns nil).
func New(reg prometheus.Registerer) (*Pipeline, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Pipeline{
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subpipe",
			Name:      "fetches_total",
			Help:      "Total subscription fetches by URL scheme and outcome",
		}, []string{"scheme", "outcome"}),

		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subpipe",
			Name:      "records_total",
			Help:      "Server records kept or dropped per pipeline stage",
		}, []string{"stage", "outcome"}),

		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subpipe",
			Name:      "runs_total",
			Help:      "Pipeline runs by fail-tolerance mode and outcome",
		}, []string{"mode", "outcome"}),

		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "subpipe",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one full pipeline run",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"mode"}),
	}

	for _, c := range []prometheus.Collector{
		m.fetchesTotal, m.recordsTotal, m.runsTotal, m.runDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordFetch counts one fetch attempt. outcome: ok, error, cached.
func (m *Pipeline) RecordFetch(scheme, outcome string) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(scheme, outcome).Inc()
}

// RecordRecords counts n records with the given stage outcome (kept/dropped).
func (m *Pipeline) RecordRecords(stage, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsTotal.WithLabelValues(stage, outcome).Add(float64(n))
}

// RecordRun counts one finished run. outcome: success, degraded, failed.
func (m *Pipeline) RecordRun(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(mode, outcome).Inc()
	m.runDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}
