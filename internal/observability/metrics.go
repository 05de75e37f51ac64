// Package observability holds the Prometheus collectors exported on /metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reportsTriggered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storemon",
		Subsystem: "reports",
		Name:      "triggered_total",
		Help:      "Number of report jobs accepted.",
	})

	reportsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storemon",
		Subsystem: "reports",
		Name:      "finished_total",
		Help:      "Number of report jobs that left the Running state, by final status.",
	}, []string{"status"})

	reportDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storemon",
		Subsystem: "reports",
		Name:      "duration_seconds",
		Help:      "Wall time spent computing a report job.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storemon",
		Subsystem: "reports",
		Name:      "queue_depth",
		Help:      "Report jobs waiting for a worker.",
	})

	storesExcluded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storemon",
		Subsystem: "engine",
		Name:      "stores_excluded_total",
		Help:      "Stores left out of a report, by reason.",
	}, []string{"reason"})

	rulesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storemon",
		Subsystem: "engine",
		Name:      "malformed_rules_total",
		Help:      "Business hours rules skipped because their clock times did not parse.",
	})

	importRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storemon",
		Subsystem: "import",
		Name:      "rows_total",
		Help:      "Rows loaded by the CSV importer, by table.",
	}, []string{"table"})

	lastImport = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storemon",
		Subsystem: "import",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful import.",
	})
)

func init() {
	prometheus.MustRegister(
		reportsTriggered, reportsFinished, reportDuration, queueDepth,
		storesExcluded, rulesSkipped, importRows, lastImport,
	)
}

// RecordReportTriggered counts an accepted report job.
func RecordReportTriggered() {
	reportsTriggered.Inc()
}

// RecordReportFinished counts a job transition out of Running. A zero
// elapsed duration (jobs that never reached a worker) is not observed.
func RecordReportFinished(status string, elapsed time.Duration) {
	reportsFinished.WithLabelValues(status).Inc()
	if elapsed > 0 {
		reportDuration.Observe(elapsed.Seconds())
	}
}

// SetQueueDepth reports the number of queued jobs.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordStoreExcluded counts a store dropped from a multi-store report.
func RecordStoreExcluded(reason string) {
	storesExcluded.WithLabelValues(reason).Inc()
}

func RecordRuleSkipped() {
	rulesSkipped.Inc()
}

// RecordImport counts loaded rows per table and stamps the import time.
func RecordImport(counts map[string]int, at time.Time) {
	for table, n := range counts {
		importRows.WithLabelValues(table).Add(float64(n))
	}
	if !at.IsZero() {
		lastImport.Set(float64(at.Unix()))
	}
}
