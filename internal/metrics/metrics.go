package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the audit pipeline counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RecordsWritten *prometheus.CounterVec
	RecordFailures prometheus.Counter
	QueueOverflow  prometheus.Counter
	QueueDepth     prometheus.Gauge
	LedgerLines    prometheus.Counter
	LedgerFailures prometheus.Counter
	LedgerDirect   prometheus.Counter
	ExportsWritten prometheus.Counter
	ExportDuration prometheus.Histogram
	ExportsPruned  prometheus.Counter
}

// New registers the metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditcore_records_written_total",
			Help: "Audit records persisted, by operation type",
		}, []string{"operation"}),
		RecordFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_record_failures_total",
			Help: "Audit records that could not be built or persisted",
		}),
		QueueOverflow: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_queue_overflow_total",
			Help: "Submissions that found the audit queue full and were recorded out of band",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "auditcore_queue_depth",
			Help: "Audit submissions waiting for a worker",
		}),
		LedgerLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_ledger_lines_total",
			Help: "Lines appended to the text ledger",
		}),
		LedgerFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_ledger_failures_total",
			Help: "Ledger append batches that failed",
		}),
		LedgerDirect: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_ledger_direct_appends_total",
			Help: "Persisted records appended to the ledger outside the batcher",
		}),
		ExportsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_exports_written_total",
			Help: "Spreadsheet exports written",
		}),
		ExportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditcore_export_duration_seconds",
			Help:    "Time spent writing a spreadsheet export",
			Buckets: prometheus.DefBuckets,
		}),
		ExportsPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_export_buckets_pruned_total",
			Help: "Day buckets removed by retention pruning",
		}),
	}
}

func (m *Metrics) IncRecordsWritten(operation string) {
	if m == nil {
		return
	}
	m.RecordsWritten.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncRecordFailures() {
	if m == nil {
		return
	}
	m.RecordFailures.Inc()
}

func (m *Metrics) IncQueueOverflow() {
	if m == nil {
		return
	}
	m.QueueOverflow.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) AddLedgerLines(n int) {
	if m == nil {
		return
	}
	m.LedgerLines.Add(float64(n))
}

func (m *Metrics) IncLedgerFailures() {
	if m == nil {
		return
	}
	m.LedgerFailures.Inc()
}

func (m *Metrics) IncLedgerDirect() {
	if m == nil {
		return
	}
	m.LedgerDirect.Inc()
}

// ObserveExport records a finished export and its duration in seconds.
func (m *Metrics) ObserveExport(seconds float64) {
	if m == nil {
		return
	}
	m.ExportsWritten.Inc()
	m.ExportDuration.Observe(seconds)
}

func (m *Metrics) AddPruned(n int) {
	if m == nil {
		return
	}
	m.ExportsPruned.Add(float64(n))
}
