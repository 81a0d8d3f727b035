package telemetry

const mib = 1 << 20

// MessageSizeBuckets groups encoded message sizes the same way the
// spez/views/message-size distribution does: 0, 16 MiB, 256 MiB.
var MessageSizeBuckets = []float64{0, 16 * mib, 256 * mib}

// Tailer metrics
var (
	// MessageSizeBytes measures encoded message size per table
	MessageSizeBytes HistogramVec = noopHistogramVec{}

	// RowsEmittedTotal counts rows handed off to the dispatcher per table
	RowsEmittedTotal CounterVec = noopCounterVec{}

	// RowsSuppressedTotal counts rows suppressed by the dedup filter per table
	RowsSuppressedTotal CounterVec = noopCounterVec{}

	// EncodeErrorsTotal counts rows skipped on codec type mismatch
	EncodeErrorsTotal Counter = NoopStat{}

	// PublishErrorsTotal counts failed sink publishes
	PublishErrorsTotal Counter = NoopStat{}

	// PollCyclesTotal counts poll cycles by result (completed, error)
	PollCyclesTotal CounterVec = noopCounterVec{}

	// PollsSkippedTotal counts ticks skipped by the re-entrancy guard
	PollsSkippedTotal Counter = NoopStat{}

	// StreamErrorsTotal counts mid-stream read failures
	StreamErrorsTotal Counter = NoopStat{}

	// DedupEntries tracks the exact map size
	DedupEntries Gauge = NoopStat{}

	// VacuumRunsTotal counts dedup vacuum sweeps
	VacuumRunsTotal Counter = NoopStat{}

	// LastEmittedTimestampSeconds exposes the in-memory watermark
	LastEmittedTimestampSeconds Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	MessageSizeBytes = NewHistogramVec(
		"message_size_bytes",
		"Encoded message size over time",
		[]string{"table"},
		MessageSizeBuckets,
	)
	RowsEmittedTotal = NewCounterVec(
		"rows_emitted_total",
		"Rows handed off to the dispatcher",
		[]string{"table"},
	)
	RowsSuppressedTotal = NewCounterVec(
		"rows_suppressed_total",
		"Rows suppressed by the dedup filter",
		[]string{"table"},
	)
	EncodeErrorsTotal = NewCounter(
		"encode_errors_total",
		"Rows skipped because of a codec type mismatch",
	)
	PublishErrorsTotal = NewCounter(
		"publish_errors_total",
		"Failed sink publishes",
	)
	PollCyclesTotal = NewCounterVec(
		"poll_cycles_total",
		"Poll cycles by result",
		[]string{"result"},
	)
	PollsSkippedTotal = NewCounter(
		"polls_skipped_total",
		"Ticks skipped while a previous cycle was in flight",
	)
	StreamErrorsTotal = NewCounter(
		"stream_errors_total",
		"Mid-stream read failures",
	)
	DedupEntries = NewGauge(
		"dedup_entries",
		"Entries in the dedup exact map",
	)
	VacuumRunsTotal = NewCounter(
		"vacuum_runs_total",
		"Dedup vacuum sweeps executed",
	)
	LastEmittedTimestampSeconds = NewGauge(
		"last_emitted_timestamp_seconds",
		"In-memory watermark as a unix timestamp",
	)
}
