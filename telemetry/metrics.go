package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// WatermarkBuckets for the oldest-transaction computation, which
	// read-locks every tracker shard
	WatermarkBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	// TransactionAgeBuckets for how long the oldest transaction has been open
	TransactionAgeBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600}
)

// Session Metrics
var (
	// SessionsInUse tracks sessions currently linked into the registry
	SessionsInUse Gauge = NoopStat{}

	// SessionsQuota tracks the maximum number of sessions
	SessionsQuota Gauge = NoopStat{}

	// SessionLeaksTotal counts sessions that could not be freed on end or teardown
	SessionLeaksTotal Counter = NoopStat{}

	// TransactionLevelOpsTotal counts level changes by op (increment, decrement, set)
	TransactionLevelOpsTotal CounterVec = noop[Counter](NoopStat{})

	// VersionEntries tracks entries across sessions by index (deferred, registered)
	VersionEntries GaugeVec = noop[Gauge](NoopStat{})

	// ActiveTransactions tracks sessions with an outermost transaction open
	ActiveTransactions Gauge = NoopStat{}
)

// Watermark Metrics
var (
	// WatermarkComputationsTotal counts oldest-transaction computations
	WatermarkComputationsTotal Counter = NoopStat{}

	// WatermarkComputeSeconds measures one oldest-transaction computation by
	// trigger (collector, admin)
	WatermarkComputeSeconds HistogramVec = noop[Histogram](NoopStat{})

	// OldestTransactionAgeSeconds tracks how long the oldest open transaction has run
	OldestTransactionAgeSeconds Gauge = NoopStat{}

	// OldestTransactionAge records the oldest-transaction age at each computation
	OldestTransactionAge Histogram = NoopStat{}

	// WatermarkStalenessSeconds tracks time since the cached watermark was computed
	WatermarkStalenessSeconds Gauge = NoopStat{}
)

// Catalog Metrics
var (
	// AttachedDatabases tracks databases attached to the catalog
	AttachedDatabases Gauge = NoopStat{}

	// MacroAbortsTotal counts macro-abort records by result (logged, failed)
	MacroAbortsTotal CounterVec = noop[Counter](NoopStat{})
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Session Metrics
	SessionsInUse = NewGauge(
		"sessions_in_use",
		"Number of sessions linked into the registry",
	)
	SessionsQuota = NewGauge(
		"sessions_quota",
		"Maximum number of sessions",
	)
	SessionLeaksTotal = NewCounter(
		"leaks_total",
		"Sessions that could not be freed on end or teardown",
	)
	TransactionLevelOpsTotal = NewCounterVec(
		"transaction_level_ops_total",
		"Transaction level changes by operation",
		[]string{"op"},
	)
	VersionEntries = NewGaugeVec(
		"version_entries",
		"Version-store entries held by sessions, by index",
		[]string{"index"},
	)
	ActiveTransactions = NewGauge(
		"active_transactions",
		"Sessions with an outermost transaction open",
	)

	// Watermark Metrics
	WatermarkComputationsTotal = NewCounter(
		"watermark_computations_total",
		"Oldest active transaction computations",
	)
	WatermarkComputeSeconds = NewHistogramVec(
		"watermark_compute_seconds",
		"Oldest active transaction computation duration in seconds, by trigger",
		[]string{"trigger"},
		WatermarkBuckets,
	)
	OldestTransactionAgeSeconds = NewGauge(
		"oldest_transaction_age_seconds",
		"Age of the oldest open transaction in seconds",
	)
	OldestTransactionAge = NewHistogram(
		"oldest_transaction_age_observed_seconds",
		"Oldest open transaction age observed at each computation",
		TransactionAgeBuckets,
	)
	WatermarkStalenessSeconds = NewGauge(
		"watermark_staleness_seconds",
		"Seconds since the cached oldest transaction was computed",
	)

	// Catalog Metrics
	AttachedDatabases = NewGauge(
		"attached_databases",
		"Databases attached to the catalog",
	)
	MacroAbortsTotal = NewCounterVec(
		"macro_aborts_total",
		"Macro abort records by result",
		[]string{"result"},
	)
}
