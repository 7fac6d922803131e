package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// SaveBuckets for durable slot writes (fsync bound)
	SaveBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// CallbackBuckets for output plugin callbacks
	CallbackBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}

	// PublishBuckets for sink deliveries (network bound)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Retention Metrics
var (
	// SlotConfirmedLSN tracks each slot's confirmed flush position
	SlotConfirmedLSN GaugeVec = noopGaugeVec{}

	// SlotRestartLSN tracks each slot's restart position
	SlotRestartLSN GaugeVec = noopGaugeVec{}

	// SlotCatalogXmin tracks each slot's enforced catalog xmin
	SlotCatalogXmin GaugeVec = noopGaugeVec{}

	// SlotsActive tracks slots currently owned by a session
	SlotsActive Gauge = NoopStat{}

	// CandidateProposalsTotal counts proposals by track (xmin, restart) and result (adopted, pending, dropped, stale)
	CandidateProposalsTotal CounterVec = noopCounterVec{}

	// CandidateAdoptionsTotal counts adopted candidates by track
	CandidateAdoptionsTotal CounterVec = noopCounterVec{}

	// SlotSaveSeconds measures durable slot writes
	SlotSaveSeconds Histogram = NoopStat{}

	// SlotSaveFailuresTotal counts failed slot writes
	SlotSaveFailuresTotal Counter = NoopStat{}

	// OldestCatalogXmin tracks the installation-wide oldest catalog xmin
	OldestCatalogXmin Gauge = NoopStat{}

	// WALOldestLSN tracks the truncation point of the write-ahead log
	WALOldestLSN Gauge = NoopStat{}
)

// Decoding Metrics
var (
	// RecordsDecodedTotal counts WAL records read by kind
	RecordsDecodedTotal CounterVec = noopCounterVec{}

	// CallbackSeconds measures plugin callback latency by callback kind
	CallbackSeconds HistogramVec = noopHistogramVec{}

	// CallbackErrorsTotal counts plugin callback failures by callback kind
	CallbackErrorsTotal CounterVec = noopCounterVec{}

	// SessionsActive tracks open decoding sessions
	SessionsActive Gauge = NoopStat{}

	// RecoveryConflictsTotal counts sessions found conflicting with an applied catalog xmin
	RecoveryConflictsTotal Counter = NoopStat{}

	// RecoverySignalsTotal counts termination signals sent to conflicting sessions
	RecoverySignalsTotal Counter = NoopStat{}
)

// Publisher Metrics
var (
	// PublishTotal counts sink deliveries by slot and result (success, failed)
	PublishTotal CounterVec = noopCounterVec{}

	// PublishSeconds measures sink delivery latency by slot
	PublishSeconds HistogramVec = noopHistogramVec{}

	// PublishRetriesTotal counts delivery retries by slot
	PublishRetriesTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	SlotConfirmedLSN = NewGaugeVec(
		"slot_confirmed_lsn",
		"Confirmed flush position of each slot",
		[]string{"slot"},
	)
	SlotRestartLSN = NewGaugeVec(
		"slot_restart_lsn",
		"Restart position of each slot",
		[]string{"slot"},
	)
	SlotCatalogXmin = NewGaugeVec(
		"slot_catalog_xmin",
		"Enforced catalog xmin of each slot",
		[]string{"slot"},
	)
	SlotsActive = NewGauge(
		"slots_active",
		"Number of slots owned by a session",
	)
	CandidateProposalsTotal = NewCounterVec(
		"candidate_proposals_total",
		"Retention candidate proposals by track and result",
		[]string{"track", "result"},
	)
	CandidateAdoptionsTotal = NewCounterVec(
		"candidate_adoptions_total",
		"Retention candidates adopted by track",
		[]string{"track"},
	)
	SlotSaveSeconds = NewHistogramWithBuckets(
		"slot_save_seconds",
		"Durable slot write latency",
		SaveBuckets,
	)
	SlotSaveFailuresTotal = NewCounter(
		"slot_save_failures_total",
		"Failed durable slot writes",
	)
	OldestCatalogXmin = NewGauge(
		"oldest_catalog_xmin",
		"Installation-wide oldest catalog xmin",
	)
	WALOldestLSN = NewGauge(
		"wal_oldest_lsn",
		"Oldest position retained in the write-ahead log",
	)

	RecordsDecodedTotal = NewCounterVec(
		"records_decoded_total",
		"WAL records read by decoding sessions",
		[]string{"kind"},
	)
	CallbackSeconds = NewHistogramVec(
		"callback_seconds",
		"Output plugin callback latency",
		[]string{"callback"},
		CallbackBuckets,
	)
	CallbackErrorsTotal = NewCounterVec(
		"callback_errors_total",
		"Output plugin callback failures",
		[]string{"callback"},
	)
	SessionsActive = NewGauge(
		"sessions_active",
		"Open decoding sessions",
	)
	RecoveryConflictsTotal = NewCounter(
		"recovery_conflicts_total",
		"Sessions conflicting with an applied catalog xmin",
	)
	RecoverySignalsTotal = NewCounter(
		"recovery_signals_total",
		"Termination signals sent to conflicting sessions",
	)

	PublishTotal = NewCounterVec(
		"publish_total",
		"Sink deliveries by slot and result",
		[]string{"slot", "result"},
	)
	PublishSeconds = NewHistogramVec(
		"publish_seconds",
		"Sink delivery latency",
		[]string{"slot"},
		PublishBuckets,
	)
	PublishRetriesTotal = NewCounterVec(
		"publish_retries_total",
		"Sink delivery retries",
		[]string{"slot"},
	)
}
