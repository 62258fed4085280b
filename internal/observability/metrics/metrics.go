package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "safetysync_"

	resultSuccess = "success"
	resultError   = "error"

	outcomeInserted  = "inserted"
	outcomeInvalid   = "invalid"
	outcomeDuplicate = "duplicate"
	outcomeLate      = "late"
)

var (
	registerOnce sync.Once

	ingestBatches   *prometheus.CounterVec
	ingestLatency   *prometheus.HistogramVec
	ingestReadings  *prometheus.CounterVec
	ingestErrors    *prometheus.CounterVec
	ingestConflicts prometheus.Counter

	mqttMessages *prometheus.CounterVec
	mqttDropped  prometheus.Counter

	batchLogExports *prometheus.CounterVec
)

// Init registers ingestion metrics and DB-backed gauges. db may be nil.
func Init(db *sql.DB, logger *slog.Logger) {
	registerOnce.Do(func() {
		ingestBatches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_batches_total",
				Help: "Total ingested batches by source and result",
			},
			[]string{"source", "result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_batch_latency_seconds",
				Help:    "Batch ingestion latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "result"},
		)
		ingestReadings = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_readings_total",
				Help: "Total readings by pipeline outcome",
			},
			[]string{"outcome"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingestion infrastructure errors by reason",
			},
			[]string{"reason"},
		)
		ingestConflicts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_insert_conflicts_total",
				Help: "Readings skipped by the unique constraint at insert time",
			},
		)

		mqttMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_messages_total",
				Help: "Total MQTT messages by decode result",
			},
			[]string{"result"},
		)

		mqttDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_readings_dropped_total",
				Help: "Readings dropped because the MQTT buffer was full",
			},
		)

		batchLogExports = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_report_exports_total",
				Help: "Total batch report exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestBatches,
			ingestLatency,
			ingestReadings,
			ingestErrors,
			ingestConflicts,
			mqttMessages,
			mqttDropped,
			batchLogExports,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngestBatch records batch duration and result.
func ObserveIngestBatch(source, result string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if ingestBatches != nil {
		ingestBatches.WithLabelValues(source, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(source, result).Observe(duration.Seconds())
	}
}

// AddIngestReadings adds count readings to an outcome counter.
func AddIngestReadings(outcome string, count int) {
	if count <= 0 {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	if ingestReadings != nil {
		ingestReadings.WithLabelValues(outcome).Add(float64(count))
	}
}

// IncIngestError increments the ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// AddIngestConflicts counts readings dropped by the store's unique constraint.
func AddIngestConflicts(count int) {
	if count <= 0 {
		return
	}
	if ingestConflicts != nil {
		ingestConflicts.Add(float64(count))
	}
}

// IncMQTTMessage counts a received MQTT message.
func IncMQTTMessage(result string) {
	if result == "" {
		result = resultSuccess
	}
	if mqttMessages != nil {
		mqttMessages.WithLabelValues(result).Inc()
	}
}

// AddMQTTDropped counts readings dropped by a full MQTT buffer.
func AddMQTTDropped(count int) {
	if count <= 0 {
		return
	}
	if mqttDropped != nil {
		mqttDropped.Add(float64(count))
	}
}

// IncBatchReportExport counts a batch report export.
func IncBatchReportExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if batchLogExports != nil {
		batchLogExports.WithLabelValues(format, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	OutcomeInserted  = outcomeInserted
	OutcomeInvalid   = outcomeInvalid
	OutcomeDuplicate = outcomeDuplicate
	OutcomeLate      = outcomeLate
)
