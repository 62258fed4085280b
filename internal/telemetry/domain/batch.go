package telemetry

import (
	"context"
	"errors"
)

// ErrStore marks infrastructure failures of the reading store or the registry.
var ErrStore = errors.New("telemetry: store failure")

// RejectionKind classifies a dropped record.
type RejectionKind string

const (
	RejectionInvalid   RejectionKind = "invalid"
	RejectionDuplicate RejectionKind = "duplicate"
)

// RecordError describes why one record of a batch was not inserted.
type RecordError struct {
	Index       int           `json:"index"`
	EquipmentID string        `json:"equipment_id,omitempty"`
	MetricName  string        `json:"metric_name,omitempty"`
	Kind        RejectionKind `json:"kind"`
	Reason      string        `json:"reason"`
}

// BatchResult summarizes one ingestion call.
type BatchResult struct {
	BatchID          string  `json:"batch_id,omitempty"`
	Success          bool    `json:"success"`
	Received         int     `json:"received"`
	TotalInserted    int     `json:"total_inserted"`
	InvalidCount     int     `json:"invalid_count"`
	DuplicateCount   int     `json:"duplicate_count"`
	LateArrivalCount int     `json:"late_arrival_count"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
	Error            string  `json:"error,omitempty"`
	// Errors holds per-record details, capped by configuration.
	Errors          []RecordError `json:"errors,omitempty"`
	ErrorsTruncated bool          `json:"errors_truncated,omitempty"`
}

// ReadingStore opens a transactional scope over stored readings.
type ReadingStore interface {
	Begin(ctx context.Context) (ReadingTx, error)
}

// ReadingTx is one batch-scoped transaction. Rollback after Commit is a no-op.
type ReadingTx interface {
	// ExistingKeys returns the subset of keys that are already stored.
	ExistingKeys(ctx context.Context, keys []DedupKey) (map[DedupKey]struct{}, error)
	// InsertReadings inserts readings with one set-oriented statement per chunk and
	// returns the keys actually inserted; keys that conflict are skipped.
	InsertReadings(ctx context.Context, readings []StoredReading) ([]DedupKey, error)
	Commit() error
	Rollback() error
}
