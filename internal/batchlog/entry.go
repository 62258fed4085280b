package batchlog

import (
	"context"
	"errors"
	"time"

	"safetysync/internal/telemetry/application"
	telemetry "safetysync/internal/telemetry/domain"
)

// ErrNotFound is returned by exports for an unknown batch id.
var ErrNotFound = errors.New("batchlog: batch not found")

// Entry is the stored history of one ingestion call.
type Entry struct {
	BatchID          string                  `json:"batch_id"`
	Source           string                  `json:"source"`
	ReceivedAt       time.Time               `json:"received_at"`
	Success          bool                    `json:"success"`
	Received         int                     `json:"received"`
	Inserted         int                     `json:"total_inserted"`
	Invalid          int                     `json:"invalid_count"`
	Duplicates       int                     `json:"duplicate_count"`
	LateArrivals     int                     `json:"late_arrival_count"`
	ProcessingTimeMS float64                 `json:"processing_time_ms"`
	Error            string                  `json:"error,omitempty"`
	Errors           []telemetry.RecordError `json:"errors,omitempty"`
	ErrorsTruncated  bool                    `json:"errors_truncated,omitempty"`
}

// EntryFromRecord flattens a pipeline batch record.
func EntryFromRecord(record application.BatchRecord) Entry {
	res := record.Result
	return Entry{
		BatchID:          res.BatchID,
		Source:           record.Source,
		ReceivedAt:       record.ReceivedAt.UTC(),
		Success:          res.Success,
		Received:         res.Received,
		Inserted:         res.TotalInserted,
		Invalid:          res.InvalidCount,
		Duplicates:       res.DuplicateCount,
		LateArrivals:     res.LateArrivalCount,
		ProcessingTimeMS: res.ProcessingTimeMS,
		Error:            res.Error,
		Errors:           res.Errors,
		ErrorsTruncated:  res.ErrorsTruncated,
	}
}

// Validate checks entry invariants.
func (e Entry) Validate() error {
	if e.BatchID == "" {
		return errors.New("batchlog: empty batch id")
	}
	if e.ReceivedAt.IsZero() {
		return errors.New("batchlog: zero received_at")
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Source string
	Since  time.Time
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// Store persists batch history.
type Store interface {
	Save(ctx context.Context, entry Entry) error
	// Get returns nil, nil when the batch is unknown.
	Get(ctx context.Context, batchID string) (*Entry, error)
	// List returns entries newest first.
	List(ctx context.Context, filter ListFilter) ([]Entry, error)
}

// Recorder adapts a Store to the pipeline's batch recorder.
type Recorder struct {
	store Store
}

// NewRecorder constructs a recorder.
func NewRecorder(store Store) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("batchlog: nil store")
	}
	return &Recorder{store: store}, nil
}

// RecordBatch stores the history entry for one batch.
func (r *Recorder) RecordBatch(ctx context.Context, record application.BatchRecord) error {
	entry := EntryFromRecord(record)
	if err := entry.Validate(); err != nil {
		return err
	}
	return r.store.Save(ctx, entry)
}
