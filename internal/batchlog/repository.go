package batchlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	telemetry "safetysync/internal/telemetry/domain"
)

const defaultBatchTable = "ingest_batches"

// Repository stores batch history in Postgres.
type Repository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*Repository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(r *Repository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRepository constructs a batch history repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	repo := &Repository{db: db, table: defaultBatchTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Save writes an entry. Saving the same batch id twice keeps the first row.
func (r *Repository) Save(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("batchlog repo: nil db")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	details, err := json.Marshal(entry.Errors)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	batch_id, source, received_at, success, received, inserted, invalid,
	duplicates, late_arrivals, processing_time_ms, error, errors, errors_truncated
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (batch_id) DO NOTHING`, r.table)
	_, err = r.db.ExecContext(ctx, query,
		entry.BatchID, entry.Source, entry.ReceivedAt.UTC(), entry.Success, entry.Received, entry.Inserted, entry.Invalid,
		entry.Duplicates, entry.LateArrivals, entry.ProcessingTimeMS, nullString(entry.Error), details, entry.ErrorsTruncated)
	return err
}

// Get loads an entry by batch id.
func (r *Repository) Get(ctx context.Context, batchID string) (*Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("batchlog repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT batch_id, source, received_at, success, received, inserted, invalid,
	duplicates, late_arrivals, processing_time_ms, error, errors, errors_truncated
FROM %s
WHERE batch_id = $1`, r.table)

	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns entries newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("batchlog repo: nil db")
	}
	var since any
	if !filter.Since.IsZero() {
		since = filter.Since.UTC()
	}
	query := fmt.Sprintf(`
SELECT batch_id, source, received_at, success, received, inserted, invalid,
	duplicates, late_arrivals, processing_time_ms, error, errors, errors_truncated
FROM %s
WHERE ($1 = '' OR source = $1)
	AND ($2::timestamptz IS NULL OR received_at >= $2)
ORDER BY received_at DESC, batch_id DESC
LIMIT $3`, r.table)

	rows, err := r.db.QueryContext(ctx, query, filter.Source, since, filter.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry      Entry
		receivedAt time.Time
		errText    sql.NullString
		details    []byte
	)
	if err := row.Scan(&entry.BatchID, &entry.Source, &receivedAt, &entry.Success, &entry.Received, &entry.Inserted, &entry.Invalid,
		&entry.Duplicates, &entry.LateArrivals, &entry.ProcessingTimeMS, &errText, &details, &entry.ErrorsTruncated); err != nil {
		return nil, err
	}
	entry.ReceivedAt = receivedAt.UTC()
	entry.Error = errText.String
	if len(details) > 0 {
		var items []telemetry.RecordError
		if err := json.Unmarshal(details, &items); err != nil {
			return nil, fmt.Errorf("batchlog repo: decode errors of %s: %w", entry.BatchID, err)
		}
		entry.Errors = items
	}
	return &entry, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
