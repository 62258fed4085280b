package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "safetysync/internal/telemetry/domain"
)

const (
	defaultReadingsTable = "sensor_readings"
	defaultChunkSize     = 5000
)

// ReadingStore is a Postgres implementation of the reading table.
// Array parameters rely on the pgx driver.
type ReadingStore struct {
	db        *sql.DB
	table     string
	chunkSize int
}

// NewReadingStore constructs a store with the default table name.
func NewReadingStore(db *sql.DB, opts ...ReadingStoreOption) *ReadingStore {
	store := &ReadingStore{db: db, table: defaultReadingsTable, chunkSize: defaultChunkSize}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// ReadingStoreOption configures the store.
type ReadingStoreOption func(*ReadingStore)

// WithTable overrides the default table name.
func WithTable(table string) ReadingStoreOption {
	return func(store *ReadingStore) {
		if table != "" {
			store.table = table
		}
	}
}

// WithChunkSize bounds the rows sent per statement.
func WithChunkSize(size int) ReadingStoreOption {
	return func(store *ReadingStore) {
		if size > 0 {
			store.chunkSize = size
		}
	}
}

// Begin opens a transaction scoped to one batch.
func (s *ReadingStore) Begin(ctx context.Context) (telemetry.ReadingTx, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("reading store: nil db")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &readingTx{tx: tx, table: s.table, chunkSize: s.chunkSize}, nil
}

type readingTx struct {
	tx        *sql.Tx
	table     string
	chunkSize int
}

func (t *readingTx) ExistingKeys(ctx context.Context, keys []telemetry.DedupKey) (map[telemetry.DedupKey]struct{}, error) {
	found := make(map[telemetry.DedupKey]struct{})
	if len(keys) == 0 {
		return found, nil
	}

	query := fmt.Sprintf(`
SELECT r.equipment_id, r.metric_name, r.ts
FROM %s r
JOIN unnest($1::text[], $2::text[], $3::timestamptz[]) AS k(equipment_id, metric_name, ts)
	ON r.equipment_id = k.equipment_id
	AND r.metric_name = k.metric_name
	AND r.ts = k.ts`, t.table)

	for start := 0; start < len(keys); start += t.chunkSize {
		end := min(start+t.chunkSize, len(keys))
		chunk := keys[start:end]

		equipmentIDs := make([]string, len(chunk))
		metricNames := make([]string, len(chunk))
		timestamps := make([]time.Time, len(chunk))
		for i, key := range chunk {
			equipmentIDs[i] = key.EquipmentID
			metricNames[i] = key.MetricName
			timestamps[i] = key.Timestamp
		}

		rows, err := t.tx.QueryContext(ctx, query, equipmentIDs, metricNames, timestamps)
		if err != nil {
			return nil, err
		}
		if err := scanKeys(rows, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (t *readingTx) InsertReadings(ctx context.Context, readings []telemetry.StoredReading) ([]telemetry.DedupKey, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	equipment_id,
	metric_name,
	metric_value,
	metric_unit,
	ts,
	reading_status,
	late_arrival,
	ingested_at
)
SELECT
	k.equipment_id,
	k.metric_name,
	k.metric_value,
	NULLIF(k.metric_unit, ''),
	k.ts,
	k.reading_status,
	k.late_arrival,
	k.ingested_at
FROM unnest(
	$1::text[], $2::text[], $3::float8[], $4::text[],
	$5::timestamptz[], $6::text[], $7::bool[], $8::timestamptz[]
) AS k(equipment_id, metric_name, metric_value, metric_unit, ts, reading_status, late_arrival, ingested_at)
ON CONFLICT (equipment_id, metric_name, ts) DO NOTHING
RETURNING equipment_id, metric_name, ts`, t.table)

	inserted := make(map[telemetry.DedupKey]struct{}, len(readings))
	for start := 0; start < len(readings); start += t.chunkSize {
		end := min(start+t.chunkSize, len(readings))
		chunk := readings[start:end]

		var (
			equipmentIDs = make([]string, len(chunk))
			metricNames  = make([]string, len(chunk))
			values       = make([]float64, len(chunk))
			units        = make([]string, len(chunk))
			timestamps   = make([]time.Time, len(chunk))
			statuses     = make([]string, len(chunk))
			late         = make([]bool, len(chunk))
			ingestedAt   = make([]time.Time, len(chunk))
		)
		for i, r := range chunk {
			if r.EquipmentID == "" || r.MetricName == "" || r.Timestamp.IsZero() {
				return nil, errors.New("reading store: invalid reading")
			}
			equipmentIDs[i] = r.EquipmentID
			metricNames[i] = r.MetricName
			values[i] = r.MetricValue
			units[i] = r.MetricUnit
			timestamps[i] = telemetry.NormalizeTimestamp(r.Timestamp)
			statuses[i] = r.ReadingStatus
			late[i] = r.LateArrival
			ingestedAt[i] = r.IngestedAt.UTC()
		}

		rows, err := t.tx.QueryContext(ctx, query,
			equipmentIDs, metricNames, values, units, timestamps, statuses, late, ingestedAt)
		if err != nil {
			return nil, err
		}
		if err := scanKeys(rows, inserted); err != nil {
			return nil, err
		}
	}

	keys := make([]telemetry.DedupKey, 0, len(inserted))
	for key := range inserted {
		keys = append(keys, key)
	}
	return keys, nil
}

func (t *readingTx) Commit() error {
	return t.tx.Commit()
}

func (t *readingTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// scanKeys drains (equipment_id, metric_name, ts) rows into a key set.
func scanKeys(rows *sql.Rows, into map[telemetry.DedupKey]struct{}) error {
	defer rows.Close()
	for rows.Next() {
		var (
			equipmentID string
			metricName  string
			ts          time.Time
		)
		if err := rows.Scan(&equipmentID, &metricName, &ts); err != nil {
			return err
		}
		into[telemetry.NewDedupKey(equipmentID, metricName, ts)] = struct{}{}
	}
	return rows.Err()
}
