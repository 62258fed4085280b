package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	telemetry "safetysync/internal/telemetry/domain"
)

// ReadingStore is an in-memory reading table with a unique dedup key.
// A key inserted by an open transaction is reserved until it commits or
// rolls back; other transactions skip it like an ON CONFLICT DO NOTHING.
type ReadingStore struct {
	mu       sync.RWMutex
	rows     map[telemetry.DedupKey]telemetry.StoredReading
	reserved map[telemetry.DedupKey]struct{}
}

// NewReadingStore constructs an empty store.
func NewReadingStore() *ReadingStore {
	return &ReadingStore{
		rows:     make(map[telemetry.DedupKey]telemetry.StoredReading),
		reserved: make(map[telemetry.DedupKey]struct{}),
	}
}

// Begin opens a transaction. Inserts become visible on Commit.
func (s *ReadingStore) Begin(ctx context.Context) (telemetry.ReadingTx, error) {
	if s == nil {
		return nil, errors.New("reading memory store: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &readingTx{store: s, staged: make(map[telemetry.DedupKey]telemetry.StoredReading)}, nil
}

// Readings returns committed readings ordered by timestamp.
func (s *ReadingStore) Readings() []telemetry.StoredReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]telemetry.StoredReading, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].EquipmentID != out[j].EquipmentID {
			return out[i].EquipmentID < out[j].EquipmentID
		}
		return out[i].MetricName < out[j].MetricName
	})
	return out
}

// Len returns the number of committed readings.
func (s *ReadingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

type readingTx struct {
	store  *ReadingStore
	staged map[telemetry.DedupKey]telemetry.StoredReading
	done   bool
}

func (tx *readingTx) ExistingKeys(ctx context.Context, keys []telemetry.DedupKey) (map[telemetry.DedupKey]struct{}, error) {
	if tx.done {
		return nil, errors.New("reading memory store: transaction done")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	found := make(map[telemetry.DedupKey]struct{})
	for _, key := range keys {
		if _, ok := tx.store.rows[key]; ok {
			found[key] = struct{}{}
		}
	}
	return found, nil
}

func (tx *readingTx) InsertReadings(ctx context.Context, readings []telemetry.StoredReading) ([]telemetry.DedupKey, error) {
	if tx.done {
		return nil, errors.New("reading memory store: transaction done")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	inserted := make([]telemetry.DedupKey, 0, len(readings))
	for _, reading := range readings {
		key := reading.Key()
		if _, ok := tx.store.rows[key]; ok {
			continue
		}
		if _, ok := tx.store.reserved[key]; ok {
			continue
		}
		reading.Timestamp = key.Timestamp
		tx.staged[key] = reading
		tx.store.reserved[key] = struct{}{}
		inserted = append(inserted, key)
	}
	return inserted, nil
}

// Commit publishes staged rows and releases their reservations.
func (tx *readingTx) Commit() error {
	if tx.done {
		return errors.New("reading memory store: transaction done")
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for key, row := range tx.staged {
		tx.store.rows[key] = row
		delete(tx.store.reserved, key)
	}
	tx.staged = nil
	return nil
}

func (tx *readingTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for key := range tx.staged {
		delete(tx.store.reserved, key)
	}
	tx.staged = nil
	return nil
}
