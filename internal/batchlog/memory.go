package batchlog

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore keeps batch history in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Save stores or replaces an entry.
func (s *MemoryStore) Save(ctx context.Context, entry Entry) error {
	_ = ctx
	if s == nil {
		return errors.New("batchlog memory store: nil store")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.BatchID] = entry
	return nil
}

// Get loads an entry by batch id.
func (s *MemoryStore) Get(ctx context.Context, batchID string) (*Entry, error) {
	_ = ctx
	if s == nil {
		return nil, errors.New("batchlog memory store: nil store")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[batchID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// List returns entries newest first.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	_ = ctx
	if s == nil {
		return nil, errors.New("batchlog memory store: nil store")
	}
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if filter.Source != "" && entry.Source != filter.Source {
			continue
		}
		if !filter.Since.IsZero() && entry.ReceivedAt.Before(filter.Since) {
			continue
		}
		out = append(out, entry)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].BatchID > out[j].BatchID
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
