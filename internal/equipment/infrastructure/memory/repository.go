package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	equipment "safetysync/internal/equipment/domain"
)

// Repository is an in-memory equipment registry.
type Repository struct {
	mu    sync.RWMutex
	items map[string]equipment.Equipment
}

// NewRepository constructs an in-memory repository.
func NewRepository(items ...equipment.Equipment) *Repository {
	repo := &Repository{items: make(map[string]equipment.Equipment, len(items))}
	for _, item := range items {
		repo.items[item.EquipmentID] = item
	}
	return repo
}

// ResolveIDs returns the subset of ids that exist.
func (r *Repository) ResolveIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	_ = ctx
	if r == nil {
		return nil, errors.New("equipment memory repo: nil repo")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := r.items[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

// Get loads equipment by id.
func (r *Repository) Get(ctx context.Context, id string) (*equipment.Equipment, error) {
	_ = ctx
	if r == nil {
		return nil, errors.New("equipment memory repo: nil repo")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

// Save upserts equipment.
func (r *Repository) Save(ctx context.Context, eq *equipment.Equipment) error {
	_ = ctx
	if r == nil {
		return errors.New("equipment memory repo: nil repo")
	}
	if eq == nil {
		return errors.New("equipment memory repo: nil equipment")
	}
	if err := eq.Validate(); err != nil {
		return err
	}
	if eq.Status == "" {
		eq.Status = equipment.StatusActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.items[eq.EquipmentID]; ok {
		eq.CreatedAt = existing.CreatedAt
	}
	if eq.CreatedAt.IsZero() {
		eq.CreatedAt = now
	}
	eq.UpdatedAt = now
	r.items[eq.EquipmentID] = *eq
	return nil
}

// CountCalibrationOverdue counts equipment whose next calibration is past due.
func (r *Repository) CountCalibrationOverdue(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	if r == nil {
		return 0, errors.New("equipment memory repo: nil repo")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, item := range r.items {
		if item.CalibrationOverdue(now) {
			count++
		}
	}
	return count, nil
}
