package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	equipment "safetysync/internal/equipment/domain"
)

const defaultEquipmentTable = "equipment"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EquipmentRepository is a Postgres implementation of the equipment registry.
type EquipmentRepository struct {
	db    DBTX
	table string
}

// NewEquipmentRepository constructs a repository.
func NewEquipmentRepository(db DBTX, opts ...EquipmentOption) *EquipmentRepository {
	repo := &EquipmentRepository{db: db, table: defaultEquipmentTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// EquipmentOption configures the repository.
type EquipmentOption func(*EquipmentRepository)

// WithEquipmentTable overrides the default table name.
func WithEquipmentTable(table string) EquipmentOption {
	return func(repo *EquipmentRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// ResolveIDs returns the ids that exist in the registry using a single query.
func (r *EquipmentRepository) ResolveIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("equipment repo: nil db")
	}
	found := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	query := fmt.Sprintf(`
SELECT equipment_id
FROM %s
WHERE equipment_id = ANY($1::text[])`, r.table)

	rows, err := r.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return found, nil
}

// Get loads equipment by id. A missing id returns nil without error.
func (r *EquipmentRepository) Get(ctx context.Context, id string) (*equipment.Equipment, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("equipment repo: nil db")
	}
	if id == "" {
		return nil, errors.New("equipment repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT equipment_id, equipment_type, manufacturer, model, serial_number, location,
	installation_date, last_calibration_date, next_calibration_due, status, metadata,
	created_at, updated_at
FROM %s
WHERE equipment_id = $1
LIMIT 1`, r.table)

	var (
		eq                                  equipment.Equipment
		installed, lastCalibration, nextDue sql.NullTime
		metadata                            []byte
	)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&eq.EquipmentID,
		&eq.EquipmentType,
		&eq.Manufacturer,
		&eq.Model,
		&eq.SerialNumber,
		&eq.Location,
		&installed,
		&lastCalibration,
		&nextDue,
		&eq.Status,
		&metadata,
		&eq.CreatedAt,
		&eq.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	eq.InstallationDate = fromNullTime(installed)
	eq.LastCalibrationDate = fromNullTime(lastCalibration)
	eq.NextCalibrationDue = fromNullTime(nextDue)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &eq.Metadata); err != nil {
			return nil, fmt.Errorf("equipment repo: decode metadata: %w", err)
		}
	}
	eq.CreatedAt = eq.CreatedAt.UTC()
	eq.UpdatedAt = eq.UpdatedAt.UTC()
	return &eq, nil
}

// Save upserts equipment.
func (r *EquipmentRepository) Save(ctx context.Context, eq *equipment.Equipment) error {
	if r == nil || r.db == nil {
		return errors.New("equipment repo: nil db")
	}
	if eq == nil {
		return errors.New("equipment repo: nil equipment")
	}
	if err := eq.Validate(); err != nil {
		return err
	}
	if eq.Status == "" {
		eq.Status = equipment.StatusActive
	}

	metadata := []byte("{}")
	if len(eq.Metadata) > 0 {
		encoded, err := json.Marshal(eq.Metadata)
		if err != nil {
			return fmt.Errorf("equipment repo: encode metadata: %w", err)
		}
		metadata = encoded
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	equipment_id,
	equipment_type,
	manufacturer,
	model,
	serial_number,
	location,
	installation_date,
	last_calibration_date,
	next_calibration_due,
	status,
	metadata
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
)
ON CONFLICT (equipment_id)
DO UPDATE SET
	equipment_type = EXCLUDED.equipment_type,
	manufacturer = EXCLUDED.manufacturer,
	model = EXCLUDED.model,
	serial_number = EXCLUDED.serial_number,
	location = EXCLUDED.location,
	installation_date = EXCLUDED.installation_date,
	last_calibration_date = EXCLUDED.last_calibration_date,
	next_calibration_due = EXCLUDED.next_calibration_due,
	status = EXCLUDED.status,
	metadata = EXCLUDED.metadata,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		eq.EquipmentID,
		string(eq.EquipmentType),
		eq.Manufacturer,
		eq.Model,
		eq.SerialNumber,
		eq.Location,
		toNullTime(eq.InstallationDate),
		toNullTime(eq.LastCalibrationDate),
		toNullTime(eq.NextCalibrationDue),
		string(eq.Status),
		metadata,
	)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if eq.CreatedAt.IsZero() {
		eq.CreatedAt = now
	}
	eq.UpdatedAt = now
	return nil
}

// CountCalibrationOverdue counts equipment whose next calibration is past due.
func (r *EquipmentRepository) CountCalibrationOverdue(ctx context.Context, now time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("equipment repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT COUNT(*)
FROM %s
WHERE next_calibration_due IS NOT NULL AND next_calibration_due < $1`, r.table)

	var count int
	if err := r.db.QueryRowContext(ctx, query, now.UTC()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
