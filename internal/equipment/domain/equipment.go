package equipment

import (
	"context"
	"errors"
	"time"
)

// EquipmentType classifies a physical sensor.
type EquipmentType string

const (
	TypeGasDetector       EquipmentType = "gas_detector"
	TypeTemperatureSensor EquipmentType = "temperature_sensor"
	TypePressureSensor    EquipmentType = "pressure_sensor"
	TypeAirQualityMonitor EquipmentType = "air_quality_monitor"
	TypeLocationTracker   EquipmentType = "location_tracker"
)

// EquipmentStatus is the operational state of a sensor.
type EquipmentStatus string

const (
	StatusActive            EquipmentStatus = "active"
	StatusCalibrationNeeded EquipmentStatus = "calibration_needed"
	StatusInactive          EquipmentStatus = "inactive"
)

// Equipment represents a registered sensor.
type Equipment struct {
	EquipmentID         string
	EquipmentType       EquipmentType
	Manufacturer        string
	Model               string
	SerialNumber        string
	Location            string
	InstallationDate    time.Time
	LastCalibrationDate time.Time
	NextCalibrationDue  time.Time
	Status              EquipmentStatus
	// Metadata is free-form and never interpreted by ingestion.
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks equipment invariants.
func (e Equipment) Validate() error {
	if e.EquipmentID == "" {
		return errors.New("equipment: empty id")
	}
	if !e.EquipmentType.Valid() {
		return errors.New("equipment: invalid type")
	}
	if e.Status != "" && !e.Status.Valid() {
		return errors.New("equipment: invalid status")
	}
	return nil
}

// CalibrationOverdue reports whether the next calibration date has passed.
func (e Equipment) CalibrationOverdue(now time.Time) bool {
	if e.NextCalibrationDue.IsZero() {
		return false
	}
	return e.NextCalibrationDue.Before(now)
}

// Valid reports whether t is a known equipment type.
func (t EquipmentType) Valid() bool {
	switch t {
	case TypeGasDetector, TypeTemperatureSensor, TypePressureSensor, TypeAirQualityMonitor, TypeLocationTracker:
		return true
	}
	return false
}

// Valid reports whether s is a known equipment status.
func (s EquipmentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCalibrationNeeded, StatusInactive:
		return true
	}
	return false
}

// Registry resolves equipment membership for ingestion.
type Registry interface {
	// ResolveIDs returns the subset of ids that exist in the registry.
	ResolveIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// Repository manages equipment persistence.
type Repository interface {
	Registry
	Get(ctx context.Context, id string) (*Equipment, error)
	Save(ctx context.Context, equipment *Equipment) error
}
