package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	equipment "safetysync/internal/equipment/domain"
)

// Seeder provisions the sample equipment catalog.
type Seeder struct {
	repo   equipment.Repository
	logger *slog.Logger
}

// NewSeeder constructs a seeder.
func NewSeeder(repo equipment.Repository, logger *slog.Logger) (*Seeder, error) {
	if repo == nil {
		return nil, errors.New("equipment seed: nil repository")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{repo: repo, logger: logger}, nil
}

// Seed saves every item that does not exist yet and returns how many were created.
func (s *Seeder) Seed(ctx context.Context, items []equipment.Equipment) (int, error) {
	created := 0
	for i := range items {
		item := items[i]
		existing, err := s.repo.Get(ctx, item.EquipmentID)
		if err != nil {
			return created, err
		}
		if existing != nil {
			s.logger.Info("equipment exists, skipped", "equipment_id", item.EquipmentID)
			continue
		}
		if err := s.repo.Save(ctx, &item); err != nil {
			return created, err
		}
		created++
		s.logger.Info("equipment created", "equipment_id", item.EquipmentID)
	}
	return created, nil
}

// SampleEquipment returns the demo catalog with dates relative to now.
func SampleEquipment(now time.Time) []equipment.Equipment {
	now = now.UTC()
	days := func(n int) time.Time { return now.AddDate(0, 0, n) }

	return []equipment.Equipment{
		{
			EquipmentID:         "GAS-001",
			EquipmentType:       equipment.TypeGasDetector,
			Manufacturer:        "MSA Safety",
			Model:               "Altair 5X",
			SerialNumber:        "MSA-001-2024",
			Location:            "Zone A - Production Floor",
			InstallationDate:    days(-180),
			LastCalibrationDate: days(-30),
			NextCalibrationDue:  days(60),
			Status:              equipment.StatusActive,
			Metadata: map[string]any{
				"sensor_types":      []string{"O2", "CO", "H2S", "LEL"},
				"wireless":          true,
				"bluetooth_enabled": true,
			},
		},
		{
			EquipmentID:         "GAS-002",
			EquipmentType:       equipment.TypeGasDetector,
			Manufacturer:        "MSA Safety",
			Model:               "Altair 4X",
			SerialNumber:        "MSA-002-2024",
			Location:            "Zone B - Storage Area",
			InstallationDate:    days(-200),
			LastCalibrationDate: days(-45),
			NextCalibrationDue:  days(45),
			Status:              equipment.StatusActive,
			Metadata: map[string]any{
				"sensor_types": []string{"O2", "CO", "H2S"},
				"wireless":     true,
			},
		},
		{
			EquipmentID:         "TEMP-001",
			EquipmentType:       equipment.TypeTemperatureSensor,
			Manufacturer:        "Honeywell",
			Model:               "T6000",
			SerialNumber:        "HON-TEMP-001",
			Location:            "Zone A - Production Floor",
			InstallationDate:    days(-150),
			LastCalibrationDate: days(-60),
			NextCalibrationDue:  days(30),
			Status:              equipment.StatusActive,
			Metadata:            map[string]any{"range": "-40 to 125°C", "accuracy": "±0.5°C"},
		},
		{
			EquipmentID:         "TEMP-002",
			EquipmentType:       equipment.TypeTemperatureSensor,
			Manufacturer:        "Honeywell",
			Model:               "T6000",
			SerialNumber:        "HON-TEMP-002",
			Location:            "Zone C - Office Space",
			InstallationDate:    days(-120),
			LastCalibrationDate: days(-20),
			NextCalibrationDue:  days(70),
			Status:              equipment.StatusActive,
			Metadata:            map[string]any{"range": "-40 to 125°C", "accuracy": "±0.5°C"},
		},
		{
			EquipmentID:         "PRESS-001",
			EquipmentType:       equipment.TypePressureSensor,
			Manufacturer:        "Emerson",
			Model:               "Rosemount 3051",
			SerialNumber:        "EMR-PRESS-001",
			Location:            "Zone A - Production Floor",
			InstallationDate:    days(-240),
			LastCalibrationDate: days(-90),
			NextCalibrationDue:  days(10),
			Status:              equipment.StatusActive,
			Metadata:            map[string]any{"range": "0-500 psi", "accuracy": "±0.075%"},
		},
		{
			EquipmentID:         "AIR-001",
			EquipmentType:       equipment.TypeAirQualityMonitor,
			Manufacturer:        "IQAir",
			Model:               "AirVisual Pro",
			SerialNumber:        "IQ-AIR-001",
			Location:            "Zone B - Storage Area",
			InstallationDate:    days(-90),
			LastCalibrationDate: days(-15),
			NextCalibrationDue:  days(75),
			Status:              equipment.StatusActive,
			Metadata: map[string]any{
				"sensors":      []string{"PM2.5", "PM10", "CO2", "Temperature", "Humidity"},
				"wifi_enabled": true,
			},
		},
		{
			EquipmentID:         "GAS-003",
			EquipmentType:       equipment.TypeGasDetector,
			Manufacturer:        "Honeywell",
			Model:               "BW Solo",
			SerialNumber:        "HON-GAS-003",
			Location:            "Zone D - Maintenance Area",
			InstallationDate:    days(-300),
			LastCalibrationDate: days(-100),
			NextCalibrationDue:  days(-10),
			Status:              equipment.StatusCalibrationNeeded,
			Metadata: map[string]any{
				"sensor_types": []string{"CO"},
				"wireless":     false,
			},
		},
		{
			EquipmentID:         "TRACK-001",
			EquipmentType:       equipment.TypeLocationTracker,
			Manufacturer:        "Blackline Safety",
			Model:               "G7c",
			SerialNumber:        "BLS-TRACK-001",
			Location:            "Mobile - Field Operations",
			InstallationDate:    days(-60),
			LastCalibrationDate: days(-5),
			NextCalibrationDue:  days(85),
			Status:              equipment.StatusActive,
			Metadata: map[string]any{
				"gps_enabled":    true,
				"cellular":       true,
				"fall_detection": true,
			},
		},
	}
}
