package application

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	telemetry "safetysync/internal/telemetry/domain"
)

const (
	defaultLateThreshold   = time.Hour
	defaultMaxErrorDetails = 100
)

// PipelineConfig tunes validation and late-arrival detection.
type PipelineConfig struct {
	LateThreshold   time.Duration               `yaml:"late_threshold"`
	MaxErrorDetails int                         `yaml:"max_error_details"`
	Plausibility    telemetry.PlausibilityTable `yaml:"plausibility"`
}

// DefaultPipelineConfig returns the built-in configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		LateThreshold:   defaultLateThreshold,
		MaxErrorDetails: defaultMaxErrorDetails,
		Plausibility:    telemetry.DefaultPlausibilityTable(),
	}
}

// Validate checks configuration invariants.
func (c PipelineConfig) Validate() error {
	if c.LateThreshold <= 0 {
		return errors.New("ingest config: late threshold must be positive")
	}
	return c.Plausibility.Validate()
}

// LoadPipelineConfig loads config from the yaml file named by INGEST_CONFIG and env overrides.
// Ranges from the file are merged over the built-in table.
func LoadPipelineConfig() (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	if path := os.Getenv("INGEST_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		fileCfg, err := parsePipelineConfig(data)
		if err != nil {
			return cfg, fmt.Errorf("ingest config %s: %w", path, err)
		}
		cfg = mergePipelineConfig(cfg, fileCfg)
	}

	if value := os.Getenv("INGEST_LATE_THRESHOLD"); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return cfg, fmt.Errorf("INGEST_LATE_THRESHOLD: %w", err)
		}
		cfg.LateThreshold = parsed
	}
	if value := os.Getenv("INGEST_MAX_ERROR_DETAILS"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return cfg, fmt.Errorf("INGEST_MAX_ERROR_DETAILS: %w", err)
		}
		cfg.MaxErrorDetails = parsed
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parsePipelineConfig(data []byte) (PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mergePipelineConfig(base, override PipelineConfig) PipelineConfig {
	if override.LateThreshold != 0 {
		base.LateThreshold = override.LateThreshold
	}
	if override.MaxErrorDetails != 0 {
		base.MaxErrorDetails = override.MaxErrorDetails
	}
	base.Plausibility = base.Plausibility.Merge(override.Plausibility)
	return base
}
