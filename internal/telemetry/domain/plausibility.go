package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownMetricPolicy decides how metrics missing from the range table are treated.
type UnknownMetricPolicy string

const (
	// UnknownMetricAccept checks only that the value is finite.
	UnknownMetricAccept UnknownMetricPolicy = "accept"
	// UnknownMetricReject rejects every metric without a configured range.
	UnknownMetricReject UnknownMetricPolicy = "reject"
)

// Range is an inclusive plausibility interval.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether value lies in the range.
func (r Range) Contains(value float64) bool {
	return value >= r.Min && value <= r.Max
}

// PlausibilityTable maps metric names to plausible value ranges.
type PlausibilityTable struct {
	Ranges  map[string]Range    `yaml:"ranges"`
	Unknown UnknownMetricPolicy `yaml:"unknown_metric"`
}

// DefaultPlausibilityTable covers the metrics reported by the supported equipment types.
func DefaultPlausibilityTable() PlausibilityTable {
	return PlausibilityTable{
		Ranges: map[string]Range{
			"temperature":       {Min: -60, Max: 200},
			"humidity":          {Min: 0, Max: 100},
			"gas_concentration": {Min: 0, Max: 1_000_000},
			"oxygen":            {Min: 0, Max: 100},
			"co":                {Min: 0, Max: 2_000},
			"h2s":               {Min: 0, Max: 500},
			"lel":               {Min: 0, Max: 100},
			"co2":               {Min: 0, Max: 50_000},
			"pm2_5":             {Min: 0, Max: 1_000},
			"pm10":              {Min: 0, Max: 2_000},
			"pressure":          {Min: -15, Max: 10_000},
			"battery_level":     {Min: 0, Max: 100},
			"latitude":          {Min: -90, Max: 90},
			"longitude":         {Min: -180, Max: 180},
		},
		Unknown: UnknownMetricAccept,
	}
}

// Validate checks table invariants.
func (t PlausibilityTable) Validate() error {
	switch t.Unknown {
	case "", UnknownMetricAccept, UnknownMetricReject:
	default:
		return fmt.Errorf("plausibility: unknown metric policy %q", t.Unknown)
	}
	for name, r := range t.Ranges {
		if strings.TrimSpace(name) == "" {
			return errors.New("plausibility: empty metric name")
		}
		if r.Min > r.Max {
			return fmt.Errorf("plausibility: %s min %.3f above max %.3f", name, r.Min, r.Max)
		}
	}
	return nil
}

// Lookup returns the range configured for metric.
func (t PlausibilityTable) Lookup(metric string) (Range, bool) {
	r, ok := t.Ranges[normalizeMetric(metric)]
	return r, ok
}

// Check returns an error describing why value is implausible for metric.
func (t PlausibilityTable) Check(metric string, value float64) error {
	r, ok := t.Lookup(metric)
	if !ok {
		if t.Unknown == UnknownMetricReject {
			return fmt.Errorf("no plausibility range for metric %q", metric)
		}
		return nil
	}
	if !r.Contains(value) {
		return fmt.Errorf("value %g out of range [%g, %g] for %s", value, r.Min, r.Max, metric)
	}
	return nil
}

// Merge returns a copy of t with the ranges of override applied on top.
func (t PlausibilityTable) Merge(override PlausibilityTable) PlausibilityTable {
	merged := PlausibilityTable{
		Ranges:  make(map[string]Range, len(t.Ranges)+len(override.Ranges)),
		Unknown: t.Unknown,
	}
	for name, r := range t.Ranges {
		merged.Ranges[normalizeMetric(name)] = r
	}
	for name, r := range override.Ranges {
		merged.Ranges[normalizeMetric(name)] = r
	}
	if override.Unknown != "" {
		merged.Unknown = override.Unknown
	}
	return merged
}

func normalizeMetric(metric string) string {
	return strings.ToLower(strings.TrimSpace(metric))
}
