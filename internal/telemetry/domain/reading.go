package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultReadingStatus is applied when a reading carries no status.
const DefaultReadingStatus = "normal"

// RawReading is one untrusted input record of a batch.
type RawReading struct {
	EquipmentID string
	MetricName  string
	// MetricValue holds the value as received: a number, a json.Number or a numeric string.
	MetricValue   any
	MetricUnit    string
	Timestamp     *time.Time
	ReadingStatus string
	// Malformed is set by decoders when the record could not be read at all.
	Malformed string
}

// StoredReading is a reading accepted by the pipeline.
type StoredReading struct {
	EquipmentID   string
	MetricName    string
	MetricValue   float64
	MetricUnit    string
	Timestamp     time.Time
	ReadingStatus string
	LateArrival   bool
	IngestedAt    time.Time
}

// Key returns the dedup key of the reading.
func (r StoredReading) Key() DedupKey {
	return NewDedupKey(r.EquipmentID, r.MetricName, r.Timestamp)
}

// DedupKey identifies a unique reading. Timestamp is UTC at microsecond precision,
// the resolution of the reading table, so keys compare equal with ==.
type DedupKey struct {
	EquipmentID string
	MetricName  string
	Timestamp   time.Time
}

// NewDedupKey builds a normalized key.
func NewDedupKey(equipmentID, metricName string, ts time.Time) DedupKey {
	return DedupKey{
		EquipmentID: equipmentID,
		MetricName:  metricName,
		Timestamp:   NormalizeTimestamp(ts),
	}
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.EquipmentID, k.MetricName, k.Timestamp.Format(time.RFC3339Nano))
}

// NormalizeTimestamp converts ts to UTC and truncates it to microseconds.
func NormalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Microsecond)
}

// CheckTimestamp rejects the zero time and instants outside years 1..9999 UTC,
// which the reading table cannot hold.
func CheckTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return errors.New("timestamp is the zero time")
	}
	if year := ts.UTC().Year(); year < 1 || year > 9999 {
		return fmt.Errorf("timestamp year %d out of range", year)
	}
	return nil
}

var errMissingValue = errors.New("missing metric_value")

// ParseMetricValue converts a received value into a finite float64.
func ParseMetricValue(value any) (float64, error) {
	var parsed float64
	switch v := value.(type) {
	case nil:
		return 0, errMissingValue
	case float64:
		parsed = v
	case float32:
		parsed = float64(v)
	case int:
		parsed = float64(v)
	case int32:
		parsed = float64(v)
	case int64:
		parsed = float64(v)
	case uint:
		parsed = float64(v)
	case uint32:
		parsed = float64(v)
	case uint64:
		parsed = float64(v)
	case *float64:
		if v == nil {
			return 0, errMissingValue
		}
		parsed = *v
	case json.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return 0, fmt.Errorf("metric_value %q is not a number", string(v))
		}
		parsed = f
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, errMissingValue
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, fmt.Errorf("metric_value %q is not a number", v)
		}
		parsed = f
	default:
		return 0, fmt.Errorf("metric_value of type %T is not a number", value)
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, errors.New("metric_value is not finite")
	}
	return parsed, nil
}
