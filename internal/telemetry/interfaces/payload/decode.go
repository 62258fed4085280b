package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	telemetry "safetysync/internal/telemetry/domain"
)

// ErrInvalidBody is returned when the body is not a JSON batch at all.
// Problems inside a single record never fail the batch.
var ErrInvalidBody = errors.New("payload: invalid batch body")

type envelope struct {
	Readings []json.RawMessage `json:"readings"`
}

type record struct {
	EquipmentID   string          `json:"equipment_id"`
	MetricName    string          `json:"metric_name"`
	MetricValue   any             `json:"metric_value"`
	MetricUnit    string          `json:"metric_unit"`
	Time          json.RawMessage `json:"time"`
	Timestamp     json.RawMessage `json:"timestamp"`
	ReadingStatus string          `json:"reading_status"`
}

// DecodeBatch reads a batch body: either a JSON array of readings or an object
// holding them under "readings". A record that cannot be decoded is returned
// with Malformed set so the pipeline counts it as invalid.
func DecodeBatch(r io.Reader) ([]telemetry.RawReading, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBody, err)
	}
	return DecodeBatchBytes(body)
}

// DecodeBatchBytes is DecodeBatch over an in-memory body.
func DecodeBatchBytes(body []byte) ([]telemetry.RawReading, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidBody)
	}

	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBody, err)
		}
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBody, err)
		}
		if env.Readings == nil {
			return nil, fmt.Errorf("%w: missing readings", ErrInvalidBody)
		}
		items = env.Readings
	default:
		return nil, fmt.Errorf("%w: expected array or object", ErrInvalidBody)
	}

	readings := make([]telemetry.RawReading, 0, len(items))
	for _, item := range items {
		readings = append(readings, decodeRecord(item))
	}
	return readings, nil
}

// DecodeReading decodes a single reading object, as published on MQTT.
func DecodeReading(body []byte) (telemetry.RawReading, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return telemetry.RawReading{}, fmt.Errorf("%w: expected object", ErrInvalidBody)
	}
	return decodeRecord(trimmed), nil
}

// DecodeMessage decodes an MQTT message body holding either one reading object
// or a batch in any form DecodeBatchBytes accepts.
func DecodeMessage(body []byte) ([]telemetry.RawReading, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe struct {
			Readings json.RawMessage `json:"readings"`
		}
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBody, err)
		}
		if probe.Readings == nil {
			reading, err := DecodeReading(trimmed)
			if err != nil {
				return nil, err
			}
			return []telemetry.RawReading{reading}, nil
		}
	}
	return DecodeBatchBytes(trimmed)
}

func decodeRecord(item json.RawMessage) telemetry.RawReading {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return telemetry.RawReading{Malformed: "record is not an object"}
	}

	var rec record
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return telemetry.RawReading{Malformed: "malformed record: " + err.Error()}
	}

	reading := telemetry.RawReading{
		EquipmentID:   rec.EquipmentID,
		MetricName:    rec.MetricName,
		MetricValue:   rec.MetricValue,
		MetricUnit:    rec.MetricUnit,
		ReadingStatus: rec.ReadingStatus,
	}

	raw := rec.Time
	if isAbsent(raw) {
		raw = rec.Timestamp
	}
	if !isAbsent(raw) {
		ts, err := parseTimestamp(raw)
		if err != nil {
			reading.Malformed = err.Error()
			return reading
		}
		reading.Timestamp = &ts
	}
	return reading
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// maxUnixMilli is 9999-12-31T23:59:59.999Z.
const maxUnixMilli = 253402300799999

// parseTimestamp accepts RFC 3339 strings, naive ISO strings taken as UTC,
// and unix seconds or milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	ts, err := decodeTimestamp(raw)
	if err != nil {
		return time.Time{}, err
	}
	if err := telemetry.CheckTimestamp(ts); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s: %w", bytes.TrimSpace(raw), err)
	}
	return ts, nil
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		text = strings.TrimSpace(text)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, text); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q", text)
	}

	value, err := strconv.ParseFloat(string(bytes.TrimSpace(raw)), 64)
	if err != nil || value <= 0 || value > maxUnixMilli {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(int64(value)).UTC(), nil
	}
	sec := int64(value)
	nsec := int64((value - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC(), nil
}
