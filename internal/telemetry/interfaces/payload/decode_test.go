package payload

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatch_Array(t *testing.T) {
	readings, err := DecodeBatch(strings.NewReader(`[
		{"equipment_id":"GAS-001","metric_name":"co","metric_value":5.2,"metric_unit":"ppm","time":"2025-03-01T08:00:00Z","reading_status":"warning"},
		{"equipment_id":"TEMP-001","metric_name":"temperature","metric_value":"22.5"}
	]`))
	require.NoError(t, err)
	require.Len(t, readings, 2)

	first := readings[0]
	assert.Equal(t, "GAS-001", first.EquipmentID)
	assert.Equal(t, json.Number("5.2"), first.MetricValue)
	assert.Equal(t, "ppm", first.MetricUnit)
	assert.Equal(t, "warning", first.ReadingStatus)
	require.NotNil(t, first.Timestamp)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), *first.Timestamp)
	assert.Empty(t, first.Malformed)

	assert.Equal(t, "22.5", readings[1].MetricValue)
	assert.Nil(t, readings[1].Timestamp)
}

func TestDecodeBatch_Envelope(t *testing.T) {
	readings, err := DecodeBatchBytes([]byte(`{"readings":[{"equipment_id":"GAS-001","metric_name":"co","metric_value":1,"timestamp":1740816000}]}`))
	require.NoError(t, err)
	require.Len(t, readings, 1)
	require.NotNil(t, readings[0].Timestamp)
	assert.Equal(t, time.Unix(1740816000, 0).UTC(), *readings[0].Timestamp)
}

func TestDecodeBatch_MalformedRecordsStayInBatch(t *testing.T) {
	readings, err := DecodeBatchBytes([]byte(`[
		42,
		{"equipment_id":7,"metric_name":"co","metric_value":1},
		{"equipment_id":"GAS-001","metric_name":"co","metric_value":1,"time":"yesterday"},
		{"equipment_id":"GAS-001","metric_name":"co","metric_value":1}
	]`))
	require.NoError(t, err)
	require.Len(t, readings, 4)
	assert.Equal(t, "record is not an object", readings[0].Malformed)
	assert.Contains(t, readings[1].Malformed, "malformed record")
	assert.Contains(t, readings[2].Malformed, "invalid timestamp")
	assert.Equal(t, "GAS-001", readings[2].EquipmentID)
	assert.Empty(t, readings[3].Malformed)
}

func TestDecodeBatch_InvalidBody(t *testing.T) {
	for _, body := range []string{"", "not json", `"text"`, `{"items":[]}`, `[{"a":1}`} {
		_, err := DecodeBatchBytes([]byte(body))
		require.Error(t, err, body)
		assert.True(t, errors.Is(err, ErrInvalidBody), body)
	}
}

func TestDecodeReading(t *testing.T) {
	reading, err := DecodeReading([]byte(`{"equipment_id":"LOC-001","metric_name":"latitude","metric_value":52.1,"time":1740816000123}`))
	require.NoError(t, err)
	require.NotNil(t, reading.Timestamp)
	assert.Equal(t, time.UnixMilli(1740816000123).UTC(), *reading.Timestamp)

	_, err = DecodeReading([]byte(`[1,2]`))
	require.ErrorIs(t, err, ErrInvalidBody)
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Time
	}{
		{`"2025-03-01T08:00:00.123456Z"`, time.Date(2025, 3, 1, 8, 0, 0, 123456000, time.UTC)},
		{`"2025-03-01T10:00:00+02:00"`, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
		{`"2025-03-01T08:00:00"`, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
		{`"2025-03-01 08:00:00"`, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
		{`1740816000`, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
		{`1740816000000`, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := parseTimestamp(json.RawMessage(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.True(t, tc.want.Equal(got), "%s: got %s", tc.raw, got)
	}

	for _, raw := range []string{
		`-1`, `0`, `true`, `"03/01/2025"`,
		`1e20`, `253402300800000`, `999999999999`,
		`"0001-01-01T00:00:00Z"`, `"0001-01-01T00:30:00+01:00"`,
	} {
		_, err := parseTimestamp(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestDecodeBatch_OutOfRangeTimestampIsMalformed(t *testing.T) {
	readings, err := DecodeBatchBytes([]byte(`[
		{"equipment_id":"GAS-001","metric_name":"co","metric_value":1,"timestamp":1e20},
		{"equipment_id":"GAS-001","metric_name":"co","metric_value":1,"time":"0001-01-01T00:00:00Z"},
		{"equipment_id":"GAS-001","metric_name":"co","metric_value":1,"timestamp":253402300799999}
	]`))
	require.NoError(t, err)
	require.Len(t, readings, 3)

	assert.Contains(t, readings[0].Malformed, "invalid timestamp")
	assert.Nil(t, readings[0].Timestamp)
	assert.Contains(t, readings[1].Malformed, "invalid timestamp")
	assert.Empty(t, readings[2].Malformed)
	require.NotNil(t, readings[2].Timestamp)
	assert.Equal(t, 9999, readings[2].Timestamp.Year())
}

func TestDecodeMessage(t *testing.T) {
	single, err := DecodeMessage([]byte(`{"equipment_id":"GAS-001","metric_name":"co","metric_value":1}`))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "GAS-001", single[0].EquipmentID)

	batch, err := DecodeMessage([]byte(`{"readings":[{"equipment_id":"GAS-001"},{"equipment_id":"GAS-002"}]}`))
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	array, err := DecodeMessage([]byte(`[{"equipment_id":"GAS-001"}]`))
	require.NoError(t, err)
	assert.Len(t, array, 1)

	_, err = DecodeMessage([]byte(`{"equipment_id":`))
	require.ErrorIs(t, err, ErrInvalidBody)
}
