package batchlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetysync/internal/telemetry/application"
	telemetry "safetysync/internal/telemetry/domain"
)

var baseTime = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleRecord(id, source string, at time.Time) application.BatchRecord {
	return application.BatchRecord{
		Source:     source,
		ReceivedAt: at,
		Result: telemetry.BatchResult{
			BatchID:          id,
			Success:          true,
			Received:         4,
			TotalInserted:    2,
			InvalidCount:     1,
			DuplicateCount:   1,
			LateArrivalCount: 1,
			ProcessingTimeMS: 1.25,
			Errors: []telemetry.RecordError{
				{Index: 1, EquipmentID: "GAS-001", MetricName: "co", Kind: telemetry.RejectionDuplicate, Reason: "duplicate of record 0 in batch"},
				{Index: 3, EquipmentID: "GAS-404", MetricName: "co", Kind: telemetry.RejectionInvalid, Reason: `unknown equipment_id "GAS-404"`},
			},
		},
	}
}

func TestRecorder_SavesEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	recorder, err := NewRecorder(store)
	require.NoError(t, err)

	require.NoError(t, recorder.RecordBatch(ctx, sampleRecord("batch-1", "http", baseTime)))

	entry, err := store.Get(ctx, "batch-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "http", entry.Source)
	assert.Equal(t, 2, entry.Inserted)
	assert.Equal(t, 1, entry.LateArrivals)
	assert.Len(t, entry.Errors, 2)

	require.Error(t, recorder.RecordBatch(ctx, application.BatchRecord{ReceivedAt: baseTime}))
}

func TestNewRecorder_NilStore(t *testing.T) {
	_, err := NewRecorder(nil)
	require.Error(t, err)
}

func TestMemoryStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i, source := range []string{"http", "mqtt", "http"} {
		entry := EntryFromRecord(sampleRecord("batch-"+string(rune('a'+i)), source, baseTime.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, store.Save(ctx, entry))
	}

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "batch-c", all[0].BatchID)

	httpOnly, err := store.List(ctx, ListFilter{Source: "http", Limit: 1})
	require.NoError(t, err)
	require.Len(t, httpOnly, 1)
	assert.Equal(t, "batch-c", httpOnly[0].BatchID)

	recent, err := store.List(ctx, ListFilter{Since: baseTime.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	missing, err := store.Get(ctx, "batch-z")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListFilter_Limit(t *testing.T) {
	assert.Equal(t, defaultListLimit, ListFilter{}.limit())
	assert.Equal(t, maxListLimit, ListFilter{Limit: 10_000}.limit())
	assert.Equal(t, 7, ListFilter{Limit: 7}.limit())
}
