package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	equipment "safetysync/internal/equipment/domain"
	equipmentmemory "safetysync/internal/equipment/infrastructure/memory"
	telemetry "safetysync/internal/telemetry/domain"
	telemetrymemory "safetysync/internal/telemetry/infrastructure/memory"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRegistry() *equipmentmemory.Repository {
	return equipmentmemory.NewRepository(
		equipment.Equipment{EquipmentID: "GAS-001", EquipmentType: equipment.TypeGasDetector, Status: equipment.StatusActive},
		equipment.Equipment{EquipmentID: "TEMP-001", EquipmentType: equipment.TypeTemperatureSensor, Status: equipment.StatusActive},
	)
}

type recorderStub struct {
	mu      sync.Mutex
	records []BatchRecord
	err     error
}

func (r *recorderStub) RecordBatch(_ context.Context, record BatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return r.err
}

func newTestPipeline(t *testing.T, registry equipment.Registry, store telemetry.ReadingStore, opts ...PipelineOption) (*Pipeline, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	base := []PipelineOption{
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	p, err := NewPipeline(registry, store, DefaultPipelineConfig(), append(base, opts...)...)
	require.NoError(t, err)
	return p, clock
}

func at(ts time.Time) *time.Time { return &ts }

func TestIngestBatch_ValidReadings(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 12.5, MetricUnit: "ppm", Timestamp: at(testNow.Add(-time.Minute))},
		{EquipmentID: "TEMP-001", MetricName: "temperature", MetricValue: 21, Timestamp: at(testNow.Add(-time.Minute))},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Received)
	assert.Equal(t, 2, result.TotalInserted)
	assert.Zero(t, result.InvalidCount)
	assert.Zero(t, result.DuplicateCount)
	assert.Zero(t, result.LateArrivalCount)
	assert.NotEmpty(t, result.BatchID)
	assert.Empty(t, result.Error)

	rows := store.Readings()
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, telemetry.DefaultReadingStatus, row.ReadingStatus)
		assert.Equal(t, testNow, row.IngestedAt)
	}
}

func TestIngestBatch_InvalidRecordsAreCounted(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: "not-a-number"},
		{EquipmentID: "NONEXISTENT", MetricName: "co", MetricValue: 3.0},
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 4.0},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TotalInserted)
	assert.Equal(t, 2, result.InvalidCount)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 0, result.Errors[0].Index)
	assert.Equal(t, 1, result.Errors[1].Index)
	assert.Equal(t, telemetry.RejectionInvalid, result.Errors[1].Kind)
	assert.Contains(t, result.Errors[1].Reason, "unknown equipment_id")
}

func TestIngestBatch_MissingFieldsAndMalformed(t *testing.T) {
	p, _ := newTestPipeline(t, testRegistry(), telemetrymemory.NewReadingStore())

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{MetricName: "co", MetricValue: 1.0},
		{EquipmentID: "GAS-001", MetricValue: 1.0},
		{EquipmentID: "GAS-001", MetricName: "co"},
		{Malformed: "record is not an object"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.TotalInserted)
	assert.Equal(t, 4, result.InvalidCount)
	assert.Equal(t, "record is not an object", result.Errors[3].Reason)
}

func TestIngestBatch_ImplausibleValueIsInvalid(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "TEMP-001", MetricName: "temperature", MetricValue: 999999.0},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.InvalidCount)
	assert.Zero(t, result.TotalInserted)
	assert.Zero(t, store.Len())
}

func TestIngestBatch_DuplicateWithinBatch(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)
	ts := testNow.Add(-time.Minute)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0, Timestamp: at(ts)},
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 2.0, Timestamp: at(ts)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalInserted)
	assert.Equal(t, 1, result.DuplicateCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, telemetry.RejectionDuplicate, result.Errors[0].Kind)

	rows := store.Readings()
	require.Len(t, rows, 1)
	assert.Equal(t, 1.0, rows[0].MetricValue)
}

func TestIngestBatch_ReingestIsDuplicate(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)
	batch := []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0, Timestamp: at(testNow.Add(-time.Minute))},
	}

	first, err := p.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TotalInserted)

	second, err := p.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Zero(t, second.TotalInserted)
	assert.Equal(t, 1, second.DuplicateCount)
	assert.Equal(t, 1, store.Len())
	assert.NotEqual(t, first.BatchID, second.BatchID)
}

func TestIngestBatch_LateArrival(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0, Timestamp: at(testNow.Add(-2 * time.Hour))},
		{EquipmentID: "GAS-001", MetricName: "h2s", MetricValue: 1.0, Timestamp: at(testNow.Add(-time.Hour))},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalInserted)
	assert.Equal(t, 1, result.LateArrivalCount)

	rows := store.Readings()
	require.Len(t, rows, 2)
	assert.True(t, rows[0].LateArrival)
	assert.False(t, rows[1].LateArrival)
}

func TestIngestBatch_MissingTimestampUsesIngestionTime(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalInserted)
	assert.Zero(t, result.LateArrivalCount)
	assert.Equal(t, testNow, store.Readings()[0].Timestamp)
}

func TestIngestBatch_ExplicitOutOfRangeTimestampIsInvalid(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0, Timestamp: at(time.Time{})},
		{EquipmentID: "GAS-001", MetricName: "h2s", MetricValue: 1.0, Timestamp: at(time.UnixMilli(math.MinInt64))},
		{EquipmentID: "GAS-001", MetricName: "oxygen", MetricValue: 20.9, Timestamp: at(testNow.Add(-time.Minute))},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.InvalidCount)
	assert.Equal(t, 1, result.TotalInserted)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Reason, "zero time")
	assert.Contains(t, result.Errors[1].Reason, "out of range")
	assert.Equal(t, 1, store.Len())
}

func TestIngestBatch_EmptyBatch(t *testing.T) {
	p, _ := newTestPipeline(t, testRegistry(), telemetrymemory.NewReadingStore())

	result, err := p.IngestBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.Received)
	assert.Zero(t, result.TotalInserted)
}

func TestIngestBatch_LargeBatch(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)

	batch := make([]telemetry.RawReading, 0, 1000)
	for i := 0; i < 1000; i++ {
		batch = append(batch, telemetry.RawReading{
			EquipmentID: "TEMP-001",
			MetricName:  "temperature",
			MetricValue: 20 + float64(i%10),
			Timestamp:   at(testNow.Add(-time.Duration(i+1) * time.Second)),
		})
	}

	result, err := p.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1000, result.TotalInserted)
	assert.Less(t, result.ProcessingTimeMS, 5000.0)
	assert.Equal(t, 1000, store.Len())
}

func TestIngestBatch_CountsNeverExceedReceived(t *testing.T) {
	p, _ := newTestPipeline(t, testRegistry(), telemetrymemory.NewReadingStore())
	ts := testNow.Add(-3 * time.Hour)

	batch := []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0, Timestamp: at(ts)},
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0, Timestamp: at(ts)},
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: true},
		{EquipmentID: "UNKNOWN", MetricName: "co", MetricValue: 1.0},
		{EquipmentID: "TEMP-001", MetricName: "temperature", MetricValue: "22.5"},
	}
	for round := 0; round < 2; round++ {
		result, err := p.IngestBatch(context.Background(), batch)
		require.NoError(t, err)
		assert.LessOrEqual(t, result.TotalInserted+result.InvalidCount+result.DuplicateCount, result.Received)
		assert.LessOrEqual(t, result.LateArrivalCount, result.TotalInserted)
	}
}

func TestIngestBatch_ErrorDetailsAreCapped(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MaxErrorDetails = 2
	p, err := NewPipeline(testRegistry(), telemetrymemory.NewReadingStore(), cfg,
		WithClock(clockwork.NewFakeClockAt(testNow)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	batch := make([]telemetry.RawReading, 5)
	result, err := p.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 5, result.InvalidCount)
	assert.Len(t, result.Errors, 2)
	assert.True(t, result.ErrorsTruncated)
}

type failingRegistry struct{}

func (failingRegistry) ResolveIDs(context.Context, []string) (map[string]struct{}, error) {
	return nil, errors.New("connection refused")
}

type failingStore struct{ err error }

func (s failingStore) Begin(context.Context) (telemetry.ReadingTx, error) { return nil, s.err }

func TestIngestBatch_RegistryFailure(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, failingRegistry{}, store)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, telemetry.ErrStore)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Zero(t, result.TotalInserted)
	assert.Zero(t, store.Len())
}

func TestIngestBatch_StoreFailure(t *testing.T) {
	p, _ := newTestPipeline(t, testRegistry(), failingStore{err: errors.New("pool exhausted")})

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0},
	})
	require.ErrorIs(t, err, telemetry.ErrStore)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "pool exhausted")
}

// conflictStore wraps a memory store and drops the named key at insert time,
// as a concurrent writer would.
type conflictStore struct {
	inner *telemetrymemory.ReadingStore
	drop  telemetry.DedupKey
}

func (s conflictStore) Begin(ctx context.Context) (telemetry.ReadingTx, error) {
	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return conflictTx{ReadingTx: tx, drop: s.drop}, nil
}

type conflictTx struct {
	telemetry.ReadingTx
	drop telemetry.DedupKey
}

func (tx conflictTx) InsertReadings(ctx context.Context, readings []telemetry.StoredReading) ([]telemetry.DedupKey, error) {
	kept := make([]telemetry.StoredReading, 0, len(readings))
	for _, r := range readings {
		if r.Key() != tx.drop {
			kept = append(kept, r)
		}
	}
	return tx.ReadingTx.InsertReadings(ctx, kept)
}

type commitFailTx struct{ telemetry.ReadingTx }

func (commitFailTx) Commit() error { return errors.New("serialization failure") }

type commitFailStore struct{ inner *telemetrymemory.ReadingStore }

func (s commitFailStore) Begin(ctx context.Context) (telemetry.ReadingTx, error) {
	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return commitFailTx{ReadingTx: tx}, nil
}

func TestIngestBatch_ConcurrentBatchesReportStoredRows(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), store)
	batch := []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0, Timestamp: at(testNow.Add(-time.Minute))},
	}

	const workers = 8
	results := make([]telemetry.BatchResult, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.IngestBatch(context.Background(), batch)
			assert.NoError(t, err)
			results[i] = result
		}()
	}
	wg.Wait()

	inserted, duplicates := 0, 0
	for _, result := range results {
		inserted += result.TotalInserted
		duplicates += result.DuplicateCount
	}
	assert.Equal(t, 1, inserted)
	assert.Equal(t, workers-1, duplicates)
	assert.Equal(t, inserted, store.Len())
}

func TestIngestBatch_InsertConflictCountsAsDuplicate(t *testing.T) {
	ts := testNow.Add(-2 * time.Hour)
	inner := telemetrymemory.NewReadingStore()
	store := conflictStore{inner: inner, drop: telemetry.NewDedupKey("GAS-001", "co", ts)}
	p, _ := newTestPipeline(t, testRegistry(), store)

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0, Timestamp: at(ts)},
		{EquipmentID: "GAS-001", MetricName: "h2s", MetricValue: 1.0, Timestamp: at(ts)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalInserted)
	assert.Equal(t, 1, result.DuplicateCount)
	assert.Equal(t, 1, result.LateArrivalCount)
	assert.Equal(t, 1, inner.Len())
}

func TestIngestBatch_CommitFailurePersistsNothing(t *testing.T) {
	inner := telemetrymemory.NewReadingStore()
	p, _ := newTestPipeline(t, testRegistry(), commitFailStore{inner: inner})

	result, err := p.IngestBatch(context.Background(), []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0},
	})
	require.ErrorIs(t, err, telemetry.ErrStore)
	assert.False(t, result.Success)
	assert.Zero(t, result.TotalInserted)
	assert.Zero(t, inner.Len())
}

func TestIngestBatch_RecordsHistory(t *testing.T) {
	recorder := &recorderStub{err: errors.New("history table missing")}
	ids := 0
	p, _ := newTestPipeline(t, testRegistry(), telemetrymemory.NewReadingStore(),
		WithRecorder(recorder),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("batch-%d", ids)
		}),
	)

	ctx := WithSource(context.Background(), "http")
	result, err := p.IngestBatch(ctx, []telemetry.RawReading{
		{EquipmentID: "GAS-001", MetricName: "co", MetricValue: 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-1", result.BatchID)

	require.Len(t, recorder.records, 1)
	record := recorder.records[0]
	assert.Equal(t, "http", record.Source)
	assert.Equal(t, testNow, record.ReceivedAt)
	assert.Equal(t, result, record.Result)
}

func TestNewPipeline_RejectsNilDependencies(t *testing.T) {
	_, err := NewPipeline(nil, telemetrymemory.NewReadingStore(), DefaultPipelineConfig())
	require.Error(t, err)
	_, err = NewPipeline(testRegistry(), nil, DefaultPipelineConfig())
	require.Error(t, err)

	cfg := DefaultPipelineConfig()
	cfg.LateThreshold = 0
	_, err = NewPipeline(testRegistry(), telemetrymemory.NewReadingStore(), cfg)
	require.Error(t, err)
}
