package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	equipment "safetysync/internal/equipment/domain"
	"safetysync/internal/observability/metrics"
	telemetry "safetysync/internal/telemetry/domain"
)

// BatchRecord is the history entry written after each batch.
type BatchRecord struct {
	Source     string
	ReceivedAt time.Time
	Result     telemetry.BatchResult
}

// BatchRecorder persists batch history.
type BatchRecorder interface {
	RecordBatch(ctx context.Context, record BatchRecord) error
}

// Pipeline validates, deduplicates and persists batches of sensor readings.
// It keeps no state between calls.
type Pipeline struct {
	registry equipment.Registry
	store    telemetry.ReadingStore
	cfg      PipelineConfig
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder BatchRecorder
	newID    func() string
}

// PipelineOption customizes the pipeline.
type PipelineOption func(*Pipeline)

// WithClock assigns the clock used for ingestion time and late-arrival checks.
func WithClock(clock clockwork.Clock) PipelineOption {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder assigns a batch history recorder.
func WithRecorder(recorder BatchRecorder) PipelineOption {
	return func(p *Pipeline) {
		p.recorder = recorder
	}
}

// WithIDGenerator overrides batch id generation.
func WithIDGenerator(newID func() string) PipelineOption {
	return func(p *Pipeline) {
		if newID != nil {
			p.newID = newID
		}
	}
}

// NewPipeline constructs an ingestion pipeline.
func NewPipeline(registry equipment.Registry, store telemetry.ReadingStore, cfg PipelineConfig, opts ...PipelineOption) (*Pipeline, error) {
	if registry == nil {
		return nil, errors.New("ingest: nil equipment registry")
	}
	if store == nil {
		return nil, errors.New("ingest: nil reading store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		registry: registry,
		store:    store,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		newID:    NewBatchID,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewBatchID generates a random batch id.
func NewBatchID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "batch-" + hex.EncodeToString(buf)
}

type candidate struct {
	index   int
	reading telemetry.StoredReading
}

// IngestBatch processes one batch. Data-quality problems are only counted in the
// result; a non-nil error wrapping telemetry.ErrStore means nothing was persisted.
func (p *Pipeline) IngestBatch(ctx context.Context, readings []telemetry.RawReading) (telemetry.BatchResult, error) {
	if p == nil {
		return telemetry.BatchResult{}, errors.New("ingest: nil pipeline")
	}
	start := p.clock.Now()
	result := telemetry.BatchResult{
		BatchID:  p.newID(),
		Received: len(readings),
	}
	details := newDetailCollector(p.cfg.MaxErrorDetails)

	candidates, err := p.validate(ctx, readings, start.UTC(), &result, details)
	if err == nil {
		err = p.persist(ctx, candidates, start.UTC(), &result, details)
	}
	result.Errors, result.ErrorsTruncated = details.list()
	p.finish(ctx, start, &result, err)
	return result, err
}

func (p *Pipeline) validate(ctx context.Context, readings []telemetry.RawReading, now time.Time, result *telemetry.BatchResult, details *detailCollector) ([]candidate, error) {
	parsed := make([]candidate, 0, len(readings))
	ids := make([]string, 0)
	seenIDs := make(map[string]struct{})

	for i, raw := range readings {
		reading, reason := p.parse(raw, now)
		if reason != "" {
			result.InvalidCount++
			details.add(telemetry.RecordError{
				Index:       i,
				EquipmentID: raw.EquipmentID,
				MetricName:  raw.MetricName,
				Kind:        telemetry.RejectionInvalid,
				Reason:      reason,
			})
			continue
		}
		parsed = append(parsed, candidate{index: i, reading: reading})
		if _, ok := seenIDs[reading.EquipmentID]; !ok {
			seenIDs[reading.EquipmentID] = struct{}{}
			ids = append(ids, reading.EquipmentID)
		}
	}
	if len(parsed) == 0 {
		return nil, nil
	}

	known, err := p.registry.ResolveIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve equipment: %w", telemetry.ErrStore, err)
	}

	valid := parsed[:0]
	for _, c := range parsed {
		if _, ok := known[c.reading.EquipmentID]; !ok {
			result.InvalidCount++
			details.add(telemetry.RecordError{
				Index:       c.index,
				EquipmentID: c.reading.EquipmentID,
				MetricName:  c.reading.MetricName,
				Kind:        telemetry.RejectionInvalid,
				Reason:      fmt.Sprintf("unknown equipment_id %q", c.reading.EquipmentID),
			})
			continue
		}
		valid = append(valid, c)
	}
	return valid, nil
}

// parse returns the stored form of raw or a non-empty rejection reason.
func (p *Pipeline) parse(raw telemetry.RawReading, now time.Time) (telemetry.StoredReading, string) {
	if raw.Malformed != "" {
		return telemetry.StoredReading{}, raw.Malformed
	}
	equipmentID := strings.TrimSpace(raw.EquipmentID)
	if equipmentID == "" {
		return telemetry.StoredReading{}, "missing equipment_id"
	}
	metricName := strings.TrimSpace(raw.MetricName)
	if metricName == "" {
		return telemetry.StoredReading{}, "missing metric_name"
	}
	value, err := telemetry.ParseMetricValue(raw.MetricValue)
	if err != nil {
		return telemetry.StoredReading{}, err.Error()
	}
	if err := p.cfg.Plausibility.Check(metricName, value); err != nil {
		return telemetry.StoredReading{}, err.Error()
	}

	ts := now
	if raw.Timestamp != nil {
		if err := telemetry.CheckTimestamp(*raw.Timestamp); err != nil {
			return telemetry.StoredReading{}, err.Error()
		}
		ts = *raw.Timestamp
	}
	status := strings.TrimSpace(raw.ReadingStatus)
	if status == "" {
		status = telemetry.DefaultReadingStatus
	}
	return telemetry.StoredReading{
		EquipmentID:   equipmentID,
		MetricName:    metricName,
		MetricValue:   value,
		MetricUnit:    strings.TrimSpace(raw.MetricUnit),
		Timestamp:     telemetry.NormalizeTimestamp(ts),
		ReadingStatus: status,
		IngestedAt:    now,
	}, ""
}

func (p *Pipeline) persist(ctx context.Context, candidates []candidate, now time.Time, result *telemetry.BatchResult, details *detailCollector) (err error) {
	if len(candidates) == 0 {
		return nil
	}

	firstSeen := make(map[telemetry.DedupKey]int, len(candidates))
	unique := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		key := c.reading.Key()
		if first, dup := firstSeen[key]; dup {
			result.DuplicateCount++
			details.add(duplicateError(c, fmt.Sprintf("duplicate of record %d in batch", first)))
			continue
		}
		firstSeen[key] = c.index
		unique = append(unique, c)
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", telemetry.ErrStore, err)
	}
	defer p.release(tx)

	keys := make([]telemetry.DedupKey, 0, len(unique))
	for _, c := range unique {
		keys = append(keys, c.reading.Key())
	}
	existing, err := tx.ExistingKeys(ctx, keys)
	if err != nil {
		return fmt.Errorf("%w: existing keys: %w", telemetry.ErrStore, err)
	}

	pending := make([]candidate, 0, len(unique))
	rows := make([]telemetry.StoredReading, 0, len(unique))
	for _, c := range unique {
		if _, stored := existing[c.reading.Key()]; stored {
			result.DuplicateCount++
			details.add(duplicateError(c, "reading already stored"))
			continue
		}
		c.reading.LateArrival = now.Sub(c.reading.Timestamp) > p.cfg.LateThreshold
		pending = append(pending, c)
		rows = append(rows, c.reading)
	}
	if len(rows) == 0 {
		return nil
	}

	insertedKeys, err := tx.InsertReadings(ctx, rows)
	if err != nil {
		return fmt.Errorf("%w: insert: %w", telemetry.ErrStore, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", telemetry.ErrStore, err)
	}

	inserted := make(map[telemetry.DedupKey]struct{}, len(insertedKeys))
	for _, key := range insertedKeys {
		inserted[key] = struct{}{}
	}
	conflicts := 0
	for _, c := range pending {
		if _, ok := inserted[c.reading.Key()]; !ok {
			conflicts++
			result.DuplicateCount++
			details.add(duplicateError(c, "reading stored concurrently"))
			continue
		}
		result.TotalInserted++
		if c.reading.LateArrival {
			result.LateArrivalCount++
		}
	}
	if conflicts > 0 {
		metrics.AddIngestConflicts(conflicts)
		p.logger.Debug("insert conflicts counted as duplicates", "batch_id", result.BatchID, "conflicts", conflicts)
	}
	return nil
}

func (p *Pipeline) release(tx telemetry.ReadingTx) {
	if err := tx.Rollback(); err != nil {
		p.logger.Warn("ingest: rollback failed", "error", err)
	}
}

func (p *Pipeline) finish(ctx context.Context, start time.Time, result *telemetry.BatchResult, err error) {
	elapsed := p.clock.Since(start)
	result.ProcessingTimeMS = float64(elapsed.Microseconds()) / 1000
	result.Success = err == nil
	source := SourceFromContext(ctx)

	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
		result.Error = err.Error()
		result.TotalInserted = 0
		result.LateArrivalCount = 0
		metrics.IncIngestError("store")
		p.logger.Error("batch ingest failed",
			"batch_id", result.BatchID,
			"source", source,
			"received", result.Received,
			"error", err,
		)
	} else {
		p.logger.Info("batch ingested",
			"batch_id", result.BatchID,
			"source", source,
			"received", result.Received,
			"inserted", result.TotalInserted,
			"invalid", result.InvalidCount,
			"duplicates", result.DuplicateCount,
			"late", result.LateArrivalCount,
			"elapsed", elapsed,
		)
	}
	metrics.ObserveIngestBatch(source, outcome, elapsed)
	metrics.AddIngestReadings(metrics.OutcomeInserted, result.TotalInserted)
	metrics.AddIngestReadings(metrics.OutcomeInvalid, result.InvalidCount)
	metrics.AddIngestReadings(metrics.OutcomeDuplicate, result.DuplicateCount)
	metrics.AddIngestReadings(metrics.OutcomeLate, result.LateArrivalCount)

	if p.recorder == nil {
		return
	}
	record := BatchRecord{Source: source, ReceivedAt: start.UTC(), Result: *result}
	if recErr := p.recorder.RecordBatch(context.WithoutCancel(ctx), record); recErr != nil {
		p.logger.Warn("batch history not recorded", "batch_id", result.BatchID, "error", recErr)
	}
}

func duplicateError(c candidate, reason string) telemetry.RecordError {
	return telemetry.RecordError{
		Index:       c.index,
		EquipmentID: c.reading.EquipmentID,
		MetricName:  c.reading.MetricName,
		Kind:        telemetry.RejectionDuplicate,
		Reason:      reason,
	}
}

type detailCollector struct {
	limit     int
	items     []telemetry.RecordError
	truncated bool
}

func newDetailCollector(limit int) *detailCollector {
	return &detailCollector{limit: limit}
}

func (d *detailCollector) add(item telemetry.RecordError) {
	if d.limit <= 0 {
		return
	}
	if len(d.items) >= d.limit {
		d.truncated = true
		return
	}
	d.items = append(d.items, item)
}

func (d *detailCollector) list() ([]telemetry.RecordError, bool) {
	sort.SliceStable(d.items, func(i, j int) bool { return d.items[i].Index < d.items[j].Index })
	return d.items, d.truncated
}
