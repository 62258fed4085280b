package telemetrymqtt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"safetysync/internal/observability/metrics"
	"safetysync/internal/telemetry/application"
	telemetry "safetysync/internal/telemetry/domain"
	"safetysync/internal/telemetry/interfaces/payload"
)

const (
	// SourceMQTT labels batches assembled from MQTT messages.
	SourceMQTT = "mqtt"

	defaultBatchSize     = 500
	defaultFlushInterval = 2 * time.Second
	// Default buffer cap, in batches.
	defaultBufferBatches = 10
)

// Subscriber is the part of the MQTT client the consumer uses.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
}

// BatchIngester runs one batch through the ingestion pipeline.
type BatchIngester interface {
	IngestBatch(ctx context.Context, readings []telemetry.RawReading) (telemetry.BatchResult, error)
}

// ConsumerConfig controls subscription and buffering.
type ConsumerConfig struct {
	Topic         string
	QoS           byte
	BatchSize     int
	FlushInterval time.Duration
	// MaxBuffered caps readings held between flushes; readings above it are dropped.
	MaxBuffered int
}

// Consumer buffers readings from an MQTT topic and ingests them in batches,
// flushing when the buffer reaches BatchSize or every FlushInterval.
type Consumer struct {
	sub      Subscriber
	ingester BatchIngester
	cfg      ConsumerConfig
	clock    clockwork.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	buffer []telemetry.RawReading
	full   chan struct{}
}

// ConsumerOption customizes the consumer.
type ConsumerOption func(*Consumer)

// WithClock sets the clock driving the flush interval.
func WithClock(clock clockwork.Clock) ConsumerOption {
	return func(c *Consumer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer constructs a consumer.
func NewConsumer(sub Subscriber, ingester BatchIngester, cfg ConsumerConfig, opts ...ConsumerOption) (*Consumer, error) {
	if sub == nil {
		return nil, errors.New("mqtt consumer: nil subscriber")
	}
	if ingester == nil {
		return nil, errors.New("mqtt consumer: nil ingester")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt consumer: empty topic")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = defaultBufferBatches * cfg.BatchSize
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = cfg.BatchSize
	}
	c := &Consumer{
		sub:      sub,
		ingester: ingester,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		full:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run subscribes and flushes until ctx is cancelled. Buffered readings are
// ingested before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.sub.Subscribe(c.cfg.Topic, c.cfg.QoS, c.handleMessage); err != nil {
		return err
	}
	c.logger.Info("mqtt consumer started", "topic", c.cfg.Topic, "batch_size", c.cfg.BatchSize, "flush_interval", c.cfg.FlushInterval)

	ticker := c.clock.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.sub.Unsubscribe(c.cfg.Topic); err != nil {
				c.logger.Warn("mqtt unsubscribe failed", "topic", c.cfg.Topic, "error", err)
			}
			c.flush(context.WithoutCancel(ctx), true)
			c.logger.Info("mqtt consumer stopped", "topic", c.cfg.Topic)
			return nil
		case <-ticker.Chan():
			c.flush(ctx, true)
		case <-c.full:
			c.flush(ctx, false)
		}
	}
}

func (c *Consumer) handleMessage(topic string, body []byte) {
	readings, err := payload.DecodeMessage(body)
	if err != nil {
		metrics.IncMQTTMessage(metrics.ResultError)
		c.logger.Warn("mqtt message dropped", "topic", topic, "bytes", len(body), "error", err)
		return
	}
	metrics.IncMQTTMessage(metrics.ResultSuccess)

	c.mu.Lock()
	room := max(c.cfg.MaxBuffered-len(c.buffer), 0)
	dropped := max(len(readings)-room, 0)
	c.buffer = append(c.buffer, readings[:len(readings)-dropped]...)
	reached := len(c.buffer) >= c.cfg.BatchSize
	c.mu.Unlock()

	if dropped > 0 {
		metrics.AddMQTTDropped(dropped)
		c.logger.Warn("mqtt buffer full, readings dropped", "topic", topic, "dropped", dropped, "max_buffered", c.cfg.MaxBuffered)
	}

	if reached {
		select {
		case c.full <- struct{}{}:
		default:
		}
	}
}

// Buffered returns the number of readings waiting for the next flush.
func (c *Consumer) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// flush ingests full batches, and the remainder too when all is set.
func (c *Consumer) flush(ctx context.Context, all bool) {
	for {
		batch := c.take(all)
		if len(batch) == 0 {
			return
		}
		result, err := c.ingester.IngestBatch(application.WithSource(ctx, SourceMQTT), batch)
		if err != nil {
			// The pipeline already logged the failure; readings are not retried.
			c.logger.Error("mqtt batch not stored", "batch_id", result.BatchID, "readings", len(batch), "error", err)
		}
	}
}

// take removes at most BatchSize readings from the buffer. Unless partial
// batches are allowed it returns nothing while the buffer is short of BatchSize.
func (c *Consumer) take(partial bool) []telemetry.RawReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) == 0 || (!partial && len(c.buffer) < c.cfg.BatchSize) {
		return nil
	}
	n := min(len(c.buffer), c.cfg.BatchSize)
	batch := make([]telemetry.RawReading, n)
	copy(batch, c.buffer[:n])
	c.buffer = append(c.buffer[:0], c.buffer[n:]...)
	return batch
}
