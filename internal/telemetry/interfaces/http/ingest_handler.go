package telemetryhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"safetysync/internal/telemetry/application"
	telemetry "safetysync/internal/telemetry/domain"
	"safetysync/internal/telemetry/interfaces/payload"
)

const (
	// SourceHTTP labels batches received over the REST endpoint.
	SourceHTTP = "http"

	defaultMaxBodyBytes = 10 << 20
)

// BatchIngester runs one batch through the ingestion pipeline.
type BatchIngester interface {
	IngestBatch(ctx context.Context, readings []telemetry.RawReading) (telemetry.BatchResult, error)
}

// IngestHandler accepts sensor reading batches.
type IngestHandler struct {
	ingester     BatchIngester
	logger       *slog.Logger
	maxBodyBytes int64
}

// IngestHandlerOption customizes the handler.
type IngestHandlerOption func(*IngestHandler)

// WithMaxBodyBytes bounds the accepted request body.
func WithMaxBodyBytes(limit int64) IngestHandlerOption {
	return func(h *IngestHandler) {
		if limit > 0 {
			h.maxBodyBytes = limit
		}
	}
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingester BatchIngester, logger *slog.Logger, opts ...IngestHandlerOption) (*IngestHandler, error) {
	if ingester == nil {
		return nil, errors.New("ingest handler: nil ingester")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &IngestHandler{ingester: ingester, logger: logger, maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP handles POST /api/v1/readings/batch.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	readings, err := payload.DecodeBatch(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.logger.Warn("reading batch rejected", "remote", r.RemoteAddr, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ctx := application.WithSource(r.Context(), SourceHTTP)
	result, err := h.ingester.IngestBatch(ctx, readings)
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
		if !errors.Is(err, telemetry.ErrStore) {
			result.Success = false
			result.Error = "internal error"
		}
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
