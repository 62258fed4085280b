package batchlog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"safetysync/internal/observability/metrics"
)

const batchesPath = "/api/v1/ingest/batches"

// Handler serves batch history under /api/v1/ingest/batches.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler constructs a handler.
func NewHandler(store Store, logger *slog.Logger) (*Handler, error) {
	if store == nil {
		return nil, errors.New("batchlog handler: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}, nil
}

// ServeHTTP routes list, get and export requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == batchesPath {
		h.handleList(w, r)
		return
	}
	rest, ok := strings.CutPrefix(path, batchesPath+"/")
	if !ok || rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		h.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "export":
		h.handleExport(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ListFilter{Source: query.Get("source")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = since
	}

	entries, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list batches failed", "error", err)
		http.Error(w, "query batches error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, batchID string) {
	entry, err := h.store.Get(r.Context(), batchID)
	if err != nil {
		h.logger.Error("get batch failed", "batch_id", batchID, "error", err)
		http.Error(w, "query batch error", http.StatusInternalServerError)
		return
	}
	if entry == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, batchID string) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "xlsx"
	}
	var (
		build       func(Entry) ([]byte, error)
		contentType string
	)
	switch format {
	case "xlsx":
		build = BuildBatchReportXLSX
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		build = BuildBatchReportPDF
		contentType = "application/pdf"
	default:
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}

	result := metrics.ResultSuccess
	defer func() {
		metrics.IncBatchReportExport(format, result)
	}()

	entry, err := h.store.Get(r.Context(), batchID)
	if err != nil {
		result = metrics.ResultError
		h.logger.Error("get batch failed", "batch_id", batchID, "error", err)
		http.Error(w, "query batch error", http.StatusInternalServerError)
		return
	}
	if entry == nil {
		result = metrics.ResultError
		http.Error(w, ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	data, err := build(*entry)
	if err != nil {
		result = metrics.ResultError
		h.logger.Error("export batch report failed", "batch_id", batchID, "format", format, "error", err)
		http.Error(w, "export "+format+" error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+batchID+`.`+format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
