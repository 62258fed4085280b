package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safetysync/internal/batchlog"
	equipmentapp "safetysync/internal/equipment/application"
	equipment "safetysync/internal/equipment/domain"
	equipmentmemory "safetysync/internal/equipment/infrastructure/memory"
	equipmentpostgres "safetysync/internal/equipment/infrastructure/postgres"
	"safetysync/internal/platform/postgres"
	telemetry "safetysync/internal/telemetry/domain"
	telemetrymemory "safetysync/internal/telemetry/infrastructure/memory"
	telemetrypostgres "safetysync/internal/telemetry/infrastructure/postgres"
	telemetryhttp "safetysync/internal/telemetry/interfaces/http"
)

// storage bundles the stores behind one driver.
type storage struct {
	db        *sql.DB
	equipment equipment.Repository
	readings  telemetry.ReadingStore
	batches   batchlog.Store
}

func (s *storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func openDB(ctx context.Context, cfg config, logger *slog.Logger) (*sql.DB, error) {
	return postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnectTimeout:  cfg.DBConnectTimeout,
	}, logger)
}

func openStorage(ctx context.Context, cfg config, logger *slog.Logger) (*storage, error) {
	if cfg.StorageDriver == storageMemory {
		registry := equipmentmemory.NewRepository()
		seeder, err := equipmentapp.NewSeeder(registry, logger)
		if err != nil {
			return nil, err
		}
		if _, err := seeder.Seed(ctx, equipmentapp.SampleEquipment(time.Now().UTC())); err != nil {
			return nil, err
		}
		logger.Warn("memory storage driver: readings are lost on exit")
		return &storage{
			equipment: registry,
			readings:  telemetrymemory.NewReadingStore(),
			batches:   batchlog.NewMemoryStore(),
		}, nil
	}

	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &storage{
		db:        db,
		equipment: equipmentpostgres.NewEquipmentRepository(db),
		readings:  telemetrypostgres.NewReadingStore(db, telemetrypostgres.WithChunkSize(cfg.InsertChunkSize)),
		batches:   batchlog.NewRepository(db),
	}, nil
}

func newRouter(store *storage, ingester telemetryhttp.BatchIngester, cfg config, logger *slog.Logger) (http.Handler, error) {
	ingestHandler, err := telemetryhttp.NewIngestHandler(ingester, logger, telemetryhttp.WithMaxBodyBytes(cfg.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	batchHandler, err := batchlog.NewHandler(store.batches, logger)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/readings/batch", ingestHandler)
	mux.Handle("/api/v1/ingest/batches", batchHandler)
	mux.Handle("/api/v1/ingest/batches/", batchHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if store.db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := postgres.Check(ctx, store.db); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return loggingMiddleware(mux, logger), nil
}

// serveHTTP runs server until ctx ends, then drains in-flight requests.
func serveHTTP(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", resp.status,
			"elapsed", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
