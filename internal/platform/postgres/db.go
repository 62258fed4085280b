package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	// ConnectTimeout bounds the ping retries in Open.
	ConnectTimeout time.Duration
}

// DefaultPoolConfig keeps 10 idle connections, allows 20 more under load and
// recycles connections hourly.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    30,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  30 * time.Second,
	}
}

// Open opens a pgx-backed handle and waits until the database answers.
func Open(ctx context.Context, dsn string, cfg PoolConfig, logger *slog.Logger) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := Connect(ctx, db, cfg, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Connect applies pool settings and pings with exponential backoff.
func Connect(ctx context.Context, db *sql.DB, cfg PoolConfig, logger *slog.Logger) error {
	if db == nil {
		return errors.New("postgres: nil db")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready", "error", err, "retry_in", next)
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(cfg.ConnectTimeout))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}, opts...)
	if err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	logger.Info("database connected", "max_open", cfg.MaxOpenConns, "max_idle", cfg.MaxIdleConns)
	return nil
}

// Check runs a trivial query for health probes.
func Check(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("postgres: nil db")
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres: health check: %w", err)
	}
	return nil
}
