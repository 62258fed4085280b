package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"safetysync/internal/batchlog"
	equipmentapp "safetysync/internal/equipment/application"
	equipmentpostgres "safetysync/internal/equipment/infrastructure/postgres"
	"safetysync/internal/observability/metrics"
	"safetysync/internal/platform/postgres"
	"safetysync/internal/telemetry/application"
	telemetrymqtt "safetysync/internal/telemetry/interfaces/mqtt"
)

var (
	verbose bool

	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "safetysync",
	Short: "SafetySync sensor reading ingestion service",
	Long: `SafetySync ingests readings from safety equipment sensors, validates them
against the equipment registry and plausibility ranges, drops duplicates,
flags late arrivals and stores the rest in Postgres.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("safetysync %s (commit: %s)\n", version, commit)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion HTTP API and optional MQTT consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runServe(ctx, newLogger(verbose))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(verbose)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logger.Info("schema migrated", "statements", len(postgres.Statements()))
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register the sample equipment",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(verbose)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		seeder, err := equipmentapp.NewSeeder(equipmentpostgres.NewEquipmentRepository(db), logger)
		if err != nil {
			return err
		}
		created, err := seeder.Seed(cmd.Context(), equipmentapp.SampleEquipment(time.Now().UTC()))
		if err != nil {
			return err
		}
		logger.Info("sample equipment seeded", "created", created)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pipelineCfg, err := application.LoadPipelineConfig()
	if err != nil {
		return err
	}

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics.Init(store.db, logger)

	recorder, err := batchlog.NewRecorder(store.batches)
	if err != nil {
		return err
	}
	pipeline, err := application.NewPipeline(store.equipment, store.readings, pipelineCfg,
		application.WithLogger(logger),
		application.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	handler, err := newRouter(store, pipeline, cfg, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if cfg.MQTTBroker != "" {
		client, err := telemetrymqtt.NewClient(telemetrymqtt.ClientConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			return err
		}
		defer client.Disconnect()

		consumer, err := telemetrymqtt.NewConsumer(client, pipeline, telemetrymqtt.ConsumerConfig{
			Topic:         cfg.MQTTTopic,
			QoS:           byte(cfg.MQTTQoS),
			BatchSize:     cfg.MQTTBatchSize,
			FlushInterval: cfg.MQTTFlushInterval,
			MaxBuffered:   cfg.MQTTMaxBuffered,
		}, telemetrymqtt.WithLogger(logger))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("mqtt consumer stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err = serveHTTP(ctx, server, cfg.ShutdownTimeout, logger)
	cancel()
	wg.Wait()
	return err
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.RFC3339,
	}))
}
