package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	storagePostgres = "postgres"
	storageMemory   = "memory"
)

type config struct {
	DatabaseURL     string
	StorageDriver   string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	InsertChunkSize int

	DBMaxIdleConns    int
	DBMaxOpenConns    int
	DBConnMaxLifetime time.Duration
	DBConnectTimeout  time.Duration

	MQTTBroker        string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTTopic         string
	MQTTQoS           int
	MQTTBatchSize     int
	MQTTFlushInterval time.Duration
	MQTTMaxBuffered   int
}

func loadConfig() (config, error) {
	cfg := config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		StorageDriver:     getenvDefault("STORAGE_DRIVER", storagePostgres),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		ShutdownTimeout:   getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxBodyBytes:      int64(getenvIntDefault("INGEST_MAX_BODY_BYTES", 10<<20)),
		InsertChunkSize:   getenvIntDefault("INGEST_CHUNK_SIZE", 5000),
		DBMaxIdleConns:    getenvIntDefault("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:    getenvIntDefault("DB_MAX_OPEN_CONNS", 30),
		DBConnMaxLifetime: getenvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		DBConnectTimeout:  getenvDuration("DB_CONNECT_TIMEOUT", 30*time.Second),
		MQTTBroker:        getenvDefault("MQTT_BROKER", ""),
		MQTTClientID:      getenvDefault("MQTT_CLIENT_ID", "safetysync-ingest"),
		MQTTUsername:      getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:      getenvDefault("MQTT_PASSWORD", ""),
		MQTTTopic:         getenvDefault("MQTT_TOPIC", "safetysync/readings"),
		MQTTQoS:           getenvIntDefault("MQTT_QOS", 1),
		MQTTBatchSize:     getenvIntDefault("MQTT_BATCH_SIZE", 500),
		MQTTFlushInterval: getenvDuration("MQTT_FLUSH_INTERVAL", 2*time.Second),
		MQTTMaxBuffered:   getenvIntDefault("MQTT_MAX_BUFFERED", 5000),
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.StorageDriver {
	case storagePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL or PG_DSN is required")
		}
	case storageMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER %q: want %s or %s", c.StorageDriver, storagePostgres, storageMemory)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS %d: want 0, 1 or 2", c.MQTTQoS)
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
