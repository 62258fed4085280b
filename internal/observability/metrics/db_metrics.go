package metrics

import (
	"database/sql"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func registerDBMetrics(db *sql.DB, logger *slog.Logger) {
	prometheus.MustRegister(collectors.NewDBStatsCollector(db, "safetysync"))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "equipment_calibration_overdue",
			Help: "Equipment whose next calibration is past due",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM equipment WHERE next_calibration_due < NOW()")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "equipment_registered",
			Help: "Equipment rows in the registry",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM equipment")
		},
	))
}

func queryCount(db *sql.DB, logger *slog.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", "error", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
