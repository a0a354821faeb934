package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const startedAtKey = "metrics:started_at"

// OperationMetrics receives one observation per database statement.
type OperationMetrics struct {
	Operations  *prometheus.CounterVec   // operation, table, status
	Duration    *prometheus.HistogramVec // operation, table
	Connections prometheus.Gauge
}

// Instrument registers gorm callbacks that record every create, query,
// update, delete and raw statement run through db.
func Instrument(db *gorm.DB, m OperationMetrics) error {
	if db == nil {
		return errors.New("database cannot be nil")
	}

	if m.Operations == nil || m.Duration == nil {
		return errors.New("operation metrics cannot be nil")
	}

	cb := db.Callback()
	err := errors.Join(
		cb.Create().Before("gorm:create").Register("metrics:before_insert", startTimer),
		cb.Create().After("gorm:create").Register("metrics:after_insert", observe("insert", m)),
		cb.Query().Before("gorm:query").Register("metrics:before_select", startTimer),
		cb.Query().After("gorm:query").Register("metrics:after_select", observe("select", m)),
		cb.Update().Before("gorm:update").Register("metrics:before_update", startTimer),
		cb.Update().After("gorm:update").Register("metrics:after_update", observe("update", m)),
		cb.Delete().Before("gorm:delete").Register("metrics:before_delete", startTimer),
		cb.Delete().After("gorm:delete").Register("metrics:after_delete", observe("delete", m)),
		cb.Row().Before("gorm:row").Register("metrics:before_row", startTimer),
		cb.Row().After("gorm:row").Register("metrics:after_row", observe("row", m)),
		cb.Raw().Before("gorm:raw").Register("metrics:before_exec", startTimer),
		cb.Raw().After("gorm:raw").Register("metrics:after_exec", observe("exec", m)),
	)
	if err != nil {
		return fmt.Errorf("failed to register metrics callbacks: %w", err)
	}
	return nil
}

func startTimer(tx *gorm.DB) {
	tx.InstanceSet(startedAtKey, time.Now())
}

func observe(operation string, m OperationMetrics) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		table := tx.Statement.Table
		if table == "" {
			table = "none"
		}

		status := "success"
		if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			status = "error"
		}
		m.Operations.WithLabelValues(operation, table, status).Inc()

		if v, ok := tx.InstanceGet(startedAtKey); ok {
			if started, ok := v.(time.Time); ok {
				m.Duration.WithLabelValues(operation, table).Observe(time.Since(started).Seconds())
			}
		}

		if m.Connections != nil {
			if sqlDB, err := tx.DB(); err == nil {
				m.Connections.Set(float64(sqlDB.Stats().InUse))
			}
		}
	}
}
