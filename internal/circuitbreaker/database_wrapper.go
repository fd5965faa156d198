package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const databaseService = "report-store"

// DatabaseWrapper wraps sqlx operations with circuit breaker
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker.
// name is the driver name and labels the breaker metrics.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := db.DriverName()
	config := GetDatabaseConfig().ToConfig()
	config.IsSuccessful = func(err error) bool { return errors.Is(err, sql.ErrNoRows) }
	cb := NewCircuitBreaker(name, config, logger).Instrument(databaseService)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	return dw.cb.Execute(ctx, fn)
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// ExecContext wraps database exec with circuit breaker; the query is rebound for the driver
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.run(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return result, err
}

// GetContext scans a single row into dest
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// SelectContext scans all rows into dest
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// Close closes the underlying pool
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.Open()
}
