package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps an sqlx connection pool with a circuit breaker so
// repeated Postgres failures stop burning request time on dial timeouts.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *Breaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with a circuit breaker.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := New("postgres", DatabaseConfig(), logger)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// PingContext wraps a connectivity check.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// ExecContext wraps statement execution.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// GetContext wraps a single-row query scanned into dest. sql.ErrNoRows is
// passed through without counting as a breaker failure.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var queryErr error
	cbErr := dw.cb.Execute(ctx, func() error {
		queryErr = dw.db.GetContext(ctx, dest, query, args...)
		if queryErr == sql.ErrNoRows {
			return nil
		}
		return queryErr
	})
	if queryErr != nil {
		return queryErr
	}
	return cbErr
}

// SelectContext wraps a multi-row query scanned into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
}

// QueryxContext wraps a multi-row query returning sqlx rows.
func (dw *DatabaseWrapper) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	var rows *sqlx.Rows
	err := dw.cb.Execute(ctx, func() error {
		var queryErr error
		rows, queryErr = dw.db.QueryxContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// BeginTxx starts a transaction through the breaker. Statements inside the
// transaction run unguarded; the breaker charges connection acquisition,
// which is where an unreachable database shows up.
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	err := dw.cb.Execute(ctx, func() error {
		var beginErr error
		tx, beginErr = dw.db.BeginTxx(ctx, opts)
		return beginErr
	})
	return tx, err
}

// Stats exposes pool statistics.
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

// Close closes the pool.
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// SetMaxOpenConns configures the pool.
func (dw *DatabaseWrapper) SetMaxOpenConns(n int) {
	dw.db.SetMaxOpenConns(n)
}

// SetMaxIdleConns configures the pool.
func (dw *DatabaseWrapper) SetMaxIdleConns(n int) {
	dw.db.SetMaxIdleConns(n)
}

// SetConnMaxLifetime configures the pool.
func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// GetDB returns the raw sqlx handle.
func (dw *DatabaseWrapper) GetDB() *sqlx.DB {
	return dw.db
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (dw *DatabaseWrapper) IsOpen() bool {
	return dw.cb.State() == StateOpen
}
