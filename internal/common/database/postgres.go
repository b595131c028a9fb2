// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"lifecycle-engine/internal/common/config"
	apperrors "lifecycle-engine/internal/common/errors"

	"github.com/lib/pq"
)

// PostgresClient wraps the SQL database connection. Connection failures are retried
// here with backoff so that callers never retry on their own.
type PostgresClient struct {
	DB           *sql.DB
	dsn          string
	maxRetries   int
	retryBackoff time.Duration
}

// NewPostgres creates a new PostgreSQL client
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	dsn := cfg.GetDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	client := NewPostgresFromDB(db, cfg.MaxRetries, cfg.RetryBackoff)
	client.dsn = dsn
	return client, nil
}

// NewPostgresFromDB wraps an already opened *sql.DB (sqlmock in tests).
func NewPostgresFromDB(db *sql.DB, maxRetries int, retryBackoff time.Duration) *PostgresClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PostgresClient{
		DB:           db,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
	}
}

// DSN returns the connection string, used by pq.Listener.
func (c *PostgresClient) DSN() string {
	return c.dsn
}

// Ping tests the database connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// HealthCheck pings with a bounded timeout and reports a StoreUnavailable error on failure.
func (c *PostgresClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.DB.PingContext(ctx); err != nil {
		return apperrors.NewStoreUnavailableError("health_check", err)
	}
	return nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// Query executes a query that returns rows
func (c *PostgresClient) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := c.retry(ctx, "query", func() error {
		var err error
		rows, err = c.DB.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// QueryRow executes a query that returns at most one row
func (c *PostgresClient) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// Exec executes a query that doesn't return rows
func (c *PostgresClient) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.DB.ExecContext(ctx, query, args...)
}

// WithTransaction runs fn inside a transaction. fn's error rolls back; a nil return commits.
// Begin is retried on connection failures; once retries are spent the error is a StoreUnavailable.
func (c *PostgresClient) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	var tx *sql.Tx
	err := c.retry(ctx, "begin", func() error {
		var err error
		tx, err = c.DB.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		if IsConnectionError(err) {
			return apperrors.NewStoreUnavailableError("transaction", err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if IsConnectionError(err) {
			return apperrors.NewStoreUnavailableError("commit", err)
		}
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// retry runs op up to maxRetries+1 times while it fails with a connection error.
func (c *PostgresClient) retry(ctx context.Context, operation string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsConnectionError(lastErr) {
			return lastErr
		}
		if attempt == c.maxRetries {
			break
		}

		delay := c.retryBackoff * time.Duration(1<<attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return apperrors.NewStoreUnavailableError(operation, ctx.Err())
		}
	}
	return apperrors.NewStoreUnavailableError(operation, lastErr)
}

// IsConnectionError reports whether err means the store could not be reached,
// as opposed to a query or constraint failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		// class 08: connection exception; 57P0x: operator intervention
		return pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P0")
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

// GetDB returns the underlying *sql.DB for compatibility
func (c *PostgresClient) GetDB() *sql.DB {
	return c.DB
}
