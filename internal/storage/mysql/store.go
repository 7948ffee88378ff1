// Package mysql implements the storage interface against a MySQL-compatible
// server (MySQL 8+ or Dolt in server mode).
//
// Unlike the sqlite backend, multiple engine processes share one server, so
// mutual exclusion for claiming and reaping uses the server's row-locking
// primitive: SELECT ... FOR UPDATE SKIP LOCKED inside the claiming
// transaction. Concurrent claimers and reapers never see the same row.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// Store implements the storage.Storage interface against a MySQL server.
type Store struct {
	db *sql.DB
}

const openMaxElapsed = 30 * time.Second

func newOpenBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openMaxElapsed
	return bo
}

// New connects to the server and ensures the schema exists. The initial ping
// is retried with exponential backoff so a server still starting up does not
// fail the engine.
func New(ctx context.Context, dsn string) (*Store, error) {
	if !strings.Contains(dsn, "parseTime=true") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(newOpenBackoff(), ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// isRetryableError reports whether the error is a transient connection error
// worth retrying. go-sql-driver/mysql has no built-in retry, so reads wrap
// their operation in withRetry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// withRetry executes an operation with backoff for transient errors.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
