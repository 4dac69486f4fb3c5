// Package db owns everything below the validation gate: connection
// descriptors, pooled drivers for PostgreSQL and DuckDB, and the session
// manager that executes exactly one statement at a time.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AkhildevCV/mindsql-package/internal/schema"
)

// ErrConnection marks connection establishment failures after retries are
// exhausted. Execution errors are never retried and never wrapped in it.
var ErrConnection = errors.New("db: connection failed")

// Dialect identifies a backend family. Upstream code never branches on it;
// it exists for error context and metrics labels.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"
)

// ExecError is the normalized form of a driver execution failure.
type ExecError struct {
	Dialect Dialect
	Code    string
	Message string
}

func (e *ExecError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s execution failed (%s): %s", e.Dialect, e.Code, e.Message)
	}
	return fmt.Sprintf("%s execution failed: %s", e.Dialect, e.Message)
}

// Result carries the rows of a single statement. Rows hold driver-native
// values normalized so []byte never leaks to the renderer.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	Duration     time.Duration
}

// Driver is one live backend handle. Implementations pool internally;
// Execute acquires and releases per call on every exit path.
type Driver interface {
	Dialect() Dialect
	// Database is the logical database identity, used as the schema cache key.
	Database() string
	Ping(ctx context.Context) error
	Introspect(ctx context.Context) (schema.Snapshot, error)
	// Execute runs one statement. mutates selects the transactional write
	// path; reads run outside a transaction.
	Execute(ctx context.Context, sql string, mutates bool) (Result, error)
	Close()
}
