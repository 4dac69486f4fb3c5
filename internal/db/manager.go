package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/observability"
	"github.com/AkhildevCV/mindsql-package/internal/schema"
)

// Opener builds a driver for a parsed target. Tests swap it for fakes.
type Opener func(ctx context.Context, target Target, cfg config.DBConfig) (Driver, error)

// Manager establishes sessions. Connection establishment retries with
// backoff a bounded number of times; statement execution never retries.
type Manager struct {
	cfg    config.DBConfig
	logger *slog.Logger
	open   Opener
}

func NewManager(cfg config.DBConfig, logger *slog.Logger) *Manager {
	m := &Manager{cfg: cfg, logger: logger}
	m.open = defaultOpen
	return m
}

// WithOpener replaces the driver factory. Used by tests.
func (m *Manager) WithOpener(open Opener) *Manager {
	m.open = open
	return m
}

func defaultOpen(ctx context.Context, target Target, cfg config.DBConfig) (Driver, error) {
	switch target.Dialect {
	case DialectPostgres:
		return OpenPostgres(ctx, target, cfg)
	case DialectDuckDB:
		return OpenDuckDB(target)
	}
	return nil, fmt.Errorf("unsupported dialect %q", target.Dialect)
}

// Connect resolves the descriptor and opens a live session. Bare names are
// completed with the configured base DSN.
func (m *Manager) Connect(ctx context.Context, raw string) (*Session, error) {
	target, err := ParseDSN(raw, m.cfg.BaseDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	attempts := m.cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		driver, err := m.open(ctx, target, m.cfg)
		if err == nil {
			if err = driver.Ping(ctx); err == nil {
				m.logger.Info("connected",
					slog.String("database", target.Database),
					slog.String("dialect", string(target.Dialect)),
					slog.Int("attempt", attempt))
				return &Session{target: target, driver: driver, queryTimeout: m.cfg.QueryTimeout}, nil
			}
			driver.Close()
		}
		lastErr = err
		m.logger.Warn("connection attempt failed",
			slog.String("database", target.Database),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
		case <-time.After(m.cfg.ConnectBackoff * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("%w: %q after %d attempts: %v", ErrConnection, target.Database, attempts, lastErr)
}

// SwitchDatabase opens the new target first and closes the old session only
// after the swap succeeds, so a failed switch leaves the current session
// untouched.
func (m *Manager) SwitchDatabase(ctx context.Context, current *Session, raw string) (*Session, error) {
	next, err := m.Connect(ctx, raw)
	if err != nil {
		return nil, err
	}
	if current != nil {
		current.Close()
	}
	return next, nil
}

// Session is one live database handle. Statements execute sequentially
// within a session; the pool underneath may hold several connections.
type Session struct {
	target       Target
	driver       Driver
	queryTimeout time.Duration
}

func (s *Session) Database() string { return s.target.Database }
func (s *Session) Dialect() Dialect { return s.target.Dialect }
func (s *Session) Close() {
	if s.driver != nil {
		s.driver.Close()
	}
}

// TestConnection reports liveness without surfacing the error detail.
func (s *Session) TestConnection(ctx context.Context) bool {
	return s.driver.Ping(ctx) == nil
}

func (s *Session) Introspect(ctx context.Context) (schema.Snapshot, error) {
	return s.driver.Introspect(ctx)
}

// ParquetAttacher is implemented by drivers that can expose parquet files as
// queryable views.
type ParquetAttacher interface {
	AttachParquet(ctx context.Context, table string, paths []string) error
}

// AttachParquet exposes a set of parquet files as a view named table.
// Dialects without file access reject the call.
func (s *Session) AttachParquet(ctx context.Context, table string, paths []string) error {
	attacher, ok := s.driver.(ParquetAttacher)
	if !ok {
		return fmt.Errorf("dialect %s cannot attach parquet files", s.target.Dialect)
	}
	return attacher.AttachParquet(ctx, table, paths)
}

// Execute runs exactly one validated statement within the configured query
// timeout. Execution failures surface immediately; re-running a statement
// is never safe to do silently.
func (s *Session) Execute(ctx context.Context, sql string, mutates bool) (Result, error) {
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}
	res, err := s.driver.Execute(ctx, sql, mutates)
	if err != nil {
		return Result{}, err
	}
	observability.ObserveQueryDuration(string(s.target.Dialect), res.Duration)
	return res, nil
}
