package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/schema"
)

// PostgresDriver wraps a pgx pool. The pool's health checks replace dead
// idle connections in the background, so a session that sat overnight still
// gets a live connection on the next statement.
type PostgresDriver struct {
	pool     *pgxpool.Pool
	database string
}

func OpenPostgres(ctx context.Context, target Target, cfg config.DBConfig) (*PostgresDriver, error) {
	poolCfg, err := pgxpool.ParseConfig(target.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	return &PostgresDriver{pool: pool, database: target.Database}, nil
}

func (d *PostgresDriver) Dialect() Dialect { return DialectPostgres }
func (d *PostgresDriver) Database() string { return d.database }
func (d *PostgresDriver) Close()           { d.pool.Close() }

func (d *PostgresDriver) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

const (
	columnsQuery = `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'public'
ORDER BY table_name, ordinal_position`

	primaryKeysQuery = `
SELECT tc.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema = 'public'
ORDER BY tc.table_name, kcu.ordinal_position`

	foreignKeysQuery = `
SELECT tc.constraint_name, tc.table_name, kcu.column_name,
       ccu.table_name AS parent_table, ccu.column_name AS parent_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name
 AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = 'public'
ORDER BY tc.constraint_name, kcu.ordinal_position`
)

// Introspect reads the public schema from information_schema. The three
// catalog queries run on one pooled connection so the snapshot is taken
// against a single backend.
func (d *PostgresDriver) Introspect(ctx context.Context) (schema.Snapshot, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return schema.Snapshot{}, err
	}
	defer conn.Release()

	tables := map[string]*schema.Table{}
	var order []string

	rows, err := conn.Query(ctx, columnsQuery)
	if err != nil {
		return schema.Snapshot{}, err
	}
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			rows.Close()
			return schema.Snapshot{}, err
		}
		t, ok := tables[table]
		if !ok {
			t = &schema.Table{Name: table}
			tables[table] = t
			order = append(order, table)
		}
		t.Columns = append(t.Columns, schema.Column{
			Name:     column,
			DataType: dataType,
			Nullable: nullable == "YES",
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return schema.Snapshot{}, err
	}

	rows, err = conn.Query(ctx, primaryKeysQuery)
	if err != nil {
		return schema.Snapshot{}, err
	}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			rows.Close()
			return schema.Snapshot{}, err
		}
		if t, ok := tables[table]; ok {
			t.PrimaryKey = append(t.PrimaryKey, column)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return schema.Snapshot{}, err
	}

	rows, err = conn.Query(ctx, foreignKeysQuery)
	if err != nil {
		return schema.Snapshot{}, err
	}
	// Composite foreign keys arrive as one row per column; group them back
	// together by constraint name.
	type fkKey struct{ constraint, table string }
	fks := map[fkKey]*schema.ForeignKey{}
	var fkOrder []fkKey
	for rows.Next() {
		var constraint, table, column, parentTable, parentColumn string
		if err := rows.Scan(&constraint, &table, &column, &parentTable, &parentColumn); err != nil {
			rows.Close()
			return schema.Snapshot{}, err
		}
		key := fkKey{constraint, table}
		fk, ok := fks[key]
		if !ok {
			fk = &schema.ForeignKey{ParentTable: parentTable}
			fks[key] = fk
			fkOrder = append(fkOrder, key)
		}
		fk.Columns = append(fk.Columns, column)
		fk.ParentColumns = append(fk.ParentColumns, parentColumn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return schema.Snapshot{}, err
	}
	for _, key := range fkOrder {
		if t, ok := tables[key.table]; ok {
			t.ForeignKeys = append(t.ForeignKeys, *fks[key])
		}
	}

	snap := schema.Snapshot{Database: d.database}
	for _, name := range order {
		snap.Tables = append(snap.Tables, *tables[name])
	}
	return snap, nil
}

// Execute runs one statement on a scoped pooled connection. Reads stream
// rows outside a transaction; writes run inside one so a failed statement
// leaves nothing behind.
func (d *PostgresDriver) Execute(ctx context.Context, sql string, mutates bool) (Result, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer conn.Release()

	start := time.Now()
	if mutates {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return Result{}, d.normalize(err)
		}
		tag, err := tx.Exec(ctx, sql)
		if err != nil {
			_ = tx.Rollback(ctx)
			return Result{}, d.normalize(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Result{}, d.normalize(err)
		}
		return Result{RowsAffected: tag.RowsAffected(), Duration: time.Since(start)}, nil
	}

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return Result{}, d.normalize(err)
	}
	defer rows.Close()

	var cols []string
	for _, fd := range rows.FieldDescriptions() {
		cols = append(cols, fd.Name)
	}
	res := Result{Columns: cols}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return Result{}, d.normalize(err)
		}
		res.Rows = append(res.Rows, normalizeValues(vals))
	}
	if err := rows.Err(); err != nil {
		return Result{}, d.normalize(err)
	}
	res.RowsAffected = int64(len(res.Rows))
	res.Duration = time.Since(start)
	return res, nil
}

func (d *PostgresDriver) normalize(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &ExecError{Dialect: DialectPostgres, Code: pgErr.Code, Message: pgErr.Message}
	}
	return &ExecError{Dialect: DialectPostgres, Message: err.Error()}
}

// normalizeValues converts driver byte slices to strings so renderers and
// history records never see raw buffers.
func normalizeValues(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			out[i] = string(b)
			continue
		}
		out[i] = v
	}
	return out
}
