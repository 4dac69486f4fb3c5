package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/AkhildevCV/mindsql-package/internal/schema"
)

// DuckDBDriver runs against an embedded DuckDB database, either file-backed
// or in-memory (empty DSN). database/sql pools connections internally.
type DuckDBDriver struct {
	db       *sql.DB
	database string
}

func OpenDuckDB(target Target) (*DuckDBDriver, error) {
	db, err := sql.Open("duckdb", target.DSN)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &DuckDBDriver{db: db, database: target.Database}, nil
}

func (d *DuckDBDriver) Dialect() Dialect { return DialectDuckDB }
func (d *DuckDBDriver) Database() string { return d.database }
func (d *DuckDBDriver) Close()           { _ = d.db.Close() }

func (d *DuckDBDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// AttachParquet exposes a set of parquet files as a queryable view, so a
// session can ask questions over raw files without loading them first.
func (d *DuckDBDriver) AttachParquet(ctx context.Context, table string, paths []string) error {
	if table == "" || len(paths) == 0 {
		return fmt.Errorf("attach parquet: table name and at least one path required")
	}
	viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`,
		quoteIdent(table), quoteStringArray(paths))
	if _, err := d.db.ExecContext(ctx, viewSQL); err != nil {
		return fmt.Errorf("create view for %q: %w", table, err)
	}
	return nil
}

const duckColumnsQuery = `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`

// Introspect reads the main schema. DuckDB exposes information_schema like
// the network engines do, so the snapshot shape matches across dialects.
// Key constraints are read from duckdb_constraints.
func (d *DuckDBDriver) Introspect(ctx context.Context) (schema.Snapshot, error) {
	tables := map[string]*schema.Table{}
	var order []string

	rows, err := d.db.QueryContext(ctx, duckColumnsQuery)
	if err != nil {
		return schema.Snapshot{}, err
	}
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			_ = rows.Close()
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
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return schema.Snapshot{}, err
	}

	pkRows, err := d.db.QueryContext(ctx, `
SELECT table_name, unnest(constraint_column_names)
FROM duckdb_constraints()
WHERE constraint_type = 'PRIMARY KEY'`)
	if err == nil {
		for pkRows.Next() {
			var table, column string
			if err := pkRows.Scan(&table, &column); err != nil {
				_ = pkRows.Close()
				return schema.Snapshot{}, err
			}
			if t, ok := tables[table]; ok {
				t.PrimaryKey = append(t.PrimaryKey, column)
			}
		}
		_ = pkRows.Close()
		if err := pkRows.Err(); err != nil {
			return schema.Snapshot{}, err
		}
	}

	snap := schema.Snapshot{Database: d.database}
	for _, name := range order {
		snap.Tables = append(snap.Tables, *tables[name])
	}
	return snap, nil
}

// Execute runs one statement. Writes run in a transaction; reads scan
// through generic values so mixed-type columns survive rendering.
func (d *DuckDBDriver) Execute(ctx context.Context, sqlText string, mutates bool) (Result, error) {
	start := time.Now()
	if mutates {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return Result{}, d.normalize(err)
		}
		res, err := tx.ExecContext(ctx, sqlText)
		if err != nil {
			_ = tx.Rollback()
			return Result{}, d.normalize(err)
		}
		if err := tx.Commit(); err != nil {
			return Result{}, d.normalize(err)
		}
		affected, _ := res.RowsAffected()
		return Result{RowsAffected: affected, Duration: time.Since(start)}, nil
	}

	rows, err := d.db.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, d.normalize(err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, d.normalize(err)
	}
	result := Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, d.normalize(err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, d.normalize(err)
	}
	result.RowsAffected = int64(len(result.Rows))
	result.Duration = time.Since(start)
	return result, nil
}

func (d *DuckDBDriver) normalize(err error) error {
	return &ExecError{Dialect: DialectDuckDB, Message: err.Error()}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
