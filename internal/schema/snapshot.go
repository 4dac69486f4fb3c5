package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSchemaRead wraps introspection failures (insufficient privilege, dropped
// connection) so callers can distinguish them from execution errors.
var ErrSchemaRead = errors.New("schema: read failed")

// Column describes one column as declared by the backend.
type Column struct {
	Name     string
	DataType string
	Nullable bool
}

// ForeignKey records a child-to-parent column mapping.
type ForeignKey struct {
	Columns       []string
	ParentTable   string
	ParentColumns []string
}

// Table holds the ordered column list plus key metadata for one table.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

// Snapshot is a point-in-time structural description of one database. It is
// rebuilt wholesale on every refresh and never patched in place.
type Snapshot struct {
	Database string
	Tables   []Table
}

// Introspector enumerates tables and columns without touching user data.
// Dialect drivers implement it.
type Introspector interface {
	Introspect(ctx context.Context) (Snapshot, error)
}

// Refresh builds a fresh snapshot from the live connection. Table order is
// normalized so two refreshes against an unchanged database render
// byte-identically.
func Refresh(ctx context.Context, in Introspector) (Snapshot, error) {
	snap, err := in.Introspect(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSchemaRead, err)
	}
	sort.Slice(snap.Tables, func(i, j int) bool {
		return snap.Tables[i].Name < snap.Tables[j].Name
	})
	return snap, nil
}

// TableNames returns the ordered table names.
func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	return names
}

// Lookup returns the table with the given name.
func (s Snapshot) Lookup(name string) (Table, bool) {
	for _, t := range s.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}

// ColumnMap derives the table -> column-set view the validator consumes.
func (s Snapshot) ColumnMap() map[string]map[string]bool {
	m := make(map[string]map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			cols[strings.ToLower(c.Name)] = true
		}
		m[strings.ToLower(t.Name)] = cols
	}
	return m
}

// Render produces the CREATE TABLE-style text handed to the model as schema
// context. Primary and foreign keys appear as trailing SQL comments so the
// model sees join paths without extra prose.
func Render(s Snapshot) string {
	var b strings.Builder
	for _, t := range s.Tables {
		b.WriteString("CREATE TABLE ")
		b.WriteString(t.Name)
		b.WriteString(" (\n")
		for i, c := range t.Columns {
			b.WriteString("    ")
			b.WriteString(c.Name)
			b.WriteString(" ")
			b.WriteString(c.DataType)
			if !c.Nullable {
				b.WriteString(" NOT NULL")
			}
			if i < len(t.Columns)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(");\n")
		if len(t.PrimaryKey) > 0 {
			b.WriteString("-- Primary Keys: ")
			b.WriteString(strings.Join(t.PrimaryKey, ", "))
			b.WriteString("\n")
		}
		if len(t.ForeignKeys) > 0 {
			parts := make([]string, 0, len(t.ForeignKeys))
			for _, fk := range t.ForeignKeys {
				parts = append(parts, fmt.Sprintf("(%s) references %s(%s)",
					strings.Join(fk.Columns, ", "), fk.ParentTable, strings.Join(fk.ParentColumns, ", ")))
			}
			b.WriteString("-- Foreign Keys: ")
			b.WriteString(strings.Join(parts, ", "))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
