// Package validate gates extracted SQL before it reaches a database. The
// verdict is a pure function of statement, snapshot, and policy: no side
// effects, no network calls, and a rejection is terminal for the request.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/schema"
)

// StatementType classifies a statement by its leading keyword.
type StatementType string

const (
	TypeSelect   StatementType = "select"
	TypeInsert   StatementType = "insert"
	TypeUpdate   StatementType = "update"
	TypeDelete   StatementType = "delete"
	TypeCreate   StatementType = "create"
	TypeDrop     StatementType = "drop"
	TypeAlter    StatementType = "alter"
	TypeTruncate StatementType = "truncate"
	TypeShow     StatementType = "show"
	TypeDescribe StatementType = "describe"
	TypeExplain  StatementType = "explain"
	TypeUnknown  StatementType = "unknown"
)

// Reason explains a rejection in terms the shell can render directly.
type Reason string

const (
	ReasonEmptyStatement          Reason = "empty statement"
	ReasonMultipleStatements      Reason = "multiple statements in one request"
	ReasonUnknownStatementType    Reason = "unrecognized statement type"
	ReasonDisallowedStatementType Reason = "statement type not allowed by policy"
)

// Verdict is the validation outcome. Warnings never block execution on
// their own; the shell surfaces them before running the statement.
type Verdict struct {
	Allowed   bool
	Reason    Reason
	Warnings  []string
	Statement string
	Type      StatementType
}

var typeKeywords = map[string]StatementType{
	"SELECT":   TypeSelect,
	"WITH":     TypeSelect,
	"INSERT":   TypeInsert,
	"UPDATE":   TypeUpdate,
	"DELETE":   TypeDelete,
	"CREATE":   TypeCreate,
	"DROP":     TypeDrop,
	"ALTER":    TypeAlter,
	"TRUNCATE": TypeTruncate,
	"SHOW":     TypeShow,
	"DESCRIBE": TypeDescribe,
	"DESC":     TypeDescribe,
	"EXPLAIN":  TypeExplain,
}

// MutatesSchema reports whether a statement type invalidates the cached
// snapshot, which triggers a re-sync after execution.
func (t StatementType) MutatesSchema() bool {
	switch t {
	case TypeCreate, TypeDrop, TypeAlter:
		return true
	}
	return false
}

// Mutates reports whether the statement writes data or schema. Writes run
// inside a transaction at the driver layer.
func (t StatementType) Mutates() bool {
	switch t {
	case TypeInsert, TypeUpdate, TypeDelete, TypeCreate, TypeDrop, TypeAlter, TypeTruncate:
		return true
	}
	return false
}

// Validate applies the policy rules in order: single-statement check,
// type allow-list, then soft identifier checks against the snapshot.
func Validate(sql string, snap schema.Snapshot, policy config.PolicyMode) Verdict {
	stmt := strings.TrimSpace(stripTrailingSemicolons(sql))
	if stmt == "" {
		return Verdict{Reason: ReasonEmptyStatement, Statement: sql}
	}
	if hasBareSemicolon(stmt) {
		return Verdict{Reason: ReasonMultipleStatements, Statement: stmt, Type: classify(stmt)}
	}

	stype := classify(stmt)
	if stype == TypeUnknown {
		return Verdict{Reason: ReasonUnknownStatementType, Statement: stmt, Type: stype}
	}
	if !allowed(stype, policy) {
		return Verdict{Reason: ReasonDisallowedStatementType, Statement: stmt, Type: stype}
	}

	return Verdict{
		Allowed:   true,
		Warnings:  identifierWarnings(stmt, stype, snap),
		Statement: stmt,
		Type:      stype,
	}
}

func classify(stmt string) StatementType {
	fields := strings.Fields(strings.ToUpper(stmt))
	if len(fields) == 0 {
		return TypeUnknown
	}
	if t, ok := typeKeywords[fields[0]]; ok {
		return t
	}
	return TypeUnknown
}

func allowed(t StatementType, policy config.PolicyMode) bool {
	switch t {
	case TypeSelect, TypeShow, TypeDescribe, TypeExplain:
		return true
	case TypeInsert, TypeUpdate, TypeDelete:
		return policy == config.PolicyReadWrite || policy == config.PolicyUnlocked
	case TypeCreate, TypeDrop, TypeAlter, TypeTruncate:
		return policy == config.PolicyUnlocked
	}
	return false
}

// stripTrailingSemicolons removes terminator noise so a single trailing ";"
// never counts as a second statement.
func stripTrailingSemicolons(sql string) string {
	out := strings.TrimSpace(sql)
	for strings.HasSuffix(out, ";") {
		out = strings.TrimSpace(strings.TrimSuffix(out, ";"))
	}
	return out
}

// hasBareSemicolon scans for statement separators outside string literals.
func hasBareSemicolon(stmt string) bool {
	inSingle, inDouble := false, false
	runes := []rune(stmt)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\'':
			if inSingle && i+1 < len(runes) && runes[i+1] == '\'' {
				i++ // escaped quote inside literal
				continue
			}
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case ';':
			if !inSingle && !inDouble {
				return true
			}
		}
	}
	return false
}

var (
	tableRefRe  = regexp.MustCompile(`(?i)\b(?:from|join|into|update)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
	columnRefRe = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z_][a-zA-Z0-9_]*)\b`)
)

// identifierWarnings checks statically extractable table references, and
// table-qualified column references, against the snapshot. Extraction is
// heuristic, so misses warn rather than reject. Metadata statements and DDL
// bypass the check entirely: SHOW and DESCRIBE target the catalog, and CREATE
// legitimately names tables that do not exist yet.
func identifierWarnings(stmt string, stype StatementType, snap schema.Snapshot) []string {
	switch stype {
	case TypeShow, TypeDescribe, TypeExplain, TypeCreate, TypeDrop, TypeAlter:
		return nil
	}
	if len(snap.Tables) == 0 {
		return nil
	}

	var warnings []string
	seen := map[string]bool{}
	for _, m := range tableRefRe.FindAllStringSubmatch(stmt, -1) {
		name := strings.ToLower(m[1])
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := snap.Lookup(name); !ok {
			warnings = append(warnings, fmt.Sprintf("table %q not found in the current schema", name))
		}
	}

	// Qualifiers that are not known tables are usually aliases; the table
	// check above already covers real ones.
	columns := snap.ColumnMap()
	for _, m := range columnRefRe.FindAllStringSubmatch(stmt, -1) {
		table, column := strings.ToLower(m[1]), strings.ToLower(m[2])
		cols, ok := columns[table]
		if !ok {
			continue
		}
		key := table + "." + column
		if seen[key] {
			continue
		}
		seen[key] = true
		if !cols[column] {
			warnings = append(warnings, fmt.Sprintf("column %q not found on table %q", column, table))
		}
	}
	return warnings
}

var aggregateRe = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(`)

// ValidatePlotShape enforces the plot-mode contract: the select list must
// carry exactly two expressions, a label and an aggregated value.
func ValidatePlotShape(stmt string) error {
	upper := strings.ToUpper(stmt)
	start := strings.Index(upper, "SELECT")
	if start < 0 {
		return fmt.Errorf("plot query must be a SELECT")
	}
	rest := stmt[start+len("SELECT"):]
	if end := strings.Index(strings.ToUpper(rest), " FROM "); end >= 0 {
		rest = rest[:end]
	}
	if n := countTopLevelExpressions(rest); n != 2 {
		return fmt.Errorf("plot query must select exactly 2 columns (label, value), got %d", n)
	}
	if !aggregateRe.MatchString(stmt) {
		return fmt.Errorf("plot query must aggregate its value column (count, sum, avg, min or max)")
	}
	return nil
}

func countTopLevelExpressions(selectList string) int {
	depth, count := 0, 1
	inSingle := false
	for _, r := range selectList {
		switch r {
		case '\'':
			inSingle = !inSingle
		case '(':
			if !inSingle {
				depth++
			}
		case ')':
			if !inSingle {
				depth--
			}
		case ',':
			if !inSingle && depth == 0 {
				count++
			}
		}
	}
	if strings.TrimSpace(selectList) == "" {
		return 0
	}
	return count
}
