// Package extract isolates executable SQL from raw model output. Model
// replies mix prose, markdown fences, and occasionally hallucinated
// continuations after the statement; extraction normalizes all of that into
// exactly one candidate statement or a typed failure.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AkhildevCV/mindsql-package/internal/prompt"
)

var (
	// ErrNoStatementFound means the response carried no recognizable SQL.
	ErrNoStatementFound = errors.New("extract: no SQL statement found")
	// ErrAmbiguousStatement means strict mode saw more than one candidate.
	// Ambiguity surfaces to the caller; we never guess which block to run.
	ErrAmbiguousStatement = errors.New("extract: ambiguous response with multiple statements")
)

// Source records where the statement came from, which the shell surfaces as
// a confidence hint.
type Source string

const (
	SourceFenced Source = "fenced"
	SourceBare   Source = "bare"
)

// Statement is one extracted SQL candidate.
type Statement struct {
	SQL    string
	Source Source
}

// Kind tags the shape of a model response after extraction.
type Kind string

const (
	// KindStatement means extraction produced executable SQL.
	KindStatement Kind = "statement"
	// KindClarification means the model asked the user a follow-up question
	// instead of answering.
	KindClarification Kind = "clarification"
	// KindSchemaAnswer means the model answered a metadata question in prose.
	KindSchemaAnswer Kind = "schema_answer"
)

// Result is the tagged outcome of extraction. Exactly one of Statement or
// Message is meaningful depending on Kind.
type Result struct {
	Kind      Kind
	Statement Statement
	Message   string
}

var (
	sqlFenceRe     = regexp.MustCompile("(?s)```sql\\s*\\n?(.*?)```")
	genericFenceRe = regexp.MustCompile("(?s)```\\w*\\s*\\n?(.*?)```")

	statementKeywords = []string{
		"SELECT", "WITH", "INSERT", "UPDATE", "DELETE",
		"CREATE", "DROP", "ALTER", "TRUNCATE",
		"SHOW", "DESCRIBE", "EXPLAIN",
	}
)

// Extract parses a fully assembled model response. Fenced blocks win over
// bare text; a response whose trimmed body starts with a statement keyword is
// accepted verbatim with any trailing prose after the first semicolon
// stripped. Strict and plot modes require exactly one candidate.
func Extract(text string, mode prompt.Mode) (Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrNoStatementFound)
	}

	if msg, ok := strings.CutPrefix(trimmed, prompt.ClarificationSentinel); ok {
		return Result{Kind: KindClarification, Message: strings.TrimSpace(msg)}, nil
	}
	if msg, ok := strings.CutPrefix(trimmed, prompt.SchemaAnswerSentinel); ok {
		return Result{Kind: KindSchemaAnswer, Message: strings.TrimSpace(msg)}, nil
	}

	blocks := fencedBlocks(trimmed)
	if len(blocks) > 0 {
		if len(blocks) > 1 && exclusive(mode) {
			return Result{}, fmt.Errorf("%w: %d fenced blocks", ErrAmbiguousStatement, len(blocks))
		}
		return Result{
			Kind:      KindStatement,
			Statement: Statement{SQL: blocks[0], Source: SourceFenced},
		}, nil
	}

	if sql, ok := bareStatement(trimmed); ok {
		return Result{
			Kind:      KindStatement,
			Statement: Statement{SQL: sql, Source: SourceBare},
		}, nil
	}

	return Result{}, fmt.Errorf("%w: response is prose without a code block", ErrNoStatementFound)
}

// exclusive reports whether the mode demands a single unambiguous statement.
// Explain replies legitimately restate the query, so the first block wins.
func exclusive(mode prompt.Mode) bool {
	return mode != prompt.ModeExplain
}

func fencedBlocks(text string) []string {
	matches := sqlFenceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		matches = genericFenceRe.FindAllStringSubmatch(text, -1)
	}
	var blocks []string
	for _, m := range matches {
		body := strings.TrimSpace(m[1])
		if body != "" {
			blocks = append(blocks, body)
		}
	}
	return blocks
}

// bareStatement accepts an unfenced response that starts with a statement
// keyword. Small models sometimes append invented prose or a second query
// after the real one, so everything past the first semicolon is dropped.
func bareStatement(text string) (string, bool) {
	upper := strings.ToUpper(text)
	keyword := false
	for _, kw := range statementKeywords {
		if strings.HasPrefix(upper, kw+" ") || strings.HasPrefix(upper, kw+"\n") || upper == kw {
			keyword = true
			break
		}
	}
	if !keyword {
		return "", false
	}
	if idx := strings.Index(text, ";"); idx >= 0 {
		return strings.TrimSpace(text[:idx+1]), true
	}
	return text, true
}
