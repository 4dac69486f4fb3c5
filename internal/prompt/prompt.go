package prompt

import (
	"fmt"
	"strings"
)

// Mode selects the generation contract the model is held to.
type Mode string

const (
	// ModeStrict must yield exactly one executable SQL statement, no prose.
	ModeStrict Mode = "strict"
	// ModeExplain yields SQL inside a fenced block plus a rationale.
	ModeExplain Mode = "explain"
	// ModePlot yields a two-column aggregate query suitable for charting.
	ModePlot Mode = "plot"
)

// Sentinels the system instructions allow the model to emit instead of SQL.
const (
	ClarificationSentinel = "CLARIFICATION_NEEDED:"
	SchemaAnswerSentinel  = "SCHEMA_ANSWER:"
)

// Exchange is one prior question/SQL pair carried as conversation history.
type Exchange struct {
	Question string
	SQL      string
}

// Message is one chat message in provider-neutral form.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Prompt is an immutable, fully assembled model request. Build constructs a
// fresh value per request; nothing mutates it afterwards.
type Prompt struct {
	Mode     Mode
	System   string
	User     string
	History  []Exchange
	Feedback string
}

const strictInstruction = `You are a strict SQL generator. Output ONLY SQL code inside a single fenced code block.
RULES:
1. VERIFY: Use EXACT table and column names from the schema context. Never guess.
2. VALUES: Capitalized words not present in the schema are WHERE clause values, not columns.
3. SINGLE STATEMENT: Emit exactly one statement. No prose before or after the code block.
4. GUARDRAIL: If required schema information is missing, halt and reply exactly with 'CLARIFICATION_NEEDED:' followed by what is missing.
5. METADATA: If asked about database structure (tables, columns, keys), do NOT write SQL. Output exactly 'SCHEMA_ANSWER:' followed by the plain English answer based on the context.`

const explainInstruction = `You are a database expert. Your goal is accurate SQL with a short rationale.
STEP 1: Briefly list the exact tables and columns you will use.
STEP 2: Write the SQL inside a single fenced sql code block.
RULES:
1. VERIFY: Use exact names from the provided context.
2. IDENTIFIER VS VALUE: Treat proper nouns not in the schema as data values for a WHERE clause.
3. MINIMAL JOINS: Only join tables strictly necessary for the query.
4. GUARDRAIL: If critical schema information is missing, output 'CLARIFICATION_NEEDED:' followed by an explanation.
5. METADATA: If asked about database structure, do NOT write SQL. Output exactly 'SCHEMA_ANSWER:' followed by the plain English answer based on the context.`

const plotInstruction = `You are a data visualization assistant. Write a single SQL query for a chart inside a fenced sql code block.
RULES:
1. TWO COLUMNS: Return EXACTLY 2 columns. Alias column 1 as 'LABEL' (text) and column 2 as 'VALUE' (number).
2. AGGREGATE: Use an aggregate (SUM, COUNT, AVG, MIN, MAX) for the VALUE column and include a GROUP BY clause.
3. EDUCATED GUESSES: If a metric is ambiguous, make a logical assumption based on the schema.
4. NO TEXT: Never ask for clarification or explain yourself. Output only the SELECT statement.`

// Builder assembles prompts with a bounded history window.
type Builder struct {
	historyWindow int
}

// NewBuilder creates a Builder keeping at most window prior exchanges.
// A non-positive window disables history entirely.
func NewBuilder(window int) *Builder {
	return &Builder{historyWindow: window}
}

// Build is deterministic: identical inputs produce identical prompts.
// History is truncated oldest-first to the configured window.
func (b *Builder) Build(mode Mode, question, schemaText string, history []Exchange) Prompt {
	bounded := boundHistory(history, b.historyWindow)
	return Prompt{
		Mode:    mode,
		System:  systemInstruction(mode),
		User:    fmt.Sprintf("Context:\n%s\n\nQuestion: %s", schemaText, strings.TrimSpace(question)),
		History: bounded,
	}
}

// WithFeedback derives a new prompt carrying a retry hint about the previous
// failed attempt. The original prompt is left untouched.
func (p Prompt) WithFeedback(failedSQL, problem string) Prompt {
	next := p
	next.Feedback = fmt.Sprintf(
		"WARNING: Your previous attempt failed.\nFailed SQL: %s\nError: %s\nRe-read the context exactly and fix the statement.",
		strings.TrimSpace(failedSQL), strings.TrimSpace(problem))
	return next
}

// Messages renders the ordered chat message list sent to the model.
func (p Prompt) Messages() []Message {
	msgs := make([]Message, 0, 2+2*len(p.History))
	msgs = append(msgs, Message{Role: RoleSystem, Content: p.System})
	for _, ex := range p.History {
		msgs = append(msgs, Message{Role: RoleUser, Content: ex.Question})
		msgs = append(msgs, Message{Role: RoleAssistant, Content: ex.SQL})
	}
	user := p.User
	if p.Feedback != "" {
		user = user + "\n\n" + p.Feedback
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: user})
	return msgs
}

func systemInstruction(mode Mode) string {
	switch mode {
	case ModeExplain:
		return explainInstruction
	case ModePlot:
		return plotInstruction
	default:
		return strictInstruction
	}
}

func boundHistory(history []Exchange, window int) []Exchange {
	if window <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	out := make([]Exchange, len(history))
	copy(out, history)
	return out
}
