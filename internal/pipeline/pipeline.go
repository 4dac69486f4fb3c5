// Package pipeline runs one natural-language question end to end: schema
// snapshot, prompt assembly, model call, extraction, validation, and
// execution. One request is processed at a time per session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/AkhildevCV/mindsql-package/internal/ai"
	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/db"
	"github.com/AkhildevCV/mindsql-package/internal/extract"
	"github.com/AkhildevCV/mindsql-package/internal/history"
	"github.com/AkhildevCV/mindsql-package/internal/observability"
	"github.com/AkhildevCV/mindsql-package/internal/prompt"
	"github.com/AkhildevCV/mindsql-package/internal/schema"
	"github.com/AkhildevCV/mindsql-package/internal/validate"
)

// Stage names the pipeline step at which a request failed.
type Stage string

const (
	StageSchema   Stage = "schema"
	StageModel    Stage = "model"
	StageExtract  Stage = "extract"
	StageValidate Stage = "validate"
	StageExecute  Stage = "execute"
)

// StageError attributes a failure to its stage and carries the question and
// statement so the shell can render a precise message.
type StageError struct {
	Stage    Stage
	Question string
	SQL      string
	Err      error
}

func (e *StageError) Error() string {
	if e.SQL != "" {
		return fmt.Sprintf("%s stage failed for %q (statement %q): %v", e.Stage, e.Question, e.SQL, e.Err)
	}
	return fmt.Sprintf("%s stage failed for %q: %v", e.Stage, e.Question, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// OutcomeKind tags what a pipeline run produced.
type OutcomeKind string

const (
	// KindResult means SQL was generated, validated, and executed.
	KindResult OutcomeKind = "result"
	// KindClarification means the model asked the user a follow-up.
	KindClarification OutcomeKind = "clarification"
	// KindSchemaAnswer means the question was answered in prose, either by
	// the model or by the local metadata interceptor.
	KindSchemaAnswer OutcomeKind = "schema_answer"
	// KindRejected means validation blocked the statement. Terminal.
	KindRejected OutcomeKind = "rejected"
	// KindDeclined means the user declined to run a statement with warnings.
	KindDeclined OutcomeKind = "declined"
)

// Outcome is the tagged result of one run. Exactly one of Result, Message,
// or Verdict.Reason carries the payload depending on Kind.
type Outcome struct {
	Kind     OutcomeKind
	SQL      string
	Verdict  validate.Verdict
	Result   db.Result
	Message  string
	Attempts int
}

// ConfirmFunc lets the shell surface validation warnings before execution.
// Returning false aborts the run without touching the database.
type ConfirmFunc func(verdict validate.Verdict) bool

// Pipeline holds the collaborators for a session's requests. It also keeps
// the in-session conversation memory that feeds prompt history.
type Pipeline struct {
	cfg     config.Config
	client  ai.Client
	builder *prompt.Builder
	cache   *schema.Cache
	log     *history.Log
	logger  *slog.Logger
	confirm ConfirmFunc
	onChunk func(string)

	database  string
	snap      schema.Snapshot
	snapText  string
	exchanges []prompt.Exchange
}

// Option configures optional pipeline behavior.
type Option func(*Pipeline)

// WithConfirm installs the pre-execution warning prompt.
func WithConfirm(confirm ConfirmFunc) Option {
	return func(p *Pipeline) { p.confirm = confirm }
}

// WithChunkHandler receives streamed model text as it arrives. Extraction
// still runs on the fully assembled response.
func WithChunkHandler(onChunk func(string)) Option {
	return func(p *Pipeline) { p.onChunk = onChunk }
}

func New(cfg config.Config, client ai.Client, cache *schema.Cache, log *history.Log, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		client:  client,
		builder: prompt.NewBuilder(cfg.Generation.HistoryWindow),
		cache:   cache,
		log:     log,
		logger:  logger,
		confirm: func(validate.Verdict) bool { return true },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// bind ties the pipeline's schema snapshot and conversation memory to one
// database. Switching sessions discards both; prompts for the new database
// must never carry the old one's context.
func (p *Pipeline) bind(database string) {
	if p.database == database {
		return
	}
	p.database = database
	p.snap = schema.Snapshot{}
	p.snapText = ""
	p.exchanges = nil
}

// Sync refreshes the schema snapshot from the live session and rewrites the
// cache entry for its database.
func (p *Pipeline) Sync(ctx context.Context, session *db.Session) error {
	p.bind(session.Database())
	snap, err := schema.Refresh(ctx, session)
	if err != nil {
		return &StageError{Stage: StageSchema, Err: err}
	}
	p.snap = snap
	p.snapText = schema.Render(snap)
	observability.IncrementSchemaRefresh()
	if err := p.cache.Write(session.Database(), p.snapText); err != nil {
		p.logger.Warn("schema cache write failed", slog.String("error", err.Error()))
	}
	p.logger.Info("schema synced",
		slog.String("database", session.Database()),
		slog.Int("tables", len(snap.Tables)))
	return nil
}

// ensureSchema loads schema context before the first question against a
// database. A live refresh is preferred; when it fails, a cached dump from a
// previous process still lets prompts carry schema context.
func (p *Pipeline) ensureSchema(ctx context.Context, session *db.Session) error {
	syncErr := p.Sync(ctx, session)
	if syncErr == nil {
		return nil
	}
	cached, ok, err := p.cache.Read(session.Database())
	if err != nil || !ok {
		return syncErr
	}
	p.snapText = cached
	p.logger.Warn("schema refresh failed, using cached dump",
		slog.String("database", session.Database()),
		slog.String("error", syncErr.Error()))
	return nil
}

// Snapshot exposes the current snapshot for rendering.
func (p *Pipeline) Snapshot() schema.Snapshot { return p.snap }

// SchemaText exposes the rendered schema for the shell's schema command.
func (p *Pipeline) SchemaText() string { return p.snapText }

// Run processes one question end to end. Generation retries up to the
// configured attempt limit when extraction or execution fails, feeding the
// failed statement back to the model. Validation rejections are terminal
// and never regenerate or reach the database.
func (p *Pipeline) Run(ctx context.Context, session *db.Session, question string, mode prompt.Mode) (Outcome, error) {
	p.bind(session.Database())
	if p.snapText == "" {
		if err := p.ensureSchema(ctx, session); err != nil {
			return Outcome{}, err
		}
	}

	if answer, ok := p.interceptMetadata(question); ok {
		outcome := Outcome{Kind: KindSchemaAnswer, Message: answer}
		p.record(session, question, mode, outcome, "intercept")
		return outcome, nil
	}

	basePrompt := p.builder.Build(mode, question, p.snapText, p.exchanges)
	current := basePrompt

	maxAttempts := p.cfg.Generation.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		observability.IncrementGenerationAttempt()

		resp, err := p.generate(ctx, current)
		if err != nil {
			// Model failures abort immediately; retrying the backend is not
			// the pipeline's job.
			p.observe(mode, "model_error")
			return Outcome{}, &StageError{Stage: StageModel, Question: question, Err: err}
		}

		res, err := extract.Extract(resp.Text, mode)
		if err != nil {
			lastErr = err
			p.logger.Warn("extraction failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			current = basePrompt.WithFeedback(resp.Text, "The previous response did not contain a single executable SQL statement.")
			continue
		}

		switch res.Kind {
		case extract.KindClarification:
			outcome := Outcome{Kind: KindClarification, Message: res.Message, Attempts: attempt}
			p.observe(mode, "clarification")
			p.record(session, question, mode, outcome, string(StageExtract))
			return outcome, nil
		case extract.KindSchemaAnswer:
			outcome := Outcome{Kind: KindSchemaAnswer, Message: res.Message, Attempts: attempt}
			p.observe(mode, "schema_answer")
			p.record(session, question, mode, outcome, string(StageExtract))
			return outcome, nil
		}

		sqlText := res.Statement.SQL
		verdict := validate.Validate(sqlText, p.snap, p.cfg.Policy.Mode)
		if !verdict.Allowed {
			observability.IncrementValidationRejection(string(verdict.Reason))
			p.observe(mode, "rejected")
			outcome := Outcome{Kind: KindRejected, SQL: verdict.Statement, Verdict: verdict, Attempts: attempt}
			p.record(session, question, mode, outcome, string(StageValidate))
			return outcome, nil
		}

		if mode == prompt.ModePlot {
			if err := validate.ValidatePlotShape(verdict.Statement); err != nil {
				lastErr = err
				current = basePrompt.WithFeedback(verdict.Statement, err.Error())
				continue
			}
		}

		if len(verdict.Warnings) > 0 && !p.confirm(verdict) {
			p.observe(mode, "declined")
			outcome := Outcome{Kind: KindDeclined, SQL: verdict.Statement, Verdict: verdict, Attempts: attempt}
			p.record(session, question, mode, outcome, string(StageValidate))
			return outcome, nil
		}

		result, err := session.Execute(ctx, verdict.Statement, verdict.Type.Mutates())
		if err != nil {
			var execErr *db.ExecError
			if errors.As(err, &execErr) && attempt < maxAttempts {
				lastErr = err
				p.logger.Warn("execution failed, regenerating",
					slog.Int("attempt", attempt),
					slog.String("error", execErr.Message))
				current = basePrompt.WithFeedback(verdict.Statement, execErr.Message)
				continue
			}
			p.observe(mode, "execution_error")
			return Outcome{}, &StageError{Stage: StageExecute, Question: question, SQL: verdict.Statement, Err: err}
		}

		if verdict.Type.MutatesSchema() {
			if err := p.Sync(ctx, session); err != nil {
				p.logger.Warn("schema re-sync after DDL failed", slog.String("error", err.Error()))
			}
		}

		p.exchanges = append(p.exchanges, prompt.Exchange{Question: question, SQL: verdict.Statement})
		outcome := Outcome{Kind: KindResult, SQL: verdict.Statement, Verdict: verdict, Result: result, Attempts: attempt}
		if mode == prompt.ModeExplain {
			// Explain replies carry the rationale around the statement.
			outcome.Message = strings.TrimSpace(resp.Text)
		}
		p.observe(mode, "success")
		p.record(session, question, mode, outcome, string(StageExecute))
		return outcome, nil
	}

	p.observe(mode, "exhausted")
	return Outcome{}, &StageError{
		Stage:    StageExtract,
		Question: question,
		Err:      fmt.Errorf("no valid statement after %d attempts: %w", maxAttempts, lastErr),
	}
}

func (p *Pipeline) generate(ctx context.Context, pr prompt.Prompt) (ai.Response, error) {
	start := time.Now()
	defer func() { observability.ObserveModelLatency(time.Since(start)) }()

	if !p.cfg.AI.Stream {
		return p.client.Complete(ctx, pr)
	}
	stream, err := p.client.Stream(ctx, pr)
	if err != nil {
		return ai.Response{}, err
	}
	defer stream.Close()
	if p.onChunk == nil {
		return stream.Collect()
	}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ai.Response{}, err
		}
		p.onChunk(chunk)
	}
	return stream.Collect()
}

// interceptMetadata answers catalog questions locally so a round-trip to
// the model is not spent listing table names.
func (p *Pipeline) interceptMetadata(question string) (string, bool) {
	q := strings.ToLower(strings.TrimSpace(question))
	switch {
	case strings.Contains(q, "what tables"),
		strings.Contains(q, "which tables"),
		strings.Contains(q, "list tables"),
		strings.Contains(q, "list the tables"),
		strings.Contains(q, "show tables"):
		names := p.snap.TableNames()
		if len(names) == 0 {
			return "The current database has no tables.", true
		}
		return "Tables in the current database: " + strings.Join(names, ", "), true
	}
	return "", false
}

func (p *Pipeline) observe(mode prompt.Mode, outcome string) {
	observability.ObservePipelineRequest(string(mode), outcome)
}

func (p *Pipeline) record(session *db.Session, question string, mode prompt.Mode, outcome Outcome, stage string) {
	entry := history.Entry{
		Question: question,
		Mode:     string(mode),
		SQL:      outcome.SQL,
		Database: session.Database(),
		Allowed:  outcome.Kind != KindRejected,
		Stage:    stage,
		RowCount: outcome.Result.RowsAffected,
		Duration: outcome.Result.Duration,
	}
	if err := p.log.Append(entry); err != nil {
		p.logger.Warn("history append failed", slog.String("error", err.Error()))
	}
}
