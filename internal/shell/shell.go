// Package shell implements the interactive terminal loop: it owns the
// prompt, command dispatch, and result rendering, and delegates every
// question to the pipeline.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/AkhildevCV/mindsql-package/internal/ai"
	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/db"
	"github.com/AkhildevCV/mindsql-package/internal/history"
	"github.com/AkhildevCV/mindsql-package/internal/pipeline"
	"github.com/AkhildevCV/mindsql-package/internal/prompt"
	"github.com/AkhildevCV/mindsql-package/internal/schema"
	"github.com/AkhildevCV/mindsql-package/internal/validate"
)

// Options carries injected collaborators so tests can script a session.
type Options struct {
	Config  config.Config
	Client  ai.Client
	Manager *db.Manager
	Logger  *slog.Logger

	// Target is the initial connection descriptor. Empty means the user
	// connects interactively.
	Target string

	// Profiles remembers successful connections across sessions. Optional.
	Profiles *config.ProfileStore

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type runner struct {
	opts    Options
	pipe    *pipeline.Pipeline
	log     *history.Log
	session *db.Session
	scanner *bufio.Scanner
	stdout  io.Writer
	stderr  io.Writer
}

// Run drives the read-eval loop until exit or EOF. Returns a process exit
// code.
func Run(ctx context.Context, opts Options) int {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	r := &runner{
		opts:    opts,
		log:     history.NewLog(opts.Config.Paths.HistoryFile),
		scanner: bufio.NewScanner(opts.Stdin),
		stdout:  stdout,
		stderr:  stderr,
	}
	cache := schema.NewCache(opts.Config.Paths.StateDir)

	pipeOpts := []pipeline.Option{pipeline.WithConfirm(r.confirmWarnings)}
	if opts.Config.AI.Stream {
		pipeOpts = append(pipeOpts, pipeline.WithChunkHandler(func(chunk string) {
			fmt.Fprint(stdout, chunk)
		}))
	}
	r.pipe = pipeline.New(opts.Config, opts.Client, cache, r.log, opts.Logger, pipeOpts...)

	if opts.Target != "" {
		if err := r.connect(ctx, opts.Target); err != nil {
			fmt.Fprintf(stderr, "connect failed: %v\n", err)
			return 1
		}
	}

	fmt.Fprintln(stdout, "mindsql: ask questions in plain language, or type 'help'.")
	for {
		fmt.Fprint(stdout, r.promptLabel())
		line, ok := r.readLine()
		if !ok {
			return 0
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if exit := r.dispatch(ctx, line); exit {
			return 0
		}
	}
}

func (r *runner) promptLabel() string {
	if r.session == nil {
		return "mindsql> "
	}
	return fmt.Sprintf("mindsql[%s]> ", r.session.Database())
}

func (r *runner) readLine() (string, bool) {
	if !r.scanner.Scan() {
		return "", false
	}
	return r.scanner.Text(), true
}

// dispatch handles one input line. Unrecognized lines are treated as
// questions in strict mode.
func (r *runner) dispatch(ctx context.Context, line string) (exit bool) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "exit", "quit":
		return true
	case "help":
		r.printHelp()
	case "connect":
		if rest == "" {
			fmt.Fprintln(r.stderr, "usage: connect <dsn | database name | file.duckdb>")
			return false
		}
		if err := r.connect(ctx, rest); err != nil {
			fmt.Fprintf(r.stderr, "connect failed: %v\n", err)
		}
	case "attach":
		r.attach(ctx, rest)
	case "test":
		r.testConnection(ctx)
	case "schema":
		r.printSchema()
	case "sync":
		if !r.requireSession() {
			return false
		}
		if err := r.pipe.Sync(ctx, r.session); err != nil {
			fmt.Fprintf(r.stderr, "sync failed: %v\n", err)
			return false
		}
		fmt.Fprintf(r.stdout, "schema synced: %d tables\n", len(r.pipe.Snapshot().Tables))
	case "history":
		r.printHistory(rest)
	case "ask":
		r.ask(ctx, rest, prompt.ModeStrict)
	case "explain":
		r.ask(ctx, rest, prompt.ModeExplain)
	case "plot":
		r.ask(ctx, rest, prompt.ModePlot)
	default:
		r.ask(ctx, line, prompt.ModeStrict)
	}
	return false
}

func (r *runner) connect(ctx context.Context, target string) error {
	// Saved profile names resolve to their full descriptor first; anything
	// else goes through DSN parsing.
	if r.opts.Profiles != nil {
		if p, ok := r.opts.Profiles.Lookup(target); ok && p.DSN != "" {
			target = p.DSN
		}
	}
	var (
		session *db.Session
		err     error
	)
	if r.session == nil {
		session, err = r.opts.Manager.Connect(ctx, target)
	} else {
		session, err = r.opts.Manager.SwitchDatabase(ctx, r.session, target)
	}
	if err != nil {
		return err
	}
	r.session = session
	if err := r.pipe.Sync(ctx, session); err != nil {
		fmt.Fprintf(r.stderr, "warning: schema sync failed: %v\n", err)
	}
	if r.opts.Profiles != nil {
		r.opts.Profiles.Remember(config.ConnectionProfile{
			Name:    session.Database(),
			DSN:     target,
			Dialect: string(session.Dialect()),
		})
		if err := config.SaveProfiles(r.opts.Config.Paths.StateDir, r.opts.Profiles); err != nil {
			fmt.Fprintf(r.stderr, "warning: could not save connection profile: %v\n", err)
		}
	}
	fmt.Fprintf(r.stdout, "connected to %s (%s)\n", session.Database(), session.Dialect())
	return nil
}

// attach exposes parquet files as a view on the current session and refreshes
// the snapshot so the new relation is promptable right away.
func (r *runner) attach(ctx context.Context, rest string) {
	args := strings.Fields(rest)
	if len(args) < 2 {
		fmt.Fprintln(r.stderr, "usage: attach <table> <file.parquet> [file.parquet ...]")
		return
	}
	if !r.requireSession() {
		return
	}
	table, paths := args[0], args[1:]
	if err := r.session.AttachParquet(ctx, table, paths); err != nil {
		fmt.Fprintf(r.stderr, "attach failed: %v\n", err)
		return
	}
	if err := r.pipe.Sync(ctx, r.session); err != nil {
		fmt.Fprintf(r.stderr, "warning: schema sync failed: %v\n", err)
	}
	fmt.Fprintf(r.stdout, "attached %s (%d files)\n", table, len(paths))
}

func (r *runner) requireSession() bool {
	if r.session == nil {
		fmt.Fprintln(r.stderr, "not connected; use: connect <dsn>")
		return false
	}
	return true
}

func (r *runner) testConnection(ctx context.Context) {
	if !r.requireSession() {
		return
	}
	if r.session.TestConnection(ctx) {
		fmt.Fprintln(r.stdout, "connection ok")
		return
	}
	fmt.Fprintln(r.stderr, "connection is not healthy")
}

func (r *runner) printSchema() {
	if !r.requireSession() {
		return
	}
	text := r.pipe.SchemaText()
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(r.stdout, "no schema loaded; run 'sync'")
		return
	}
	fmt.Fprintln(r.stdout, text)
}

func (r *runner) printHistory(arg string) {
	limit := 10
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			fmt.Fprintln(r.stderr, "usage: history [count]")
			return
		}
		limit = n
	}
	entries, err := r.log.Recent(limit)
	if err != nil {
		fmt.Fprintf(r.stderr, "history read failed: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(r.stdout, "history is empty")
		return
	}
	data := pterm.TableData{{"when", "mode", "question", "sql", "stage"}}
	for _, e := range entries {
		data = append(data, []string{
			e.ExecutedAt.Format("2006-01-02 15:04"),
			e.Mode,
			truncate(e.Question, 40),
			truncate(e.SQL, 50),
			e.Stage,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(r.stdout).WithData(data).Render(); err != nil {
		fmt.Fprintf(r.stderr, "render failed: %v\n", err)
	}
}

func (r *runner) ask(ctx context.Context, question string, mode prompt.Mode) {
	if question == "" {
		fmt.Fprintln(r.stderr, "nothing to ask")
		return
	}
	if !r.requireSession() {
		return
	}

	outcome, err := r.pipe.Run(ctx, r.session, question, mode)
	if err != nil {
		r.printError(err)
		return
	}

	switch outcome.Kind {
	case pipeline.KindClarification:
		fmt.Fprintf(r.stdout, "the model needs more detail: %s\n", outcome.Message)
	case pipeline.KindSchemaAnswer:
		fmt.Fprintln(r.stdout, outcome.Message)
	case pipeline.KindRejected:
		fmt.Fprintf(r.stderr, "blocked: %s\n  %s\n", outcome.Verdict.Reason, outcome.SQL)
	case pipeline.KindDeclined:
		fmt.Fprintln(r.stdout, "cancelled")
	case pipeline.KindResult:
		if mode == prompt.ModeExplain && outcome.Message != "" {
			fmt.Fprintln(r.stdout, outcome.Message)
		}
		fmt.Fprintf(r.stdout, "sql> %s\n", outcome.SQL)
		r.renderResult(outcome, mode)
	}
}

func (r *runner) renderResult(outcome pipeline.Outcome, mode prompt.Mode) {
	result := outcome.Result
	if len(result.Columns) == 0 {
		fmt.Fprintf(r.stdout, "ok (%d rows affected, %s)\n", result.RowsAffected, result.Duration)
		return
	}

	if mode == prompt.ModePlot {
		if err := r.renderBars(result); err == nil {
			return
		}
		// Fall through to a table when values are not numeric.
	}

	data := pterm.TableData{result.Columns}
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		data = append(data, cells)
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(r.stdout).WithData(data).Render(); err != nil {
		fmt.Fprintf(r.stderr, "render failed: %v\n", err)
		return
	}
	fmt.Fprintf(r.stdout, "%d rows (%s)\n", len(result.Rows), result.Duration)
}

func (r *runner) renderBars(result db.Result) error {
	bars := make([]pterm.Bar, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) != 2 {
			return fmt.Errorf("plot rows need 2 columns")
		}
		value, ok := asInt(row[1])
		if !ok {
			return fmt.Errorf("plot value %v is not numeric", row[1])
		}
		bars = append(bars, pterm.Bar{Label: formatValue(row[0]), Value: value})
	}
	return pterm.DefaultBarChart.WithHorizontal().WithShowValue().WithWriter(r.stdout).WithBars(bars).Render()
}

// confirmWarnings surfaces soft validation warnings and asks before
// executing. EOF counts as a decline.
func (r *runner) confirmWarnings(verdict validate.Verdict) bool {
	for _, w := range verdict.Warnings {
		fmt.Fprintf(r.stdout, "warning: %s\n", w)
	}
	fmt.Fprint(r.stdout, "run anyway? [y/N] ")
	line, ok := r.readLine()
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (r *runner) printError(err error) {
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		fmt.Fprintf(r.stderr, "error at %s stage: %v\n", stageErr.Stage, stageErr.Err)
		if stageErr.SQL != "" {
			fmt.Fprintf(r.stderr, "  statement: %s\n", stageErr.SQL)
		}
		return
	}
	if errors.Is(err, ai.ErrModelUnavailable) {
		fmt.Fprintln(r.stderr, "the model backend is unreachable; is it running?")
		return
	}
	fmt.Fprintf(r.stderr, "error: %v\n", err)
}

func (r *runner) printHelp() {
	fmt.Fprint(r.stdout, `commands:
  connect <dsn|name|file>  connect or switch databases
  ask <question>           generate and run SQL (default for bare input)
  explain <question>       generate SQL plus a short rationale
  plot <question>          aggregate and chart the answer
  attach <table> <files>   expose parquet files as a queryable view (duckdb)
  schema                   print the current schema
  sync                     refresh the schema snapshot
  history [n]              show recent requests
  test                     check the current connection
  exit                     leave the shell
`)
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// truncate shortens display cells by rune so multibyte text is never cut
// mid-character.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
