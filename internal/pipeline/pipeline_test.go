package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AkhildevCV/mindsql-package/internal/ai"
	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/db"
	"github.com/AkhildevCV/mindsql-package/internal/extract"
	"github.com/AkhildevCV/mindsql-package/internal/history"
	"github.com/AkhildevCV/mindsql-package/internal/prompt"
	"github.com/AkhildevCV/mindsql-package/internal/schema"
	"github.com/AkhildevCV/mindsql-package/internal/validate"
)

type scriptedClient struct {
	responses []string
	errs      []error
	prompts   []prompt.Prompt
}

func (c *scriptedClient) Complete(_ context.Context, p prompt.Prompt) (ai.Response, error) {
	call := len(c.prompts)
	c.prompts = append(c.prompts, p)
	if call < len(c.errs) && c.errs[call] != nil {
		return ai.Response{}, c.errs[call]
	}
	if call >= len(c.responses) {
		return ai.Response{}, fmt.Errorf("unexpected call %d", call)
	}
	return ai.Response{Text: c.responses[call], Mode: p.Mode}, nil
}

func (c *scriptedClient) Stream(context.Context, prompt.Prompt) (*ai.Stream, error) {
	return nil, fmt.Errorf("streaming not scripted")
}

type stubDriver struct {
	snapshot      schema.Snapshot
	result        db.Result
	execErrs      []error
	executed      []string
	introspect    int
	introspectErr error
}

func (d *stubDriver) Dialect() db.Dialect { return db.DialectPostgres }
func (d *stubDriver) Database() string    { return "shop" }
func (d *stubDriver) Close()              {}

func (d *stubDriver) Ping(context.Context) error { return nil }

func (d *stubDriver) Introspect(context.Context) (schema.Snapshot, error) {
	d.introspect++
	if d.introspectErr != nil {
		return schema.Snapshot{}, d.introspectErr
	}
	return d.snapshot, nil
}

func (d *stubDriver) Execute(_ context.Context, sql string, _ bool) (db.Result, error) {
	call := len(d.executed)
	d.executed = append(d.executed, sql)
	if call < len(d.execErrs) && d.execErrs[call] != nil {
		return db.Result{}, d.execErrs[call]
	}
	return d.result, nil
}

func fixtureSnapshot() schema.Snapshot {
	return schema.Snapshot{
		Database: "shop",
		Tables: []schema.Table{{
			Name: "users",
			Columns: []schema.Column{
				{Name: "id", DataType: "integer"},
				{Name: "name", DataType: "text"},
				{Name: "email", DataType: "text"},
			},
			PrimaryKey: []string{"id"},
		}},
	}
}

func testConfig(policy config.PolicyMode) config.Config {
	return config.Config{
		Policy:     config.PolicyConfig{Mode: policy},
		Generation: config.GenerationConfig{MaxAttempts: 3, HistoryWindow: 8},
	}
}

func testSession(t *testing.T, driver db.Driver) *db.Session {
	t.Helper()
	return namedSession(t, driver, "shop")
}

func namedSession(t *testing.T, driver db.Driver, name string) *db.Session {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := db.NewManager(config.DBConfig{ConnectRetries: 1, BaseDSN: "postgres://u:p@localhost:5432"}, logger).
		WithOpener(func(context.Context, db.Target, config.DBConfig) (db.Driver, error) {
			return driver, nil
		})
	session, err := manager.Connect(context.Background(), name)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return session
}

func testPipeline(t *testing.T, cfg config.Config, client ai.Client, opts ...Option) (*Pipeline, *history.Log) {
	t.Helper()
	dir := t.TempDir()
	log := history.NewLog(filepath.Join(dir, "history.jsonl"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, client, schema.NewCache(dir), log, logger, opts...), log
}

func TestRunShowAllUsersEndToEnd(t *testing.T) {
	client := &scriptedClient{responses: []string{"```sql\nSELECT * FROM users;\n```"}}
	driver := &stubDriver{
		snapshot: fixtureSnapshot(),
		result: db.Result{
			Columns:      []string{"id", "name", "email"},
			Rows:         [][]any{{int64(1), "ada", "ada@example.com"}},
			RowsAffected: 1,
		},
	}
	p, log := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := testSession(t, driver)

	outcome, err := p.Run(context.Background(), session, "show all users", prompt.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != KindResult {
		t.Fatalf("kind = %v", outcome.Kind)
	}
	if outcome.SQL != "SELECT * FROM users" {
		t.Fatalf("sql = %q", outcome.SQL)
	}
	if len(outcome.Result.Rows) != 1 {
		t.Fatalf("rows = %d", len(outcome.Result.Rows))
	}

	// The prompt must carry the fixture's column names.
	user := client.prompts[0].User
	for _, col := range []string{"id", "name", "email"} {
		if !strings.Contains(user, col) {
			t.Fatalf("prompt missing column %q: %s", col, user)
		}
	}

	entries, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || !entries[0].Allowed {
		t.Fatalf("history = %+v", entries)
	}
}

func TestRunRejectedStatementNeverReachesDatabase(t *testing.T) {
	client := &scriptedClient{responses: []string{"```sql\nDROP TABLE users;\n```"}}
	driver := &stubDriver{snapshot: fixtureSnapshot()}
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := testSession(t, driver)

	outcome, err := p.Run(context.Background(), session, "delete everything", prompt.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != KindRejected {
		t.Fatalf("kind = %v", outcome.Kind)
	}
	if outcome.Verdict.Reason != validate.ReasonDisallowedStatementType {
		t.Fatalf("reason = %q", outcome.Verdict.Reason)
	}
	if len(driver.executed) != 0 {
		t.Fatalf("rejected statement executed: %v", driver.executed)
	}
	// Rejections are terminal: no regeneration either.
	if len(client.prompts) != 1 {
		t.Fatalf("model called %d times, want 1", len(client.prompts))
	}
}

func TestRunModelTimeoutAbortsImmediately(t *testing.T) {
	client := &scriptedClient{errs: []error{fmt.Errorf("%w: deadline", ai.ErrModelTimeout)}}
	driver := &stubDriver{snapshot: fixtureSnapshot()}
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := testSession(t, driver)

	_, err := p.Run(context.Background(), session, "show all users", prompt.ModeStrict)
	if !errors.Is(err, ai.ErrModelTimeout) {
		t.Fatalf("err = %v, want ErrModelTimeout", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageModel {
		t.Fatalf("err = %v, want model StageError", err)
	}
	if len(client.prompts) != 1 {
		t.Fatalf("model called %d times, want 1", len(client.prompts))
	}
}

func TestRunRegeneratesAfterExecutionError(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```sql\nSELECT naem FROM users;\n```",
		"```sql\nSELECT name FROM users;\n```",
	}}
	driver := &stubDriver{
		snapshot: fixtureSnapshot(),
		execErrs: []error{&db.ExecError{Dialect: db.DialectPostgres, Code: "42703", Message: `column "naem" does not exist`}},
		result:   db.Result{Columns: []string{"name"}, Rows: [][]any{{"ada"}}, RowsAffected: 1},
	}
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := testSession(t, driver)

	outcome, err := p.Run(context.Background(), session, "list user names", prompt.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != KindResult || outcome.Attempts != 2 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(client.prompts) != 2 {
		t.Fatalf("model called %d times, want 2", len(client.prompts))
	}
	// The retry prompt carries the failed statement and the driver message.
	retry := client.prompts[1].Feedback
	if !strings.Contains(retry, "naem") {
		t.Fatalf("feedback missing failed statement: %q", retry)
	}
}

func TestRunExhaustsAttemptsOnProse(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"I think you want the users table.",
		"Maybe try selecting from users?",
		"Sorry, I cannot help with that.",
	}}
	driver := &stubDriver{snapshot: fixtureSnapshot()}
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := testSession(t, driver)

	_, err := p.Run(context.Background(), session, "show all users", prompt.ModeStrict)
	if !errors.Is(err, extract.ErrNoStatementFound) {
		t.Fatalf("err = %v, want ErrNoStatementFound", err)
	}
	if len(client.prompts) != 3 {
		t.Fatalf("model called %d times, want 3", len(client.prompts))
	}
}

func TestRunClarificationSurfacesWithoutExecution(t *testing.T) {
	client := &scriptedClient{responses: []string{prompt.ClarificationSentinel + " Which users, active or all?"}}
	driver := &stubDriver{snapshot: fixtureSnapshot()}
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := testSession(t, driver)

	outcome, err := p.Run(context.Background(), session, "show them", prompt.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != KindClarification {
		t.Fatalf("kind = %v", outcome.Kind)
	}
	if !strings.Contains(outcome.Message, "active or all") {
		t.Fatalf("message = %q", outcome.Message)
	}
	if len(driver.executed) != 0 {
		t.Fatalf("executed = %v", driver.executed)
	}
}

func TestRunMetadataQuestionAnsweredLocally(t *testing.T) {
	client := &scriptedClient{}
	driver := &stubDriver{snapshot: fixtureSnapshot()}
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := testSession(t, driver)

	outcome, err := p.Run(context.Background(), session, "what tables are in this database?", prompt.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != KindSchemaAnswer {
		t.Fatalf("kind = %v", outcome.Kind)
	}
	if !strings.Contains(outcome.Message, "users") {
		t.Fatalf("message = %q", outcome.Message)
	}
	if len(client.prompts) != 0 {
		t.Fatalf("model called %d times, want 0", len(client.prompts))
	}
}

func TestRunDDLTriggersSchemaResync(t *testing.T) {
	client := &scriptedClient{responses: []string{"```sql\nCREATE TABLE audit (id integer);\n```"}}
	driver := &stubDriver{snapshot: fixtureSnapshot()}
	p, _ := testPipeline(t, testConfig(config.PolicyUnlocked), client)
	session := testSession(t, driver)

	if err := p.Sync(context.Background(), session); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	before := driver.introspect

	outcome, err := p.Run(context.Background(), session, "create an audit table", prompt.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != KindResult {
		t.Fatalf("kind = %v", outcome.Kind)
	}
	if driver.introspect != before+1 {
		t.Fatalf("introspect count = %d, want %d", driver.introspect, before+1)
	}
}

func TestRunDiscardsStateAcrossDatabaseSwitch(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```sql\nSELECT * FROM users;\n```",
		"```sql\nSELECT * FROM shipments;\n```",
	}}
	dir := t.TempDir()
	cache := schema.NewCache(dir)
	log := history.NewLog(filepath.Join(dir, "history.jsonl"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(testConfig(config.PolicyReadOnly), client, cache, log, logger)

	shop := testSession(t, &stubDriver{
		snapshot: fixtureSnapshot(),
		result:   db.Result{Columns: []string{"id"}, Rows: [][]any{{int64(1)}}},
	})
	if _, err := p.Run(context.Background(), shop, "show all users", prompt.ModeStrict); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The warehouse session cannot introspect, but a dump cached by a
	// previous process exists.
	if err := cache.Write("warehouse", "CREATE TABLE shipments (\n    id integer\n);\n"); err != nil {
		t.Fatalf("cache write: %v", err)
	}
	broken := &stubDriver{
		introspectErr: fmt.Errorf("permission denied for pg_catalog"),
		result:        db.Result{Columns: []string{"id"}, Rows: [][]any{{int64(2)}}},
	}
	warehouse := namedSession(t, broken, "warehouse")

	outcome, err := p.Run(context.Background(), warehouse, "show all shipments", prompt.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != KindResult {
		t.Fatalf("kind = %v", outcome.Kind)
	}

	second := client.prompts[1]
	if strings.Contains(second.User, "users") {
		t.Fatalf("prompt carries the previous database's schema: %s", second.User)
	}
	if !strings.Contains(second.User, "CREATE TABLE shipments") {
		t.Fatalf("prompt missing cached schema dump: %s", second.User)
	}
	if len(second.History) != 0 {
		t.Fatalf("conversation history crossed the switch: %+v", second.History)
	}
}

func TestRunSchemaFailureWithoutCacheSurfaces(t *testing.T) {
	client := &scriptedClient{}
	broken := &stubDriver{introspectErr: fmt.Errorf("permission denied for pg_catalog")}
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := namedSession(t, broken, "locked")

	_, err := p.Run(context.Background(), session, "show all users", prompt.ModeStrict)
	if !errors.Is(err, schema.ErrSchemaRead) {
		t.Fatalf("err = %v, want ErrSchemaRead", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageSchema {
		t.Fatalf("err = %v, want schema StageError", err)
	}
	if len(client.prompts) != 0 {
		t.Fatalf("model called %d times, want 0", len(client.prompts))
	}
}

func TestRunWarningsGateExecution(t *testing.T) {
	client := &scriptedClient{responses: []string{"```sql\nSELECT * FROM customers;\n```"}}
	driver := &stubDriver{snapshot: fixtureSnapshot()}
	declined := false
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client,
		WithConfirm(func(v validate.Verdict) bool {
			declined = true
			return false
		}))
	session := testSession(t, driver)

	outcome, err := p.Run(context.Background(), session, "show customers", prompt.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !declined {
		t.Fatal("confirm hook never invoked")
	}
	if outcome.Kind != KindDeclined {
		t.Fatalf("kind = %v", outcome.Kind)
	}
	if len(driver.executed) != 0 {
		t.Fatalf("executed = %v", driver.executed)
	}
}

func TestRunPlotModeEnforcesShape(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```sql\nSELECT id, name, email FROM users;\n```",
		"```sql\nSELECT name, count(*) FROM users GROUP BY name;\n```",
	}}
	driver := &stubDriver{
		snapshot: fixtureSnapshot(),
		result:   db.Result{Columns: []string{"name", "count"}, Rows: [][]any{{"ada", int64(1)}}, RowsAffected: 1},
	}
	p, _ := testPipeline(t, testConfig(config.PolicyReadOnly), client)
	session := testSession(t, driver)

	outcome, err := p.Run(context.Background(), session, "plot users per name", prompt.ModePlot)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != KindResult || outcome.Attempts != 2 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(driver.executed) != 1 {
		t.Fatalf("executed = %v", driver.executed)
	}
}
