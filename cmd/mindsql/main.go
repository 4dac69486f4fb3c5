package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AkhildevCV/mindsql-package/internal/ai"
	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/db"
	"github.com/AkhildevCV/mindsql-package/internal/history"
	"github.com/AkhildevCV/mindsql-package/internal/observability"
	"github.com/AkhildevCV/mindsql-package/internal/pipeline"
	"github.com/AkhildevCV/mindsql-package/internal/prompt"
	"github.com/AkhildevCV/mindsql-package/internal/schema"
	"github.com/AkhildevCV/mindsql-package/internal/shell"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.MetricsAddr != "" {
		go func() {
			if err := observability.ServeMetrics(cfg.Observability.MetricsAddr); err != nil {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	profiles, err := config.LoadProfiles(cfg.Paths.StateDir)
	if err != nil {
		logger.Warn("could not load connection profiles", slog.Any("error", err))
		profiles = &config.ProfileStore{}
	}

	manager := db.NewManager(cfg.DB, logger)
	client := ai.NewOpenAIClient(cfg.AI)

	var target string
	root := &cobra.Command{
		Use:           "mindsql",
		Short:         "Ask your database questions in plain language",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := shell.Run(ctx, shell.Options{
				Config:   cfg,
				Client:   client,
				Manager:  manager,
				Logger:   logger,
				Target:   resolveTarget(target, profiles),
				Profiles: profiles,
				Stdin:    os.Stdin,
				Stdout:   os.Stdout,
				Stderr:   os.Stderr,
			})
			if code != 0 {
				return fmt.Errorf("shell exited with code %d", code)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&target, "connect", "c", "", "connection descriptor, saved profile name, or duckdb file")

	var askMode string
	ask := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one question and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(ctx, cfg, client, manager, logger, resolveTarget(target, profiles), strings.Join(args, " "), parseMode(askMode))
		},
	}
	ask.Flags().StringVar(&askMode, "mode", "strict", "generation mode: strict, explain, or plot")

	var setDefault bool
	connectCmd := &cobra.Command{
		Use:   "connect <dsn | name | file.duckdb>",
		Short: "Test a connection and save it as a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := manager.Connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			profiles.Remember(config.ConnectionProfile{
				Name:    session.Database(),
				DSN:     args[0],
				Dialect: string(session.Dialect()),
			})
			if setDefault {
				profiles.Default = session.Database()
			}
			if err := config.SaveProfiles(cfg.Paths.StateDir, profiles); err != nil {
				return fmt.Errorf("saving profile: %w", err)
			}
			fmt.Printf("connected to %s (%s); profile saved\n", session.Database(), session.Dialect())
			return nil
		},
	}
	connectCmd.Flags().BoolVar(&setDefault, "default", false, "make this the default profile")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the connected database's schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSchema(ctx, cfg, manager, logger, resolveTarget(target, profiles))
		},
	}

	root.AddCommand(ask, connectCmd, schemaCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

// resolveTarget falls back to the saved default profile when no descriptor
// was given on the command line.
func resolveTarget(flag string, profiles *config.ProfileStore) string {
	if flag != "" {
		return flag
	}
	if p, ok := profiles.DefaultProfile(); ok {
		return p.DSN
	}
	return ""
}

func parseMode(raw string) prompt.Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "explain":
		return prompt.ModeExplain
	case "plot":
		return prompt.ModePlot
	}
	return prompt.ModeStrict
}

// oneShot runs a single question outside the interactive loop, for scripts
// and quick checks.
func oneShot(ctx context.Context, cfg config.Config, client ai.Client, manager *db.Manager, logger *slog.Logger, target, question string, mode prompt.Mode) error {
	if target == "" {
		return fmt.Errorf("no database: pass --connect or save a default profile")
	}
	session, err := manager.Connect(ctx, target)
	if err != nil {
		return err
	}
	defer session.Close()

	log := history.NewLog(cfg.Paths.HistoryFile)
	pipe := pipeline.New(cfg, client, schema.NewCache(cfg.Paths.StateDir), log, logger)

	outcome, err := pipe.Run(ctx, session, question, mode)
	if err != nil {
		return err
	}
	switch outcome.Kind {
	case pipeline.KindClarification:
		return fmt.Errorf("the model needs more detail: %s", outcome.Message)
	case pipeline.KindSchemaAnswer:
		fmt.Println(outcome.Message)
		return nil
	case pipeline.KindRejected:
		return fmt.Errorf("blocked by policy (%s): %s", outcome.Verdict.Reason, outcome.SQL)
	case pipeline.KindDeclined:
		return fmt.Errorf("declined")
	}

	fmt.Printf("-- %s\n", outcome.SQL)
	result := outcome.Result
	if len(result.Columns) == 0 {
		fmt.Printf("ok (%d rows affected)\n", result.RowsAffected)
		return nil
	}
	fmt.Println(strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprintf("%v", v)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
	return nil
}

func printSchema(ctx context.Context, cfg config.Config, manager *db.Manager, logger *slog.Logger, target string) error {
	if target == "" {
		return fmt.Errorf("no database: pass --connect or save a default profile")
	}
	session, err := manager.Connect(ctx, target)
	if err != nil {
		return err
	}
	defer session.Close()

	snap, err := schema.Refresh(ctx, session)
	if err != nil {
		return err
	}
	if err := schema.NewCache(cfg.Paths.StateDir).Write(session.Database(), schema.Render(snap)); err != nil {
		logger.Warn("schema cache write failed", slog.Any("error", err))
	}
	fmt.Print(schema.Render(snap))
	return nil
}
