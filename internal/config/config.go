package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

// PolicyMode selects the statement allow-list enforced before execution.
type PolicyMode string

const (
	PolicyReadOnly  PolicyMode = "readonly"
	PolicyReadWrite PolicyMode = "readwrite"
	PolicyUnlocked  PolicyMode = "unlocked"
)

type Config struct {
	Profile       Profile
	AI            AIConfig
	DB            DBConfig
	Generation    GenerationConfig
	Policy        PolicyConfig
	Paths         PathsConfig
	Observability ObservabilityConfig
}

type AIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
	Stream      bool
}

type DBConfig struct {
	// BaseDSN completes bare database names typed at the shell
	// (connect mydb -> BaseDSN + mydb).
	BaseDSN           string
	MaxConns          int
	MinConns          int
	HealthCheckPeriod time.Duration
	ConnMaxIdleTime   time.Duration
	ConnectRetries    int
	ConnectBackoff    time.Duration
	QueryTimeout      time.Duration
}

type GenerationConfig struct {
	MaxAttempts   int
	HistoryWindow int
}

type PolicyConfig struct {
	Mode PolicyMode
}

type PathsConfig struct {
	StateDir    string
	HistoryFile string
}

type ObservabilityConfig struct {
	LogLevel    slog.Level
	LogJSON     bool
	MetricsAddr string
}

func LoadFromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

func Load(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("MINDSQL_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid MINDSQL_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)

	if err := applyString(lookup, "MINDSQL_AI_BASE_URL", &cfg.AI.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "MINDSQL_AI_API_KEY", &cfg.AI.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "MINDSQL_AI_MODEL", &cfg.AI.Model); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "MINDSQL_AI_TEMPERATURE", &cfg.AI.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "MINDSQL_AI_TOP_P", &cfg.AI.TopP); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MINDSQL_AI_MAX_TOKENS", &cfg.AI.MaxTokens); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "MINDSQL_AI_TIMEOUT", &cfg.AI.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "MINDSQL_AI_STREAM", &cfg.AI.Stream); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "MINDSQL_DB_BASE_DSN", &cfg.DB.BaseDSN); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MINDSQL_DB_MAX_CONNS", &cfg.DB.MaxConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MINDSQL_DB_MIN_CONNS", &cfg.DB.MinConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "MINDSQL_DB_HEALTH_CHECK_PERIOD", &cfg.DB.HealthCheckPeriod); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "MINDSQL_DB_CONN_MAX_IDLE_TIME", &cfg.DB.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MINDSQL_DB_CONNECT_RETRIES", &cfg.DB.ConnectRetries); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "MINDSQL_DB_CONNECT_BACKOFF", &cfg.DB.ConnectBackoff); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "MINDSQL_DB_QUERY_TIMEOUT", &cfg.DB.QueryTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MINDSQL_GENERATION_MAX_ATTEMPTS", &cfg.Generation.MaxAttempts); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MINDSQL_GENERATION_HISTORY_WINDOW", &cfg.Generation.HistoryWindow); err != nil {
		return Config{}, err
	}
	if err := applyPolicyMode(lookup, "MINDSQL_POLICY_MODE", &cfg.Policy.Mode); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "MINDSQL_STATE_DIR", &cfg.Paths.StateDir); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "MINDSQL_HISTORY_FILE", &cfg.Paths.HistoryFile); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "MINDSQL_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "MINDSQL_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "MINDSQL_METRICS_ADDR", &cfg.Observability.MetricsAddr); err != nil {
		return Config{}, err
	}

	if cfg.AI.BaseURL == "" {
		return Config{}, fmt.Errorf("ai base url is required")
	}
	if cfg.AI.Model == "" {
		return Config{}, fmt.Errorf("ai model is required")
	}
	if cfg.Generation.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("generation max attempts must be at least 1")
	}
	if cfg.Paths.HistoryFile == "" {
		cfg.Paths.HistoryFile = filepath.Join(cfg.Paths.StateDir, "history.jsonl")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		AI: AIConfig{
			// Ollama exposes an OpenAI-compatible API under /v1.
			BaseURL:     "http://localhost:11434/v1",
			Model:       "mindsql-v2",
			Temperature: 0.3,
			TopP:        0.9,
			MaxTokens:   150,
			Timeout:     30 * time.Second,
			Stream:      false,
		},
		DB: DBConfig{
			MaxConns:          5,
			MinConns:          1,
			HealthCheckPeriod: 30 * time.Second,
			ConnMaxIdleTime:   5 * time.Minute,
			ConnectRetries:    3,
			ConnectBackoff:    500 * time.Millisecond,
			QueryTimeout:      30 * time.Second,
		},
		Generation: GenerationConfig{
			MaxAttempts:   3,
			HistoryWindow: 8,
		},
		Policy: PolicyConfig{Mode: PolicyReadWrite},
		Paths: PathsConfig{
			StateDir: defaultStateDir(),
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.AI.Timeout = 2 * time.Second
		cfg.DB.ConnectBackoff = 10 * time.Millisecond
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Policy.Mode = PolicyReadOnly
	}

	return cfg
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mindsql"
	}
	return filepath.Join(home, ".mindsql")
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyPolicyMode(lookup LookupFunc, key string, dst *PolicyMode) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	mode := PolicyMode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case PolicyReadOnly, PolicyReadWrite, PolicyUnlocked:
		*dst = mode
		return nil
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
