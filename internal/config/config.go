package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/deep-research/internal/otel"
)

// LLMConfig selects the reasoning engine.
type LLMConfig struct {
	// Provider is "anthropic", "openai", "openai_compatible", "google" or
	// "scripted" (offline replay, no model calls).
	Provider string `yaml:"provider" validate:"omitempty,oneof=anthropic openai openai_compatible google scripted"`
	Model    string `yaml:"model"`

	// OpenAI-compatible endpoint settings.
	BaseURL                  string `yaml:"base_url"`
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`

	// FallbackProviders are tried in order when the primary fails before
	// producing any output.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold" validate:"gte=0"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds" validate:"gte=0"`
}

type SearchConfig struct {
	// Provider names the search provider to try first ("tavily" or "brave").
	Provider        string `yaml:"provider" validate:"omitempty,oneof=tavily brave"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds" validate:"gte=0"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr   string `yaml:"bind_addr"`
	LogLevel   string `yaml:"log_level" validate:"oneof=debug info warn error"`
	CORSOrigin string `yaml:"cors_origin"`

	MaxConcurrentResearch int     `yaml:"max_concurrent_research" validate:"gte=1,lte=64"`
	MaxTurns              int     `yaml:"max_turns" validate:"gte=1,lte=500"`
	MaxBudgetPerResearch  float64 `yaml:"max_budget_per_research" validate:"gt=0"`

	// JobTimeoutSeconds bounds a job's wall-clock time. 0 disables the limit.
	JobTimeoutSeconds int `yaml:"job_timeout_seconds" validate:"gte=0"`

	// DrainTimeoutSeconds bounds how long shutdown waits for running jobs.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds" validate:"gte=0"`

	// MaxUploadMB caps the size of an uploaded document.
	MaxUploadMB int `yaml:"max_upload_mb" validate:"gte=1"`

	// RetentionDays purges finished jobs older than this many days. 0 keeps
	// everything.
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
	// RetentionSchedule is the cron expression the purge runs on.
	RetentionSchedule string `yaml:"retention_schedule"`

	LLM    LLMConfig    `yaml:"llm"`
	Search SearchConfig `yaml:"search"`

	// APIKeys holds provider keys by name: anthropic, openai, google,
	// tavily, brave. Environment variables take precedence.
	APIKeys map[string]string `yaml:"api_keys"`

	Telemetry otel.Config `yaml:"telemetry"`
}

// apiKeyEnv maps APIKeys names to the environment variables that override
// them.
var apiKeyEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"google":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"tavily":    {"TAVILY_API_KEY"},
	"brave":     {"BRAVE_API_KEY"},
}

// APIKey returns the key for name, checking the environment first.
func (c Config) APIKey(name string) string {
	for _, env := range apiKeyEnv[name] {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if c.APIKeys != nil {
		return c.APIKeys[name]
	}
	return ""
}

// JobTimeout returns the per-job wall-clock limit, zero when disabled.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c Config) FailoverCooldown() time.Duration {
	return time.Duration(c.LLM.FailoverCooldownSeconds) * time.Second
}

func (c Config) SearchCacheTTL() time.Duration {
	return time.Duration(c.Search.CacheTTLSeconds) * time.Second
}

func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the SQLite database path within the home directory.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "deepresearch.db")
}

// Fingerprint returns a stable hash of the settings that shape a run.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|cap=%d|turns=%d|budget=%.4f|provider=%s|model=%s|search=%s|timeout=%d",
		c.BindAddr, c.LogLevel, c.MaxConcurrentResearch, c.MaxTurns, c.MaxBudgetPerResearch,
		c.LLM.Provider, c.LLM.Model, c.Search.Provider, c.JobTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:3001",
		LogLevel:              "info",
		CORSOrigin:            "http://localhost:3000",
		MaxConcurrentResearch: 2,
		MaxTurns:              50,
		MaxBudgetPerResearch:  3.0,
		DrainTimeoutSeconds:   10,
		MaxUploadMB:           10,
		RetentionDays:         30,
		RetentionSchedule:     "@daily",
		LLM: LLMConfig{
			Provider:                "anthropic",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Search: SearchConfig{
			Provider:        "tavily",
			CacheTTLSeconds: 900,
		},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "deepresearch",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("DEEPRESEARCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".deepresearch")
}

// Load reads config.yaml from HomeDir, layers .env files and environment
// variables on top, and validates the result. A missing config.yaml is not
// an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create deepresearch home: %w", err)
	}
	loadDotEnv(cfg.HomeDir)

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads ./.env then <home>/.env. Variables already set in the
// environment win, and missing files are ignored.
func loadDotEnv(homeDir string) {
	for _, path := range []string{".env", filepath.Join(homeDir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:3001"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.MaxConcurrentResearch <= 0 {
		cfg.MaxConcurrentResearch = 2
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.MaxBudgetPerResearch <= 0 {
		cfg.MaxBudgetPerResearch = 3.0
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 10
	}
	if strings.TrimSpace(cfg.RetentionSchedule) == "" {
		cfg.RetentionSchedule = "@daily"
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = "anthropic"
	case "gemini", "googleai":
		cfg.LLM.Provider = "google"
	case "claude":
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.FailoverThreshold == 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds == 0 {
		cfg.LLM.FailoverCooldownSeconds = 300
	}
	cfg.Search.Provider = strings.ToLower(strings.TrimSpace(cfg.Search.Provider))
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "deepresearch"
	}
}

var validate = func() func(Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg Config) error {
		if err := v.Struct(cfg); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				msgs := make([]string, 0, len(verrs))
				for _, fe := range verrs {
					msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
				}
				return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
			}
			return fmt.Errorf("invalid config: %w", err)
		}
		if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
			return fmt.Errorf("invalid config: bind_addr %q: %w", cfg.BindAddr, err)
		}
		return nil
	}
}()

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("MAX_CONCURRENT_RESEARCH"); ok {
		cfg.MaxConcurrentResearch = v
	}
	if v, ok := envInt("MAX_TURNS"); ok {
		cfg.MaxTurns = v
	}
	if raw := os.Getenv("MAX_BUDGET_PER_RESEARCH"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.MaxBudgetPerResearch = v
		}
	}
	if v, ok := envInt("JOB_TIMEOUT_SECONDS"); ok {
		cfg.JobTimeoutSeconds = v
	}
	if raw := os.Getenv("DEFAULT_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("SEARCH_PROVIDER"); raw != "" {
		cfg.Search.Provider = raw
	}
	if raw := os.Getenv("BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	// PORT replaces only the port of the bind address.
	if raw := os.Getenv("PORT"); raw != "" {
		if _, err := strconv.Atoi(raw); err == nil {
			host, _, err := net.SplitHostPort(cfg.BindAddr)
			if err != nil {
				host = "127.0.0.1"
			}
			cfg.BindAddr = net.JoinHostPort(host, raw)
		}
	}
	if raw := os.Getenv("CORS_ORIGIN"); raw != "" {
		cfg.CORSOrigin = raw
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp-http"
		// otlptracehttp takes host:port.
		cfg.Telemetry.Endpoint = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
