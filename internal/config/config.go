package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Ollama     OllamaConfig
	OpenRouter OpenRouterConfig
	OpenAI     OpenAIConfig
	Workflow   WorkflowConfig
	Research   ResearchConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// PublicURL prefixes redirect URLs handed to clients. Empty means relative.
	PublicURL string
	// APIToken enables bearer auth on the HTTP API when set.
	APIToken string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	PostgresDSN string
}

type OllamaConfig struct {
	Enabled bool
	BaseURL string
	Model   string
}

type OpenRouterConfig struct {
	APIKey string
	Model  string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type WorkflowConfig struct {
	MaxConcurrent int
	JobTimeout    time.Duration
	PollInterval  time.Duration
}

type ResearchConfig struct {
	MaxAttempts     int
	Fallback        bool
	MaxSourceTokens int
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1:8b",
		},
		OpenRouter: OpenRouterConfig{
			Model: "openai/gpt-4o-mini",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Workflow: WorkflowConfig{
			MaxConcurrent: 4,
			JobTimeout:    10 * time.Minute,
			PollInterval:  500 * time.Millisecond,
		},
		Research: ResearchConfig{
			MaxAttempts:     3,
			MaxSourceTokens: 6000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// HasProvider reports whether at least one text-generation provider is configured.
func (c Config) HasProvider() bool {
	return c.Ollama.Enabled || c.OpenRouter.APIKey != "" || c.OpenAI.APIKey != ""
}

// Load reads configuration in increasing precedence: defaults, the JSON
// file at $XDG_CONFIG_HOME/lernpfad/config.json, then LERNPFAD_* environment
// variables. A .env file in the working directory is loaded into the
// environment first without overriding variables that are already set.
// Secrets are only ever read from the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env file: %w", err)
	}
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-key constraints.
func (c Config) Validate() error {
	var errs []error

	if !c.HasProvider() {
		errs = append(errs, errors.New("no text-generation provider configured: set LERNPFAD_OPENROUTER_API_KEY, "+
			"LERNPFAD_OPENAI_API_KEY, or enable Ollama with LERNPFAD_OLLAMA_ENABLED=true"))
	}
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.driver is postgres but LERNPFAD_POSTGRES_DSN is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q (want %s or %s)", c.Storage.Driver, DriverSQLite, DriverPostgres))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log.format %q", c.Log.Format))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port %d", c.Server.Port))
	}
	if c.Workflow.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("workflow.max_concurrent must be positive, got %d", c.Workflow.MaxConcurrent))
	}
	if c.Research.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("research.max_attempts must be positive, got %d", c.Research.MaxAttempts))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "lernpfad-data"
		}
	}
	return filepath.Join(dir, "lernpfad")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "lernpfad", "config.json")
}
