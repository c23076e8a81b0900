package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "int"
	case kBool:
		return "bool"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

// keySpec binds a dotted config key to its environment variable and Config
// field. Secret keys are never read from or written to the config file.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LERNPFAD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.public_url", typ: kString, env: "LERNPFAD_SERVER_PUBLIC_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicURL },
	},
	{
		key: "server.api_token", typ: kString, env: "LERNPFAD_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.driver", typ: kString, env: "LERNPFAD_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LERNPFAD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "LERNPFAD_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "ollama.enabled", typ: kBool, env: "LERNPFAD_OLLAMA_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.Enabled },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LERNPFAD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "LERNPFAD_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "LERNPFAD_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.model", typ: kString, env: "LERNPFAD_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.Model },
	},
	{
		key: "openai.api_key", typ: kString, env: "LERNPFAD_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "LERNPFAD_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.model", typ: kString, env: "LERNPFAD_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Model },
	},
	{
		key: "workflow.max_concurrent", typ: kInt, env: "LERNPFAD_WORKFLOW_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Workflow.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.MaxConcurrent },
	},
	{
		key: "workflow.job_timeout", typ: kDuration, env: "LERNPFAD_WORKFLOW_JOB_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Workflow.JobTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Workflow.JobTimeout },
	},
	{
		key: "workflow.poll_interval", typ: kDuration, env: "LERNPFAD_WORKFLOW_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Workflow.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Workflow.PollInterval },
	},
	{
		key: "research.max_attempts", typ: kInt, env: "LERNPFAD_RESEARCH_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Research.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Research.MaxAttempts },
	},
	{
		key: "research.fallback", typ: kBool, env: "LERNPFAD_RESEARCH_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Research.Fallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.Research.Fallback },
	},
	{
		key: "research.max_source_tokens", typ: kInt, env: "LERNPFAD_RESEARCH_MAX_SOURCE_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Research.MaxSourceTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Research.MaxSourceTokens },
	},
	{
		key: "log.level", typ: kString, env: "LERNPFAD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "LERNPFAD_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

// parseValue converts raw to the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
