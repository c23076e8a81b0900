package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	data map[string]any
}

func newMemBackend(kv map[string]any) *memBackend {
	if kv == nil {
		kv = map[string]any{}
	}
	return &memBackend{data: kv}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return "", true, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *memBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *memBackend) Delete(key string) error { delete(m.data, key); return nil }

// clearEnv blanks every LERNPFAD_* variable so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LERNPFAD_OPENROUTER_API_KEY", "test-key")

	cfg, err := loadWith(newMemBackend(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Ollama.Enabled {
		t.Error("Ollama.Enabled should default to false")
	}
	if cfg.Workflow.MaxConcurrent != 4 {
		t.Errorf("Workflow.MaxConcurrent = %d, want 4", cfg.Workflow.MaxConcurrent)
	}
	if cfg.Workflow.JobTimeout != 10*time.Minute {
		t.Errorf("Workflow.JobTimeout = %v, want 10m", cfg.Workflow.JobTimeout)
	}
	if cfg.Research.MaxAttempts != 3 {
		t.Errorf("Research.MaxAttempts = %d, want 3", cfg.Research.MaxAttempts)
	}
	if cfg.Research.Fallback {
		t.Error("Research.Fallback should default to false")
	}
	if cfg.Research.MaxSourceTokens != 6000 {
		t.Errorf("Research.MaxSourceTokens = %d, want 6000", cfg.Research.MaxSourceTokens)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want info/text", cfg.Log)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("LERNPFAD_OPENAI_API_KEY", "sk-test")

	cfg, err := loadWith(newMemBackend(map[string]any{
		"server.port":            9000,
		"ollama.enabled":         "true",
		"workflow.job_timeout":   "90s",
		"research.fallback":      "true",
		"openai.model":           "gpt-4o",
		"openai.api_key":         "from-file",
		"workflow.poll_interval": "not-a-duration",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if !cfg.Ollama.Enabled {
		t.Error("Ollama.Enabled = false, want true")
	}
	if cfg.Workflow.JobTimeout != 90*time.Second {
		t.Errorf("Workflow.JobTimeout = %v, want 90s", cfg.Workflow.JobTimeout)
	}
	if cfg.Workflow.PollInterval != 500*time.Millisecond {
		t.Errorf("unparseable duration should keep default, got %v", cfg.Workflow.PollInterval)
	}
	if !cfg.Research.Fallback {
		t.Error("Research.Fallback = false, want true")
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Errorf("OpenAI.Model = %q, want gpt-4o", cfg.OpenAI.Model)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("secrets must come from the environment only, got %q", cfg.OpenAI.APIKey)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("LERNPFAD_OPENROUTER_API_KEY", "env-key")
	t.Setenv("LERNPFAD_SERVER_PORT", "7070")
	t.Setenv("LERNPFAD_WORKFLOW_MAX_CONCURRENT", "abc")
	t.Setenv("LERNPFAD_LOG_FORMAT", "json")

	cfg, err := loadWith(newMemBackend(map[string]any{"server.port": 9000}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Workflow.MaxConcurrent != 4 {
		t.Errorf("invalid int env should keep default, got %d", cfg.Workflow.MaxConcurrent)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
	if cfg.OpenRouter.APIKey != "env-key" {
		t.Errorf("OpenRouter.APIKey = %q, want env-key", cfg.OpenRouter.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"no provider", nil, "no text-generation provider"},
		{"ollama only", map[string]string{"LERNPFAD_OLLAMA_ENABLED": "true"}, ""},
		{"postgres without dsn", map[string]string{
			"LERNPFAD_OLLAMA_ENABLED": "true",
			"LERNPFAD_STORAGE_DRIVER": "postgres",
		}, "LERNPFAD_POSTGRES_DSN"},
		{"postgres with dsn", map[string]string{
			"LERNPFAD_OLLAMA_ENABLED": "true",
			"LERNPFAD_STORAGE_DRIVER": "postgres",
			"LERNPFAD_POSTGRES_DSN":   "postgres://localhost/lernpfad",
		}, ""},
		{"unknown driver", map[string]string{
			"LERNPFAD_OLLAMA_ENABLED": "true",
			"LERNPFAD_STORAGE_DRIVER": "mysql",
		}, "unknown storage.driver"},
		{"bad log level", map[string]string{
			"LERNPFAD_OLLAMA_ENABLED": "true",
			"LERNPFAD_LOG_LEVEL":      "verbose",
		}, "invalid log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadWith(newMemBackend(nil))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend(nil)

	if err := setKey(b, "server.port", "9001"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b.data["server.port"] != 9001 {
		t.Errorf("server.port stored as %#v, want int 9001", b.data["server.port"])
	}
	if err := setKey(b, "workflow.job_timeout", "5m"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b.data["workflow.job_timeout"] != "5m" {
		t.Errorf("workflow.job_timeout stored as %#v", b.data["workflow.job_timeout"])
	}

	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "research.fallback", "maybe"); err == nil {
		t.Error("expected error for non-bool value")
	}
	if err := setKey(b, "openai.api_key", "sk"); err == nil || !strings.Contains(err.Error(), "LERNPFAD_OPENAI_API_KEY") {
		t.Errorf("secret key error = %v", err)
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenAI.APIKey = "sk-very-secret"

	for _, ki := range ShowAll(cfg) {
		if strings.Contains(ki.Value, "sk-very-secret") {
			t.Fatalf("secret leaked in %s", ki.Key)
		}
		if ki.Key == "openai.api_key" && ki.Value != "********" {
			t.Errorf("openai.api_key shown as %q", ki.Value)
		}
		if ki.Key == "openrouter.api_key" && ki.Value != "(unset)" {
			t.Errorf("openrouter.api_key shown as %q", ki.Value)
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lernpfad", "config.json")

	b := newFileBackend(path)
	if err := b.SetInt("server.port", 8181); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reloaded := newFileBackend(path)
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 8181 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	level, ok, _ := reloaded.GetString("log.level")
	if !ok || level != "debug" {
		t.Errorf("GetString = %q, %v", level, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}
