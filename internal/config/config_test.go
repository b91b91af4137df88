// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
backend:
  url: "https://chat.example.com"
  token: "secret-token"
  model: "assistant-v2"
  agent_id: "benefits"
  language: "en"
  web_search: true

queue:
  path: "./queue.db"
  max_attempts: 3
  rate_per_sec: 1.5
  burst: 2

templates:
  manifest_path: "./templates.toml"

sync:
  poll_interval: "45s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.URL != "https://chat.example.com" {
		t.Errorf("Backend.URL = %q, want %q", cfg.Backend.URL, "https://chat.example.com")
	}
	if cfg.Backend.Token != "secret-token" {
		t.Errorf("Backend.Token = %q, want %q", cfg.Backend.Token, "secret-token")
	}
	if cfg.Backend.Model != "assistant-v2" {
		t.Errorf("Backend.Model = %q, want %q", cfg.Backend.Model, "assistant-v2")
	}
	if !cfg.Backend.WebSearch {
		t.Error("Backend.WebSearch = false, want true")
	}

	if cfg.Queue.Path != "./queue.db" {
		t.Errorf("Queue.Path = %q, want %q", cfg.Queue.Path, "./queue.db")
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.RatePerSec != 1.5 {
		t.Errorf("Queue.RatePerSec = %v, want 1.5", cfg.Queue.RatePerSec)
	}
	if cfg.Queue.Burst != 2 {
		t.Errorf("Queue.Burst = %d, want 2", cfg.Queue.Burst)
	}

	if cfg.Templates.ManifestPath != "./templates.toml" {
		t.Errorf("Templates.ManifestPath = %q, want %q", cfg.Templates.ManifestPath, "./templates.toml")
	}

	if cfg.Sync.PollInterval != 45*time.Second {
		t.Errorf("Sync.PollInterval = %v, want 45s", cfg.Sync.PollInterval)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	configPath := writeConfig(t, `
backend:
  url: "https://chat.example.com"
  model: "assistant-v2"

queue:
  path: "./queue.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("Queue.MaxAttempts = %d, want default 5", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.RatePerSec != 2 {
		t.Errorf("Queue.RatePerSec = %v, want default 2", cfg.Queue.RatePerSec)
	}
	if cfg.Queue.Burst != 1 {
		t.Errorf("Queue.Burst = %d, want default 1", cfg.Queue.Burst)
	}
	if cfg.Sync.PollInterval != 30*time.Second {
		t.Errorf("Sync.PollInterval = %v, want default 30s", cfg.Sync.PollInterval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want default %q", cfg.Logging.Format, "text")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_TOKEN", "env-token-value")

	configPath := writeConfig(t, `
backend:
  url: "https://chat.example.com"
  token: "${CHATRELAY_TEST_TOKEN}"
  model: "assistant-v2"

queue:
  path: "./queue.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.Token != "env-token-value" {
		t.Errorf("Backend.Token = %q, want %q", cfg.Backend.Token, "env-token-value")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	os.Unsetenv("CHATRELAY_DEFINITELY_UNSET")

	configPath := writeConfig(t, `
backend:
  url: "https://chat.example.com"
  token: "${CHATRELAY_DEFINITELY_UNSET}"
  model: "assistant-v2"

queue:
  path: "./queue.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.Token != "" {
		t.Errorf("Backend.Token = %q, want empty", cfg.Backend.Token)
	}
}

func TestLoad_MissingBackendURL(t *testing.T) {
	configPath := writeConfig(t, `
backend:
  model: "assistant-v2"

queue:
  path: "./queue.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want validation error")
	}
	if !strings.Contains(err.Error(), "backend.url") {
		t.Errorf("error = %v, want mention of backend.url", err)
	}
}

func TestLoad_MissingQueuePath(t *testing.T) {
	configPath := writeConfig(t, `
backend:
  url: "https://chat.example.com"
  model: "assistant-v2"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want validation error")
	}
	if !strings.Contains(err.Error(), "queue.path") {
		t.Errorf("error = %v, want mention of queue.path", err)
	}
}

func TestLoad_InvalidPollInterval(t *testing.T) {
	configPath := writeConfig(t, `
backend:
  url: "https://chat.example.com"
  model: "assistant-v2"

queue:
  path: "./queue.db"

sync:
  poll_interval: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want duration parse error")
	}
	if !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("error = %v, want mention of poll_interval", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want file error")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	configPath := writeConfig(t, "backend: [this is: not valid\n")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}
