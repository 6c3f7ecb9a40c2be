package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "client": {"base_url": "http://relay.local:9000", "transport": "stream", "self_id": "u1", "pending_timeout_ms": 3000},
	  "reconnect": {"max_attempts": 2},
	  "relay": {"port": 9000, "allowed_origins": ["http://localhost:3000"]},
	  "planner": {"provider": "openai", "model": "gpt-5.2"},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("LOOPSYNC_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Client.Transport != "stream" {
		t.Fatalf("client.transport = %q, want %q", cfg.Client.Transport, "stream")
	}
	if cfg.Client.PendingTimeoutMS != 3000 {
		t.Fatalf("client.pending_timeout_ms = %d, want 3000", cfg.Client.PendingTimeoutMS)
	}
	if cfg.Client.HistoryPageSize != 50 {
		t.Fatalf("client.history_page_size = %d, want default 50", cfg.Client.HistoryPageSize)
	}
	if cfg.Reconnect.MaxAttempts != 2 || cfg.Reconnect.BaseDelayMS != 500 {
		t.Fatalf("reconnect = %+v, want max_attempts 2 with default base delay", cfg.Reconnect)
	}
	if cfg.Planner.Provider != "openai" {
		t.Fatalf("planner.provider = %q, want openai", cfg.Planner.Provider)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
client:
  base_url: http://127.0.0.1:7000
  await_replies: false
relay:
  rate_per_second: 1.5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("LOOPSYNC_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Client.AwaitReplies {
		t.Fatal("client.await_replies = true, want false")
	}
	if cfg.Relay.RatePerSecond != 1.5 {
		t.Fatalf("relay.rate_per_second = %v, want 1.5", cfg.Relay.RatePerSecond)
	}
	if cfg.Client.Transport != "socket" {
		t.Fatalf("client.transport = %q, want default socket", cfg.Client.Transport)
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("LOOPSYNC_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOOPSYNC_CONFIG", "")
	t.Setenv("LOOPSYNC_BASE_URL", "https://chat.example.com")
	t.Setenv("LOOPSYNC_SELF_ID", "u7")
	t.Setenv("LOOPSYNC_ALLOWED_ORIGINS", " http://a.test , ,http://b.test")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Client.BaseURL != "https://chat.example.com" || cfg.Client.SelfID != "u7" {
		t.Fatalf("client = %+v, want env overrides", cfg.Client)
	}
	if len(cfg.Relay.AllowedOrigins) != 2 || cfg.Relay.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("allowed_origins = %v", cfg.Relay.AllowedOrigins)
	}
}

func TestLoadConfigRejectsUnknownTransport(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOOPSYNC_CONFIG", "")
	t.Setenv("LOOPSYNC_TRANSPORT", "carrier-pigeon")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LOOPSYNC_CONFIG", "")
	t.Setenv("LOOPSYNC_SELF_ID", "")
	os.Unsetenv("LOOPSYNC_SELF_ID")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LOOPSYNC_SELF_ID=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Client.SelfID != "from-dotenv" {
		t.Fatalf("self_id = %q, want from-dotenv", cfg.Client.SelfID)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(1500); got != 1500*time.Millisecond {
		t.Fatalf("Duration(1500) = %v", got)
	}
	if got := Duration(-1); got != 0 {
		t.Fatalf("Duration(-1) = %v, want 0", got)
	}
}
