package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envConfig    = "LOOPSYNC_CONFIG"
	envBaseURL   = "LOOPSYNC_BASE_URL"
	envTransport = "LOOPSYNC_TRANSPORT"
	envSelfID    = "LOOPSYNC_SELF_ID"
	envOrigins   = "LOOPSYNC_ALLOWED_ORIGINS"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Client    ClientConfig    `json:"client" yaml:"client"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Planner   PlannerConfig   `json:"planner" yaml:"planner"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// ClientConfig describes how the chat client reaches its backend.
type ClientConfig struct {
	BaseURL          string `json:"base_url" yaml:"base_url"`
	Transport        string `json:"transport" yaml:"transport"`
	SelfID           string `json:"self_id" yaml:"self_id"`
	AwaitReplies     bool   `json:"await_replies" yaml:"await_replies"`
	HistoryPageSize  int    `json:"history_page_size" yaml:"history_page_size"`
	PendingTimeoutMS int    `json:"pending_timeout_ms" yaml:"pending_timeout_ms"`
	ReplyTimeoutMS   int    `json:"reply_timeout_ms" yaml:"reply_timeout_ms"`
	SendTimeoutMS    int    `json:"send_timeout_ms" yaml:"send_timeout_ms"`
}

// ReconnectConfig bounds the push-channel reconnect schedule.
type ReconnectConfig struct {
	BaseDelayMS int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms" yaml:"max_delay_ms"`
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// RelayConfig configures the development relay server.
type RelayConfig struct {
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	DataDir        string   `json:"data_dir" yaml:"data_dir"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	RatePerSecond  float64  `json:"rate_per_second" yaml:"rate_per_second"`
	Burst          int      `json:"burst" yaml:"burst"`
}

// PlannerConfig selects the responder that answers messages on the relay.
type PlannerConfig struct {
	Provider string               `json:"provider" yaml:"provider"`
	Model    string               `json:"model" yaml:"model"`
	OpenAI   OpenAIPlannerConfig   `json:"openai" yaml:"openai"`
	OpenCode OpenCodePlannerConfig `json:"opencode" yaml:"opencode"`
}

// OpenAIPlannerConfig configures the OpenAI responder client.
type OpenAIPlannerConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url"`
	APIKeyEnv             string `json:"api_key_env" yaml:"api_key_env"`
	Organization          string `json:"organization" yaml:"organization"`
	Project               string `json:"project" yaml:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// OpenCodePlannerConfig configures the OpenCode responder client.
type OpenCodePlannerConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url"`
	Username              string `json:"username" yaml:"username"`
	PasswordEnv           string `json:"password_env" yaml:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// Default returns a configuration that talks to a relay on localhost.
func Default() Config {
	return Config{
		Client: ClientConfig{
			BaseURL:          "http://127.0.0.1:18790",
			Transport:        "socket",
			SelfID:           "me",
			AwaitReplies:     true,
			HistoryPageSize:  50,
			PendingTimeoutMS: 8000,
			ReplyTimeoutMS:   120000,
			SendTimeoutMS:    10000,
		},
		Reconnect: ReconnectConfig{
			BaseDelayMS: 500,
			MaxDelayMS:  30000,
			MaxAttempts: 6,
		},
		Relay: RelayConfig{
			Host:          "127.0.0.1",
			Port:          18790,
			DataDir:       "data",
			RatePerSecond: 5,
			Burst:         10,
		},
		Planner: PlannerConfig{
			Provider: "echo",
		},
	}
}

// Duration converts a millisecond setting, treating non-positive values as zero.
func Duration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// LoadConfig loads .env, resolves the config file, decodes it over Default,
// and applies environment overrides. A missing config file is not an error
// unless LOOPSYNC_CONFIG names one.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := Default()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := decodeFile(configPath, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func decodeFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, cfg)
	default:
		err = json.Unmarshal(content, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if value := strings.TrimSpace(os.Getenv(envBaseURL)); value != "" {
		cfg.Client.BaseURL = value
	}
	if value := strings.TrimSpace(os.Getenv(envTransport)); value != "" {
		cfg.Client.Transport = strings.ToLower(value)
	}
	if value := strings.TrimSpace(os.Getenv(envSelfID)); value != "" {
		cfg.Client.SelfID = value
	}
	if value := strings.TrimSpace(os.Getenv(envOrigins)); value != "" {
		cfg.Relay.AllowedOrigins = parseCSV(value)
	}
	if value := strings.TrimSpace(os.Getenv("LOOPSYNC_RELAY_PORT")); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse LOOPSYNC_RELAY_PORT: %w", err)
		}
		cfg.Relay.Port = port
	}

	switch cfg.Client.Transport {
	case "socket", "stream":
	default:
		return fmt.Errorf("unsupported transport %q", cfg.Client.Transport)
	}
	return nil
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is LOOPSYNC_CONFIG first, then cwd-local fallback paths. An
// empty path means no file was found.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfig)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfig, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	for _, dir := range []string{cwd, filepath.Join(cwd, "config")} {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}

	return "", nil
}
