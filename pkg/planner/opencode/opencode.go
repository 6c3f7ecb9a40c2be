package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"loopsync/pkg/bus"
	"loopsync/pkg/config"
	plannertypes "loopsync/pkg/planner/types"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
)

// Client answers turns through an OpenCode server, one OpenCode session per
// chat conversation.
type Client struct {
	client         *sdk.Client
	model          string
	requestTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]string
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(cfg config.PlannerConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.OpenCode.BaseURL)
	if baseURL == "" {
		return nil, errors.New("planner.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if authHeader, ok := buildBasicAuthHeader(cfg.OpenCode); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		model:          strings.TrimSpace(cfg.Model),
		requestTimeout: time.Duration(cfg.OpenCode.RequestTimeoutSeconds) * time.Second,
		sessions:       make(map[string]string),
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := plannerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("planner request started")

	var response healthResponse
	if err := c.client.Get(ctx, "/global/health", nil, &response); err != nil {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "server unhealthy")
		return errors.New("opencode server reported unhealthy status")
	}
	log.Debug("planner request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)
	return nil
}

func (c *Client) Respond(ctx context.Context, req bus.Request) (bus.Reply, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := plannerLogger().With("operation", "respond", "conversation", req.ConversationID)
	startedAt := time.Now()

	sessionID, err := c.session(ctx, req.ConversationID)
	if err != nil {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return bus.Reply{}, err
	}

	prompt := plannertypes.Prompt(req)
	log.Debug("planner request started",
		"session_id", sessionID,
		"model", c.model,
		"variant", req.Variant,
		"prompt_length", len(prompt),
	)

	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(prompt),
			},
		}),
	}
	if providerID, modelID, ok := parseModelRef(c.model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerID),
			ModelID:    sdk.F(modelID),
		})
	}

	response, err := c.client.Session.Prompt(ctx, sessionID, params)
	if err != nil {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return bus.Reply{}, fmt.Errorf("respond failed: %w", err)
	}

	text := extractText(response.Parts)
	if text == "" {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no text parts")
		return bus.Reply{}, errors.New("respond succeeded but returned no text parts")
	}

	body, set := plannertypes.ParseReply(text)
	log.Debug("planner request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"parts_count", len(response.Parts),
		"recommendations", set.Len(),
	)
	return bus.Reply{Body: body, Recommendations: set}, nil
}

// session returns the OpenCode session backing chatID, creating it on first
// use.
func (c *Client) session(ctx context.Context, chatID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.sessions[chatID]; ok {
		return id, nil
	}

	params := sdk.SessionNewParams{}
	if title := strings.TrimSpace(chatID); title != "" {
		params.Title = sdk.F("loopsync " + title)
	}

	session, err := c.client.Session.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create session failed: %w", err)
	}
	if session.ID == "" {
		return "", errors.New("create session returned empty session id")
	}

	c.sessions[chatID] = session.ID
	return session.ID, nil
}

func plannerLogger() *slog.Logger {
	return slog.Default().With("component", "planner.opencode")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func buildBasicAuthHeader(cfg config.OpenCodePlannerConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

func parseModelRef(input string) (providerID string, modelID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(input), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	providerID = strings.TrimSpace(parts[0])
	modelID = strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", "", false
	}

	return providerID, modelID, true
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type == sdk.PartTypeText {
			text := strings.TrimSpace(part.Text)
			if text != "" {
				lines = append(lines, text)
			}
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
