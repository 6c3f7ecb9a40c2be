package openai

import (
	"context"
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

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

// Client answers turns through the Responses API, keeping one OpenAI
// conversation per chat conversation.
type Client struct {
	client         osdk.Client
	model          string
	requestTimeout time.Duration

	mu            sync.Mutex
	conversations map[string]string
}

func New(cfg config.PlannerConfig) (*Client, error) {
	providerCfg := cfg.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("planner.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := normalizeModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		requestTimeout: requestTimeout,
		conversations:  make(map[string]string),
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := plannerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("planner request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("planner request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

func (c *Client) Respond(ctx context.Context, req bus.Request) (bus.Reply, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := plannerLogger().With("operation", "respond", "conversation", req.ConversationID)
	startedAt := time.Now()

	prompt := plannertypes.Prompt(req)
	conversationID, err := c.conversation(ctx, req.ConversationID)
	if err != nil {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return bus.Reply{}, err
	}
	log.Debug("planner request started",
		"model", c.model,
		"variant", req.Variant,
		"prompt_length", len(prompt),
	)

	response, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: conversationID},
		},
	})
	if err != nil {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return bus.Reply{}, fmt.Errorf("respond failed: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return bus.Reply{}, errors.New("respond succeeded but returned no text")
	}

	body, set := plannertypes.ParseReply(text)
	log.Debug("planner request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"recommendations", set.Len(),
	)
	return bus.Reply{Body: body, Recommendations: set}, nil
}

// conversation returns the OpenAI conversation backing chatID, creating it
// on first use.
func (c *Client) conversation(ctx context.Context, chatID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.conversations[chatID]; ok {
		return id, nil
	}

	conversation, err := c.client.Conversations.New(ctx, conversations.ConversationNewParams{})
	if err != nil {
		return "", fmt.Errorf("create conversation failed: %w", err)
	}
	if conversation == nil || strings.TrimSpace(conversation.ID) == "" {
		return "", errors.New("create conversation returned empty conversation id")
	}

	id := strings.TrimSpace(conversation.ID)
	c.conversations[chatID] = id
	return id, nil
}

func plannerLogger() *slog.Logger {
	return slog.Default().With("component", "planner.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIPlannerConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("planner.model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("planner.model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai planner", providerID)
	}

	return modelID, nil
}
