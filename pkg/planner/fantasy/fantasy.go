package fantasy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"loopsync/pkg/bus"
	"loopsync/pkg/config"
	plannertypes "loopsync/pkg/planner/types"
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

// Client answers turns with a fantasy agent and keeps the message history of
// every chat conversation in memory.
type Client struct {
	provider       languageModelProvider
	requestTimeout time.Duration
	modelID        string
	generate       func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)

	mu        sync.RWMutex
	histories map[string][]core.Message
}

func New(cfg config.PlannerConfig) (*Client, error) {
	providerCfg := cfg.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("planner.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	modelID, err := normalizeOpenAIModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	fantasyProvider, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	return &Client{
		provider:       fantasyProvider,
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
		modelID:        modelID,
		histories:      make(map[string][]core.Message),
		generate:       generateWithFantasyAgent,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.provider.LanguageModel(ctx, c.modelID); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

func (c *Client) Respond(ctx context.Context, req bus.Request) (bus.Reply, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := slog.Default().With("component", "planner.fantasy", "conversation", req.ConversationID)

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		return bus.Reply{}, errors.New("conversation id is required")
	}

	prompt := strings.TrimSpace(plannertypes.Turn(req))
	if prompt == "" {
		return bus.Reply{}, errors.New("prompt is required")
	}

	history := c.history(conversationID)
	if len(history) == 0 {
		systemMessage := core.Message{
			Role:    core.MessageRoleSystem,
			Content: []core.MessagePart{core.TextPart{Text: plannertypes.Instructions}},
		}
		history = append(history, systemMessage)
		c.appendMessages(conversationID, systemMessage)
	}

	languageModel, err := c.provider.LanguageModel(ctx, c.modelID)
	if err != nil {
		return bus.Reply{}, fmt.Errorf("resolve language model: %w", err)
	}

	generate := c.generate
	if generate == nil {
		generate = generateWithFantasyAgent
	}

	startedAt := time.Now()
	result, err := generate(ctx, languageModel, core.AgentCall{Prompt: prompt, Messages: history})
	if err != nil {
		log.Debug("planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return bus.Reply{}, fmt.Errorf("respond failed: %w", err)
	}

	text := extractText(result.Response.Content)
	if text == "" {
		return bus.Reply{}, errors.New("respond succeeded but returned no text")
	}

	c.appendMessages(conversationID,
		core.NewUserMessage(prompt),
		core.Message{
			Role:    core.MessageRoleAssistant,
			Content: []core.MessagePart{core.TextPart{Text: text}},
		},
	)

	body, set := plannertypes.ParseReply(text)
	log.Debug("planner request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"input_tokens", result.TotalUsage.InputTokens,
		"output_tokens", result.TotalUsage.OutputTokens,
		"recommendations", set.Len(),
	)
	return bus.Reply{Body: body, Recommendations: set}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *Client) history(conversationID string) []core.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := c.histories[conversationID]
	out := make([]core.Message, len(history))
	copy(out, history)
	return out
}

func (c *Client) appendMessages(conversationID string, messages ...core.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.histories[conversationID] = append(c.histories[conversationID], messages...)
}

func resolveAPIKey(cfg config.OpenAIPlannerConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeOpenAIModel(model string) (string, error) {
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
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", providerID)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		line := strings.TrimSpace(textPart.Text)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	return core.NewAgent(model).Generate(ctx, call)
}
