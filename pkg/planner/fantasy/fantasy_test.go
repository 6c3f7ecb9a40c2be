package fantasy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	core "charm.land/fantasy"

	"loopsync/pkg/bus"
	"loopsync/pkg/config"
	plannertypes "loopsync/pkg/planner/types"
)

type fakeLanguageModelProvider struct {
	model     core.LanguageModel
	err       error
	lastID    string
	callCount int
}

func (f *fakeLanguageModelProvider) LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error) {
	f.callCount++
	f.lastID = modelID
	if f.err != nil {
		return nil, f.err
	}

	return f.model, nil
}

type fakeLanguageModel struct{}

func (f *fakeLanguageModel) Generate(context.Context, core.Call) (*core.Response, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Stream(context.Context, core.Call) (core.StreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) GenerateObject(context.Context, core.ObjectCall) (*core.ObjectResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) StreamObject(context.Context, core.ObjectCall) (core.ObjectStreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Provider() string { return "openai" }
func (f *fakeLanguageModel) Model() string    { return "gpt-5.2" }

func textResult(text string) *core.AgentResult {
	return &core.AgentResult{
		Response: core.Response{
			Content: core.ResponseContent{core.TextContent{Text: text}},
		},
	}
}

func newTestClient(generate func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)) *Client {
	return &Client{
		provider:  &fakeLanguageModelProvider{model: &fakeLanguageModel{}},
		modelID:   "gpt-5.2",
		histories: map[string][]core.Message{},
		generate:  generate,
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := New(config.PlannerConfig{Provider: "fantasy", Model: "openai/gpt-5.2"})
	if err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestNewUsesConfiguredKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("PLANNER_KEY", "sk-test")

	cfg := config.PlannerConfig{Provider: "fantasy", Model: "openai/gpt-5.2"}
	cfg.OpenAI.APIKeyEnv = "PLANNER_KEY"
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if client.modelID != "gpt-5.2" {
		t.Fatalf("modelID = %q, want gpt-5.2", client.modelID)
	}
}

func TestNormalizeOpenAIModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-5.2", want: "gpt-5.2"},
		{name: "openai prefixed", input: "openai/gpt-5.2", want: "gpt-5.2"},
		{name: "non openai prefixed", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeOpenAIModel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeOpenAIModel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("normalizeOpenAIModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHealthResolvesModel(t *testing.T) {
	provider := &fakeLanguageModelProvider{model: &fakeLanguageModel{}}
	client := &Client{provider: provider, modelID: "gpt-5.2"}

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if provider.lastID != "gpt-5.2" {
		t.Fatalf("model id = %q, want gpt-5.2", provider.lastID)
	}

	provider.err = errors.New("boom")
	if err := client.Health(context.Background()); err == nil {
		t.Fatal("expected health error")
	}
}

func TestRespondValidatesRequest(t *testing.T) {
	client := newTestClient(nil)

	if _, err := client.Respond(context.Background(), bus.Request{Body: "hi"}); err == nil {
		t.Fatal("expected error without conversation id")
	}
	if _, err := client.Respond(context.Background(), bus.Request{ConversationID: "room", Body: "  "}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestRespondKeepsHistoryPerConversation(t *testing.T) {
	calls := 0
	var lastCall core.AgentCall
	client := newTestClient(func(_ context.Context, _ core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
		calls++
		lastCall = call
		return textResult(fmt.Sprintf("reply-%d", calls)), nil
	})

	first, err := client.Respond(context.Background(), bus.Request{ConversationID: "a", Body: "hello"})
	if err != nil {
		t.Fatalf("first Respond error: %v", err)
	}
	if first.Body != "reply-1" {
		t.Fatalf("first body = %q, want reply-1", first.Body)
	}
	if len(lastCall.Messages) != 1 || lastCall.Messages[0].Role != core.MessageRoleSystem {
		t.Fatalf("first call messages = %+v, want only the system message", lastCall.Messages)
	}

	if _, err := client.Respond(context.Background(), bus.Request{ConversationID: "a", Body: "again"}); err != nil {
		t.Fatalf("second Respond error: %v", err)
	}
	if len(lastCall.Messages) != 3 {
		t.Fatalf("second call history = %d, want 3", len(lastCall.Messages))
	}

	if _, err := client.Respond(context.Background(), bus.Request{ConversationID: "b", Body: "other room"}); err != nil {
		t.Fatalf("third Respond error: %v", err)
	}
	if len(lastCall.Messages) != 1 {
		t.Fatalf("conversation b history = %d, want 1", len(lastCall.Messages))
	}

	if got := client.history("a"); len(got) != 5 {
		t.Fatalf("conversation a history = %d, want 5", len(got))
	}
}

func TestRespondParsesRecommendations(t *testing.T) {
	client := newTestClient(func(_ context.Context, _ core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
		if !strings.Contains(call.Prompt, "revision") {
			return nil, fmt.Errorf("prompt %q does not describe the revision", call.Prompt)
		}
		return textResult("Updated plan\n```json\n{\"recommendations\":[{\"title\":\"Run\",\"startsAt\":\"07:00\"}]}\n```"), nil
	})

	reply, err := client.Respond(context.Background(), bus.Request{ConversationID: "a", Variant: "revision", Body: "earlier"})
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if reply.Body != "Updated plan" {
		t.Fatalf("body = %q, want Updated plan", reply.Body)
	}
	if reply.Recommendations.Len() != 1 || reply.Recommendations.Items[0].Title != "Run" {
		t.Fatalf("recommendations = %+v", reply.Recommendations)
	}
}

func TestRespondRejectsEmptyOutput(t *testing.T) {
	client := newTestClient(func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
		return textResult("   "), nil
	})

	if _, err := client.Respond(context.Background(), bus.Request{ConversationID: "a", Body: "hi"}); err == nil {
		t.Fatal("expected error for empty output")
	}
	if got := client.history("a"); len(got) != 1 {
		t.Fatalf("history = %d, want only the system message", len(got))
	}
}

func TestExtractText(t *testing.T) {
	content := core.ResponseContent{
		core.ReasoningContent{Text: "ignore me"},
		core.TextContent{Text: "  first  "},
		core.TextContent{Text: ""},
		core.TextContent{Text: "second"},
	}

	got := extractText(content)
	if got != "first\nsecond" {
		t.Fatalf("extractText() = %q", got)
	}
}

func TestSystemMessageCarriesInstructions(t *testing.T) {
	client := newTestClient(func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
		return textResult("ok"), nil
	})
	if _, err := client.Respond(context.Background(), bus.Request{ConversationID: "a", Body: "hi"}); err != nil {
		t.Fatalf("Respond error: %v", err)
	}

	history := client.history("a")
	text, ok := history[0].Content[0].(core.TextPart)
	if !ok || text.Text != plannertypes.Instructions {
		t.Fatalf("system message = %+v, want instructions", history[0].Content[0])
	}
}
