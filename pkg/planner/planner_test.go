package planner

import (
	"context"
	"testing"

	"loopsync/pkg/bus"
	"loopsync/pkg/config"
	plannerfantasy "loopsync/pkg/planner/fantasy"
	planneropenai "loopsync/pkg/planner/openai"
	planneropencode "loopsync/pkg/planner/opencode"
)

func TestNewDefaultsToEcho(t *testing.T) {
	responder, err := New(config.PlannerConfig{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := responder.(Echo); !ok {
		t.Fatalf("expected Echo, got %T", responder)
	}
}

func TestNewReturnsErrorForUnsupportedProvider(t *testing.T) {
	if _, err := New(config.PlannerConfig{Provider: "unknown"}); err == nil {
		t.Fatal("expected error for unsupported planner")
	}
}

func TestNewReturnsRemoteBackends(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	responder, err := New(config.PlannerConfig{Provider: "openai", Model: "gpt-5.2"})
	if err != nil {
		t.Fatalf("openai: expected no error, got %v", err)
	}
	if _, ok := responder.(*planneropenai.Client); !ok {
		t.Fatalf("expected *openai.Client, got %T", responder)
	}

	cfg := config.PlannerConfig{Provider: "opencode"}
	cfg.OpenCode.BaseURL = "http://127.0.0.1:4096"
	responder, err = New(cfg)
	if err != nil {
		t.Fatalf("opencode: expected no error, got %v", err)
	}
	if _, ok := responder.(*planneropencode.Client); !ok {
		t.Fatalf("expected *opencode.Client, got %T", responder)
	}
	if _, ok := responder.(HealthChecker); !ok {
		t.Fatal("opencode responder should report health")
	}

	responder, err = New(config.PlannerConfig{Provider: "Fantasy", Model: "openai/gpt-5.2"})
	if err != nil {
		t.Fatalf("fantasy: expected no error, got %v", err)
	}
	if _, ok := responder.(*plannerfantasy.Client); !ok {
		t.Fatalf("expected *fantasy.Client, got %T", responder)
	}
}

func TestEchoResponses(t *testing.T) {
	tests := []struct {
		name     string
		req      bus.Request
		wantBody string
		wantRecs int
	}{
		{name: "plain", req: bus.Request{Body: " hi "}, wantBody: "echo: hi"},
		{name: "plan", req: bus.Request{Body: "plan: run, , stretch, read"}, wantBody: "Here is a plan", wantRecs: 3},
		{name: "retry", req: bus.Request{Body: "plan: run", Variant: "retry"}, wantBody: "Happy to try again. What should change?"},
		{name: "revision with items", req: bus.Request{Body: "Plan: swim", Variant: "revision"}, wantBody: "Here is a revised plan", wantRecs: 1},
		{name: "revision without items", req: bus.Request{Body: "later please", Variant: "revision"}, wantBody: "What would you like revised?"},
		{name: "empty plan", req: bus.Request{Body: "plan:  ,"}, wantBody: "echo: plan:  ,"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := Echo{}.Respond(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Respond error: %v", err)
			}
			if reply.Body != tt.wantBody {
				t.Fatalf("body = %q, want %q", reply.Body, tt.wantBody)
			}
			if got := reply.Recommendations.Len(); got != tt.wantRecs {
				t.Fatalf("recommendations = %d, want %d", got, tt.wantRecs)
			}
		})
	}
}
