// Package planner answers conversation turns on the relay. Backends return
// prose and, when they propose a schedule, a recommendation set.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"loopsync/pkg/bus"
	"loopsync/pkg/config"
	"loopsync/pkg/message"
	plannerfantasy "loopsync/pkg/planner/fantasy"
	planneropenai "loopsync/pkg/planner/openai"
	"loopsync/pkg/planner/opencode"
)

type Responder interface {
	Respond(ctx context.Context, req bus.Request) (bus.Reply, error)
}

// HealthChecker is implemented by responders backed by a remote service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

func New(cfg config.PlannerConfig) (Responder, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if providerID == "" {
		providerID = "echo"
	}

	slog.Default().With("component", "planner.factory").Debug("Resolving planner", "provider", providerID)

	switch providerID {
	case "echo":
		return Echo{}, nil
	case "openai":
		return planneropenai.New(cfg)
	case "opencode":
		return opencode.New(cfg)
	case "fantasy":
		return plannerfantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported planner: %s", providerID)
	}
}

// Echo is a deterministic responder for local development and tests.
//
// "plan: a, b, c" yields one recommendation per item; a retry asks what
// should change; anything else is echoed back.
type Echo struct{}

func (Echo) Respond(_ context.Context, req bus.Request) (bus.Reply, error) {
	body := strings.TrimSpace(req.Body)

	if req.Variant == "retry" {
		return bus.Reply{Body: "Happy to try again. What should change?"}, nil
	}

	if set := planItems(body); set != nil {
		label := "Here is a plan"
		if req.Variant == "revision" {
			label = "Here is a revised plan"
		}
		return bus.Reply{Body: label, Recommendations: set}, nil
	}

	if req.Variant == "revision" {
		return bus.Reply{Body: "What would you like revised?"}, nil
	}
	return bus.Reply{Body: "echo: " + body}, nil
}

func planItems(body string) *message.RecommendationSet {
	idx := strings.Index(strings.ToLower(body), "plan:")
	if idx < 0 {
		return nil
	}

	set := &message.RecommendationSet{}
	for _, part := range strings.Split(body[idx+len("plan:"):], ",") {
		if title := strings.TrimSpace(part); title != "" {
			set.Items = append(set.Items, message.Recommendation{Title: title})
		}
	}
	if set.Len() == 0 {
		return nil
	}
	return set
}
