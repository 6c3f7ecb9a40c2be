package opencode

import (
	"encoding/base64"
	"strings"
	"testing"

	"loopsync/pkg/config"

	sdk "github.com/sst/opencode-sdk-go"
)

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(config.PlannerConfig{}); err == nil {
		t.Fatal("expected error when base_url is missing")
	}
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantOK     bool
		wantProvID string
		wantModel  string
	}{
		{name: "valid", input: "openai/gpt-5.2", wantOK: true, wantProvID: "openai", wantModel: "gpt-5.2"},
		{name: "missing slash", input: "gpt-5.2", wantOK: false},
		{name: "empty provider", input: "/gpt-5.2", wantOK: false},
		{name: "empty model", input: "openai/", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provID, modelID, ok := parseModelRef(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if provID != tt.wantProvID {
				t.Fatalf("providerID = %q, want %q", provID, tt.wantProvID)
			}
			if modelID != tt.wantModel {
				t.Fatalf("modelID = %q, want %q", modelID, tt.wantModel)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	parts := []sdk.Part{
		{Type: sdk.PartTypeReasoning, Text: "should be ignored"},
		{Type: sdk.PartTypeText, Text: "  Here is a plan  "},
		{Type: sdk.PartTypeText, Text: ""},
		{Type: sdk.PartTypeText, Text: "```json\n[\"Run\"]\n```"},
	}

	got := extractText(parts)
	if got != "Here is a plan\n```json\n[\"Run\"]\n```" {
		t.Fatalf("extractText() = %q", got)
	}
}

func TestBuildBasicAuthHeader(t *testing.T) {
	t.Setenv("TEST_OPENCODE_PASSWORD", "secret")

	header, ok := buildBasicAuthHeader(config.OpenCodePlannerConfig{
		PasswordEnv: "TEST_OPENCODE_PASSWORD",
	})
	if !ok {
		t.Fatal("expected basic auth header")
	}
	token, found := strings.CutPrefix(header, "Basic ")
	if !found {
		t.Fatalf("unexpected header prefix: %q", header)
	}
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if string(decoded) != "opencode:secret" {
		t.Fatalf("credentials = %q, want default username", decoded)
	}
}

func TestBuildBasicAuthHeaderMissingEnvValue(t *testing.T) {
	t.Setenv("TEST_OPENCODE_PASSWORD_EMPTY", "")

	_, ok := buildBasicAuthHeader(config.OpenCodePlannerConfig{
		PasswordEnv: "TEST_OPENCODE_PASSWORD_EMPTY",
	})
	if ok {
		t.Fatal("expected no basic auth header")
	}
}
