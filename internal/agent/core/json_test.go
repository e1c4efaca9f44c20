package core

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"fenced json", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced no lang", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around", `Here is the plan: {"a": 1} hope it helps`, `{"a": 1}`},
		{"nested", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{"prefers fence over prose", "ignore {\"x\": 0}\n```json\n{\"a\": 1}\n```", `{"a": 1}`},
	}
	for _, tt := range tests {
		got, err := ExtractJSONObject(tt.in)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestExtractJSONObjectErrors(t *testing.T) {
	for _, in := range []string{"", "no json here", "{ never closes"} {
		if _, err := ExtractJSONObject(in); err == nil {
			t.Errorf("input %q: expected error", in)
		}
	}
}

type jsonProvider struct {
	reply  string
	err    error
	prompt string
}

func (p *jsonProvider) Generate(_ context.Context, prompt, _ string, _ int, _ float64) (string, error) {
	p.prompt = prompt
	return p.reply, p.err
}

func (p *jsonProvider) CreateEmbedding(context.Context, []string) ([][]float32, error) {
	return nil, ErrEmbeddingsUnavailable
}

func (p *jsonProvider) Model() string { return "test-model" }

func TestGenerateJSON(t *testing.T) {
	provider := &jsonProvider{reply: "Sure!\n```json\n{\"name\": \"x\", \"count\": 2}\n```"}
	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := GenerateJSON(context.Background(), provider, "describe", "system", &out); err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if out.Name != "x" || out.Count != 2 {
		t.Errorf("decoded = %+v", out)
	}
	if !strings.Contains(provider.prompt, "Respond with valid JSON only") {
		t.Errorf("prompt missing JSON instruction: %q", provider.prompt)
	}
}

func TestGenerateJSONUnparsable(t *testing.T) {
	provider := &jsonProvider{reply: "I cannot produce JSON for that."}
	var out map[string]interface{}
	err := GenerateJSON(context.Background(), provider, "describe", "", &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "could not parse JSON") {
		t.Errorf("error = %v", err)
	}
}

func TestGenerateJSONProviderError(t *testing.T) {
	provider := &jsonProvider{err: errors.New("rate limited")}
	var out map[string]interface{}
	err := GenerateJSON(context.Background(), provider, "describe", "", &out)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v", err)
	}
}
