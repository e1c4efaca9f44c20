package summarizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/delverhq/delver/tools"
)

type stubGenerator struct {
	reply       string
	err         error
	calls       int
	prompt      string
	system      string
	maxTokens   int
	temperature float64
}

func (s *stubGenerator) Generate(_ context.Context, prompt, system string, maxTokens int, temperature float64) (string, error) {
	s.calls++
	s.prompt = prompt
	s.system = system
	s.maxTokens = maxTokens
	s.temperature = temperature
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func TestRunSummarizes(t *testing.T) {
	gen := &stubGenerator{reply: "  A short summary. \n"}
	tool := NewTool(gen)

	payload, err := tool.Run(context.Background(), tools.Args{Text: strings.Repeat("x", 100)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, ok := payload.(Output)
	if !ok {
		t.Fatalf("payload type = %T, want Output", payload)
	}
	if out.Summary != "A short summary." {
		t.Errorf("Summary = %q", out.Summary)
	}
	if out.OriginalLength != 100 {
		t.Errorf("OriginalLength = %d, want 100", out.OriginalLength)
	}
	if out.SummaryLength != 16 {
		t.Errorf("SummaryLength = %d, want 16", out.SummaryLength)
	}
	if out.CompressionRatio != 0.16 {
		t.Errorf("CompressionRatio = %v, want 0.16", out.CompressionRatio)
	}
	if out.Style != "concise" {
		t.Errorf("Style = %q, want concise", out.Style)
	}
	if !strings.HasPrefix(gen.prompt, "Provide a concise summary of the following text (maximum 100 words):") {
		t.Errorf("prompt = %q", gen.prompt)
	}
	if gen.system == "" || !strings.Contains(gen.system, "summaries") {
		t.Errorf("system = %q", gen.system)
	}
	if gen.maxTokens != 200 {
		t.Errorf("maxTokens = %d, want 200", gen.maxTokens)
	}
	if gen.temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", gen.temperature)
	}
}

func TestRunStyles(t *testing.T) {
	tests := []struct {
		style      string
		wantPrefix string
		wantStyle  string
	}{
		{"bullet", "Summarize the following text in bullet points (maximum 30 words):", "bullet"},
		{"detailed", "Provide a detailed summary of the following text (maximum 30 words):", "detailed"},
		{"concise", "Provide a concise summary of the following text (maximum 30 words):", "concise"},
		{"fancy", "Provide a concise summary of the following text (maximum 30 words):", "fancy"},
	}
	for _, tt := range tests {
		gen := &stubGenerator{reply: "sum"}
		tool := NewTool(gen)
		payload, err := tool.Run(context.Background(), tools.Args{
			Text:      "This text is long enough to pass the minimum length gate.",
			Style:     tt.style,
			MaxLength: 30,
		})
		if err != nil {
			t.Fatalf("style %q: %v", tt.style, err)
		}
		if !strings.HasPrefix(gen.prompt, tt.wantPrefix) {
			t.Errorf("style %q: prompt = %q", tt.style, gen.prompt)
		}
		if got := payload.(Output).Style; got != tt.wantStyle {
			t.Errorf("style %q: Output.Style = %q, want %q", tt.style, got, tt.wantStyle)
		}
	}
}

func TestRunClipsLongInput(t *testing.T) {
	gen := &stubGenerator{reply: "sum"}
	tool := NewTool(gen)

	payload, err := tool.Run(context.Background(), tools.Args{Text: strings.Repeat("a", 3000)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(gen.prompt, strings.Repeat("a", 2000)+"...") {
		t.Error("prompt missing clipped text with ellipsis")
	}
	if strings.Contains(gen.prompt, strings.Repeat("a", 2001)) {
		t.Error("prompt contains more than 2000 input characters")
	}
	if got := payload.(Output).OriginalLength; got != 3000 {
		t.Errorf("OriginalLength = %d, want 3000", got)
	}
}

func TestRunCapsMaxTokens(t *testing.T) {
	gen := &stubGenerator{reply: "sum"}
	tool := NewTool(gen)

	if _, err := tool.Run(context.Background(), tools.Args{
		Text:      "This text is long enough to pass the minimum length gate.",
		MaxLength: 400,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gen.maxTokens != 500 {
		t.Errorf("maxTokens = %d, want 500", gen.maxTokens)
	}
}

func TestRunRejectsShortText(t *testing.T) {
	for _, text := range []string{"", "   ", "short", "  123456789  "} {
		gen := &stubGenerator{reply: "sum"}
		tool := NewTool(gen)
		if _, err := tool.Run(context.Background(), tools.Args{Text: text}); err == nil {
			t.Errorf("text %q: expected error", text)
		}
		if gen.calls != 0 {
			t.Errorf("text %q: generator called %d times", text, gen.calls)
		}
	}
}

func TestRunAcceptsTenCharacters(t *testing.T) {
	gen := &stubGenerator{reply: "sum"}
	tool := NewTool(gen)
	if _, err := tool.Run(context.Background(), tools.Args{Text: "0123456789"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunPropagatesGeneratorError(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model unavailable")}
	tool := NewTool(gen)
	_, err := tool.Run(context.Background(), tools.Args{Text: "This text is long enough to pass the gate."})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Errorf("error = %v", err)
	}
}
