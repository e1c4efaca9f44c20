// Package summarizer condenses long text through the configured language
// model. It is the only research tool that calls the LLM itself; the others
// gather raw material for it.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/delverhq/delver/internal/helpers"
	"github.com/delverhq/delver/tools"
)

const (
	// maxInputChars bounds the text handed to the model; longer inputs are
	// clipped with a trailing ellipsis.
	maxInputChars = 2000
	// defaultMaxWords applies when the caller does not request a length.
	defaultMaxWords = 100
	// maxSummaryTokens caps the completion regardless of requested length.
	maxSummaryTokens = 500

	summaryTemperature = 0.3

	systemPrompt = "You are a helpful assistant that creates clear and accurate summaries."
)

// Generator produces a completion for a prompt. The core provider satisfies
// it; tests substitute a canned implementation.
type Generator interface {
	Generate(ctx context.Context, prompt, system string, maxTokens int, temperature float64) (string, error)
}

// Output is the summarizer tool payload.
type Output struct {
	Summary          string  `json:"summary"`
	OriginalLength   int     `json:"original_length"`
	SummaryLength    int     `json:"summary_length"`
	CompressionRatio float64 `json:"compression_ratio"`
	Style            string  `json:"style"`
}

/// Tool summarizes text in one of three styles: concise (the default),
// bullet, or detailed.
type Tool struct {
	generator Generator
	logger    *log.Logger
}

// NewTool builds a summarizer backed by g.
func NewTool(g Generator) *Tool {
	return &Tool{
		generator: g,
		logger:    log.New(log.Writer(), "[SUMMARIZER] ", log.LstdFlags),
	}
}

func (t *Tool) Name() string { return "summarizer" }

func (t *Tool) Description() string {
	return "Summarizes long text content into a shorter form"
}

func (t *Tool) Run(ctx context.Context, args tools.Args) (interface{}, error) {
	if utf8.RuneCountInString(strings.TrimSpace(args.Text)) < 10 {
		return nil, errors.New("text too short to summarize")
	}
	if t.generator == nil {
		return nil, errors.New("no generator configured")
	}

	originalLength := utf8.RuneCountInString(args.Text)
	text := helpers.Snippet(args.Text, maxInputChars)

	maxWords := args.MaxLength
	if maxWords <= 0 {
		maxWords = defaultMaxWords
	}
	style := args.Style
	if style == "" {
		style = "concise"
	}

	var prompt string
	switch style {
	case "bullet":
		prompt = fmt.Sprintf("Summarize the following text in bullet points (maximum %d words):\n\n%s", maxWords, text)
	case "detailed":
		prompt = fmt.Sprintf("Provide a detailed summary of the following text (maximum %d words):\n\n%s", maxWords, text)
	default:
		prompt = fmt.Sprintf("Provide a concise summary of the following text (maximum %d words):\n\n%s", maxWords, text)
	}

	maxTokens := maxWords * 2
	if maxTokens > maxSummaryTokens {
		maxTokens = maxSummaryTokens
	}

	summary, err := t.generator.Generate(ctx, prompt, systemPrompt, maxTokens, summaryTemperature)
	if err != nil {
		return nil, fmt.Errorf("generating summary: %w", err)
	}
	summary = strings.TrimSpace(summary)

	out := Output{
		Summary:        summary,
		OriginalLength: originalLength,
		SummaryLength:  utf8.RuneCountInString(summary),
		Style:          style,
	}
	if originalLength > 0 {
		out.CompressionRatio = math.Round(float64(out.SummaryLength)/float64(originalLength)*100) / 100
	}
	t.logger.Printf("summarized %d chars to %d (%s)", originalLength, out.SummaryLength, style)
	return out, nil
}
