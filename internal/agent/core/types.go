package core

import (
	"context"
	"time"

	"github.com/delverhq/delver/tools"
)

// Plan is the research plan for one query: the sub-questions to answer
// and the ordered tool sequence that answers them. Plans are immutable
// once produced; the pipeline consumes them read-only.
type Plan struct {
	Query        string    `json:"query"`
	SubQuestions []string  `json:"sub_questions"`
	ToolSequence []string  `json:"tool_sequence"`
	Reasoning    string    `json:"reasoning"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// StageError records one failed tool invocation in a run.
type StageError struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

// ExecutionLog is the full accumulated record of one pipeline run.
// Results preserves execution order exactly; citation extraction and
// context building rely on that order. Success is initialised true and
// is not flipped by per-stage failures; callers inspect Errors.
type ExecutionLog struct {
	Plan    Plan           `json:"plan"`
	Results []tools.Result `json:"tool_results"`
	Errors  []StageError   `json:"errors"`
	Success bool           `json:"success"`
}

// Citation is a deduplicated (title, url) pair surfaced in the report.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Report is the final research artifact.
type Report struct {
	Query       string     `json:"query"`
	Markdown    string     `json:"markdown"`
	Citations   []Citation `json:"citations"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	Model       string     `json:"model,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// Event is one progress update emitted while a research run streams.
type Event struct {
	Step   string      `json:"step"`
	Status string      `json:"status,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// ResearchResult bundles everything one run produced.
type ResearchResult struct {
	ID          string         `json:"id"`
	Query       string         `json:"query"`
	Plan        Plan           `json:"plan"`
	ToolResults []tools.Result `json:"tool_results"`
	Report      Report         `json:"report"`
	PDFPath     string         `json:"pdf,omitempty"`
	Cached      bool           `json:"cached,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	Success     bool           `json:"success"`
}

// RunRecord is the durable projection of a completed run.
type RunRecord struct {
	ID        string
	UserID    string
	Query     string
	Plan      Plan
	Results   []tools.Result
	Report    Report
	Markdown  string
	Success   bool
	Duration  time.Duration
	CreatedAt time.Time
}

// PipelineConfig carries the bounding policy for plan execution.
// Thresholds that used to be ambient globals are explicit here so the
// policy is testable in isolation.
type PipelineConfig struct {
	// MaxSubQuestions truncates the plan's sub-questions before the
	// stage loop.
	MaxSubQuestions int
	// SearchQuestionLimit bounds per-question search fan-out: with more
	// sub-questions than this, only the main query is searched.
	SearchQuestionLimit int
	// MaxURLsToScrape caps how many accumulated URLs the scrape stage
	// consumes.
	MaxURLsToScrape int
	// ScrapeSuccessTarget stops the scrape stage once this many
	// invocations in the current stage succeeded.
	ScrapeSuccessTarget int
	// SummarizerSnippet clips each scraped text fed to the summarizer.
	SummarizerSnippet int
	// SummarizerBudget stops buffer accumulation once exceeded; the
	// buffer is also hard-truncated to this length before invocation.
	SummarizerBudget int
	// SummaryMaxLength is the target summary length in words.
	SummaryMaxLength int
	// SummaryStyle is the summary style requested from the summarizer.
	SummaryStyle string
}

// DefaultPipelineConfig returns the bounding policy used in production.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxSubQuestions:     5,
		SearchQuestionLimit: 3,
		MaxURLsToScrape:     3,
		ScrapeSuccessTarget: 2,
		SummarizerSnippet:   2000,
		SummarizerBudget:    3000,
		SummaryMaxLength:    150,
		SummaryStyle:        "concise",
	}
}

// SynthesizerConfig bounds the context window handed to report
// generation.
type SynthesizerConfig struct {
	MaxSearchResults  int
	MaxScrapedEntries int
	ContextSnippet    int
	MaxResponseTokens int
}

// DefaultSynthesizerConfig returns the production context bounds.
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		MaxSearchResults:  3,
		MaxScrapedEntries: 3,
		ContextSnippet:    1000,
		MaxResponseTokens: 2000,
	}
}

// LLMProvider is the contract for text generation and embeddings.
type LLMProvider interface {
	// Generate produces a completion for prompt. system may be empty.
	Generate(ctx context.Context, prompt, system string, maxTokens int, temperature float64) (string, error)

	// CreateEmbedding generates vector embeddings for the given texts.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the completion model identifier.
	Model() string
}

// SimilarHit is one entry returned by the similarity index.
type SimilarHit struct {
	ID       string                 `json:"id"`
	Query    string                 `json:"query"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Distance float64                `json:"distance"`
}

// SimilarityIndex is the contract for the semantic run cache. All
// failures are swallowed by the agent; implementations should degrade
// to empty results rather than block a run.
type SimilarityIndex interface {
	Add(ctx context.Context, query string, payload map[string]interface{}) error
	Search(ctx context.Context, query string, topK int) ([]SimilarHit, error)
}

// RunStore persists completed research runs.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, error)
}

// ReportRenderer turns a markdown report into a PDF on disk.
type ReportRenderer interface {
	RenderPDF(ctx context.Context, markdown string) (string, error)
}
