package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/delverhq/delver/internal/helpers"
	"github.com/delverhq/delver/tools"
	"github.com/delverhq/delver/tools/scraper"
	websearch "github.com/delverhq/delver/tools/web_search"
)

var pipelineTracer trace.Tracer = otel.Tracer("delver/internal/agent/pipeline")

// runContext threads state between the stages of a single run: the plan
// being executed, the truncated sub-questions, the scrape candidates
// discovered by search stages, and every result produced so far. Each run
// owns its context exclusively; nothing here is shared across runs.
type runContext struct {
	plan         Plan
	subQuestions []string
	// urls holds scrape candidates in discovery order. Duplicates are
	// kept: scraping is idempotent and cache-backed, so rescraping a
	// repeated URL costs little.
	urls    []string
	results []tools.Result
}

// collectURLs appends the item URLs of a successful search result to the
// scrape candidates.
func (rc *runContext) collectURLs(res tools.Result) {
	if !res.Success {
		return
	}
	out, ok := res.Result.(websearch.Output)
	if !ok {
		return
	}
	for _, item := range out.Results {
		if item.URL != "" {
			rc.urls = append(rc.urls, item.URL)
		}
	}
}

// scrapedTexts returns the text of every successful scrape so far, in
// result order.
func (rc *runContext) scrapedTexts() []string {
	var texts []string
	for _, res := range rc.results {
		if res.Tool != "scraper" || !res.Success {
			continue
		}
		if out, ok := res.Result.(scraper.Output); ok {
			texts = append(texts, out.Text)
		}
	}
	return texts
}

// stageHandler produces the results of one stage. Handlers read prior
// state from the run context and may extend its accumulators; appending
// to the result log happens centrally in Execute.
type stageHandler func(ctx context.Context, rc *runContext) []tools.Result

// Pipeline walks a plan's tool sequence and aggregates the outcome of
// every invocation into an ExecutionLog. Stage names map to handlers
// that derive each stage's inputs from the outputs of earlier stages;
// unrecognized names fall through to a generic invocation so a creative
// planner degrades to a recorded tool failure instead of aborting the
// run.
type Pipeline struct {
	registry *tools.Registry
	cfg      PipelineConfig
	logger   *log.Logger
}

// NewPipeline builds a pipeline over the given registry. Zero-valued
// config fields fall back to the production defaults.
func NewPipeline(registry *tools.Registry, cfg PipelineConfig) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.MaxSubQuestions <= 0 {
		cfg.MaxSubQuestions = def.MaxSubQuestions
	}
	if cfg.SearchQuestionLimit <= 0 {
		cfg.SearchQuestionLimit = def.SearchQuestionLimit
	}
	if cfg.MaxURLsToScrape <= 0 {
		cfg.MaxURLsToScrape = def.MaxURLsToScrape
	}
	if cfg.ScrapeSuccessTarget <= 0 {
		cfg.ScrapeSuccessTarget = def.ScrapeSuccessTarget
	}
	if cfg.SummarizerSnippet <= 0 {
		cfg.SummarizerSnippet = def.SummarizerSnippet
	}
	if cfg.SummarizerBudget <= 0 {
		cfg.SummarizerBudget = def.SummarizerBudget
	}
	if cfg.SummaryMaxLength <= 0 {
		cfg.SummaryMaxLength = def.SummaryMaxLength
	}
	if cfg.SummaryStyle == "" {
		cfg.SummaryStyle = def.SummaryStyle
	}
	return &Pipeline{
		registry: registry,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Execute runs every stage of the plan in sequence and returns the full
// log. Individual failures never abort the run: each failed invocation
// is recorded in both Results and Errors, and the log's Success flag
// stays true regardless. Callers inspect Errors for partial failure.
func (p *Pipeline) Execute(ctx context.Context, plan Plan) *ExecutionLog {
	ctx, span := pipelineTracer.Start(ctx, "research.execute",
		trace.WithAttributes(
			attribute.String("plan.query", plan.Query),
			attribute.Int("plan.stage_count", len(plan.ToolSequence)),
		))
	defer span.End()

	subQuestions := plan.SubQuestions
	if len(subQuestions) > p.cfg.MaxSubQuestions {
		subQuestions = subQuestions[:p.cfg.MaxSubQuestions]
	}

	rc := &runContext{
		plan:         plan,
		subQuestions: subQuestions,
		results:      []tools.Result{},
	}
	logEntry := &ExecutionLog{
		Plan:    plan,
		Errors:  []StageError{},
		Success: true,
	}

	p.logger.Printf("executing %d stage(s) for %q", len(plan.ToolSequence), plan.Query)
	for _, stage := range plan.ToolSequence {
		stageCtx, stageSpan := pipelineTracer.Start(ctx, "research.stage",
			trace.WithAttributes(attribute.String("stage.tool", stage)))

		failed := 0
		for _, res := range p.handlerFor(stage)(stageCtx, rc) {
			rc.results = append(rc.results, res)
			if !res.Success {
				failed++
				logEntry.Errors = append(logEntry.Errors, StageError{Tool: res.Tool, Error: res.Error})
			}
		}

		if failed > 0 {
			stageSpan.SetStatus(codes.Error, fmt.Sprintf("%d invocation(s) failed", failed))
		} else {
			stageSpan.SetStatus(codes.Ok, "completed")
		}
		stageSpan.End()
	}

	logEntry.Results = rc.results
	p.logger.Printf("plan complete: %d result(s), %d error(s)", len(logEntry.Results), len(logEntry.Errors))
	span.SetAttributes(
		attribute.Int("run.results", len(logEntry.Results)),
		attribute.Int("run.errors", len(logEntry.Errors)),
	)
	span.SetStatus(codes.Ok, "completed")
	return logEntry
}

func (p *Pipeline) handlerFor(stage string) stageHandler {
	switch stage {
	case "web_search":
		return p.searchStage
	case "scraper":
		return p.scrapeStage
	case "data_analysis":
		return p.analysisStage
	case "summarizer":
		return p.summarizeStage
	default:
		return func(ctx context.Context, rc *runContext) []tools.Result {
			return []tools.Result{p.registry.Invoke(ctx, stage, tools.Args{})}
		}
	}
}

// searchStage fans out one search per sub-question, or a single search
// for the main query when there are too many sub-questions to stay
// within the latency budget. Item URLs of every successful search are
// collected for the scrape stage in result order.
func (p *Pipeline) searchStage(ctx context.Context, rc *runContext) []tools.Result {
	queries := rc.subQuestions
	if len(queries) > p.cfg.SearchQuestionLimit {
		query := rc.plan.Query
		if query == "" {
			query = queries[0]
		}
		queries = []string{query}
	}

	results := make([]tools.Result, 0, len(queries))
	for _, q := range queries {
		res := p.registry.Invoke(ctx, "web_search", tools.Args{Query: q})
		results = append(results, res)
		rc.collectURLs(res)
	}
	return results
}

// scrapeStage consumes the accumulated URLs in discovery order, capped,
// and stops early once enough invocations in this stage succeeded.
// Unreached URLs are simply never scraped in this run.
func (p *Pipeline) scrapeStage(ctx context.Context, rc *runContext) []tools.Result {
	urls := rc.urls
	if len(urls) > p.cfg.MaxURLsToScrape {
		urls = urls[:p.cfg.MaxURLsToScrape]
	}

	var results []tools.Result
	successes := 0
	for _, u := range urls {
		res := p.registry.Invoke(ctx, "scraper", tools.Args{URL: u})
		results = append(results, res)
		if res.Success {
			successes++
			if successes >= p.cfg.ScrapeSuccessTarget {
				break
			}
		}
	}
	return results
}

// analysisStage feeds the space-joined text of every prior successful
// scrape to the analysis tool. With nothing scraped the stage is skipped
// silently.
func (p *Pipeline) analysisStage(ctx context.Context, rc *runContext) []tools.Result {
	var sb strings.Builder
	for _, text := range rc.scrapedTexts() {
		sb.WriteString(text)
		sb.WriteString(" ")
	}
	if sb.Len() == 0 {
		p.logger.Printf("skipping data_analysis: no scraped content")
		return nil
	}
	return []tools.Result{p.registry.Invoke(ctx, "data_analysis", tools.Args{
		Text:        sb.String(),
		CreateChart: true,
	})}
}

// summarizeStage builds a bounded buffer from prior successful scrapes:
// each text clipped individually, accumulation stopping once the buffer
// exceeds the budget, and a final hard truncation before the single
// summarizer invocation. The caps bound downstream token cost, not
// correctness. An empty buffer skips the stage silently.
func (p *Pipeline) summarizeStage(ctx context.Context, rc *runContext) []tools.Result {
	var sb strings.Builder
	length := 0
	for _, text := range rc.scrapedTexts() {
		clipped := helpers.Clip(text, p.cfg.SummarizerSnippet)
		sb.WriteString(clipped)
		sb.WriteString("\n\n")
		length += utf8.RuneCountInString(clipped) + 2
		if length > p.cfg.SummarizerBudget {
			break
		}
	}
	if sb.Len() == 0 {
		p.logger.Printf("skipping summarizer: no scraped content")
		return nil
	}
	return []tools.Result{p.registry.Invoke(ctx, "summarizer", tools.Args{
		Text:      helpers.Clip(sb.String(), p.cfg.SummarizerBudget),
		MaxLength: p.cfg.SummaryMaxLength,
		Style:     p.cfg.SummaryStyle,
	})}
}
