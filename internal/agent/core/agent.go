package core

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/delverhq/delver/internal/agent/telemetry"
)

var agentTracer trace.Tracer = otel.Tracer("delver/internal/agent")

// ResearchOptions control one research run.
type ResearchOptions struct {
	// UseCache allows reusing a stored run whose query is semantically
	// close enough to this one.
	UseCache bool
	// GeneratePDF renders the report to PDF after synthesis.
	GeneratePDF bool
	// UserID attributes the persisted run; empty for anonymous runs.
	UserID string
}

// AgentDeps carries the optional collaborators of a ResearchAgent. Any
// of them may be nil: a nil memory or store disables cached-run reuse,
// a nil renderer disables PDF generation.
type AgentDeps struct {
	Memory   SimilarityIndex
	Store    RunStore
	Renderer ReportRenderer

	// SimilarityThreshold is the maximum distance at which a stored run
	// counts as a cache hit. Zero means the default of 0.3.
	SimilarityThreshold float64
	// SimilarityTopK is how many neighbours to retrieve per lookup.
	// Zero means 1.
	SimilarityTopK int
}

// ResearchAgent orchestrates a full run: plan, execute, synthesize,
// optionally render, then persist. Failures in individual phases
// degrade (fallback plan, recorded tool errors, fallback report) rather
// than abort; only an unusable query or a canceled context surface as
// errors.
type ResearchAgent struct {
	planner     *Planner
	pipeline    *Pipeline
	synthesizer *Synthesizer
	telemetry   *telemetry.Telemetry

	memory       SimilarityIndex
	store        RunStore
	renderer     ReportRenderer
	simThreshold float64
	simTopK      int

	logger *log.Logger
}

// NewResearchAgent wires the three required phases together with the
// optional persistence collaborators.
func NewResearchAgent(planner *Planner, pipeline *Pipeline, synthesizer *Synthesizer, tel *telemetry.Telemetry, deps AgentDeps) (*ResearchAgent, error) {
	if planner == nil || pipeline == nil || synthesizer == nil {
		return nil, errors.New("planner, pipeline and synthesizer are required")
	}
	if tel == nil {
		return nil, errors.New("telemetry is required")
	}
	threshold := deps.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.3
	}
	topK := deps.SimilarityTopK
	if topK <= 0 {
		topK = 1
	}
	return &ResearchAgent{
		planner:      planner,
		pipeline:     pipeline,
		synthesizer:  synthesizer,
		telemetry:    tel,
		memory:       deps.Memory,
		store:        deps.Store,
		renderer:     deps.Renderer,
		simThreshold: threshold,
		simTopK:      topK,
		logger:       log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}, nil
}

// Research performs a complete run and returns the final result. With
// UseCache set, a stored run whose query is within the similarity
// threshold is returned directly, marked Cached, without re-running the
// pipeline.
func (a *ResearchAgent) Research(ctx context.Context, query string, opts ResearchOptions) (ResearchResult, error) {
	started := time.Now()
	runID := uuid.New().String()
	ctx, span := agentTracer.Start(ctx, "research.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Bool("run.use_cache", opts.UseCache),
		))
	defer span.End()

	event := telemetry.RunEvent{ID: runID, Query: query, StartTime: started}
	defer func() {
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(event.StartTime)
		a.telemetry.RecordRunEvent(event)
	}()

	if opts.UseCache {
		if cached, ok := a.lookupCached(ctx, query); ok {
			cached.DurationMS = time.Since(started).Milliseconds()
			event.Success = true
			event.Cached = true
			span.SetAttributes(attribute.Bool("run.cached", true))
			span.SetStatus(codes.Ok, "cached")
			return cached, nil
		}
	}

	a.logger.Printf("starting research %s for %q", runID, query)

	planCtx, planSpan := agentTracer.Start(ctx, "research.plan")
	plan, err := a.planner.CreatePlan(planCtx, query)
	if err != nil {
		planSpan.RecordError(err)
		planSpan.SetStatus(codes.Error, err.Error())
		planSpan.End()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		event.Error = err.Error()
		return ResearchResult{}, err
	}
	planSpan.SetStatus(codes.Ok, "completed")
	planSpan.End()

	execution := a.pipeline.Execute(ctx, plan)

	synthCtx, synthSpan := agentTracer.Start(ctx, "research.synthesize")
	report := a.synthesizer.GenerateReport(synthCtx, query, plan, execution.Results)
	synthSpan.SetStatus(codes.Ok, "completed")
	synthSpan.End()

	result := ResearchResult{
		ID:          runID,
		Query:       query,
		Plan:        plan,
		ToolResults: execution.Results,
		Report:      report,
		Success:     true,
	}

	if opts.GeneratePDF && a.renderer != nil {
		if path, err := a.renderer.RenderPDF(ctx, report.Markdown); err != nil {
			a.logger.Printf("pdf rendering failed for run %s: %v", runID, err)
		} else {
			result.PDFPath = path
		}
	}

	a.persist(ctx, &result, opts.UserID, started)

	result.DurationMS = time.Since(started).Milliseconds()
	event.Success = true
	fillRunEvent(&event, execution)
	a.logger.Printf("research %s completed in %v: %d result(s), %d error(s)",
		runID, time.Since(started), len(execution.Results), len(execution.Errors))
	span.SetAttributes(
		attribute.Int("run.results", len(execution.Results)),
		attribute.Int("run.errors", len(execution.Errors)),
	)
	span.SetStatus(codes.Ok, "completed")
	return result, nil
}

// ResearchStream performs a run while reporting progress through emit:
// planning and synthesis bracketed by in_progress/completed events, and
// one tool_result event per invocation once execution finishes. The
// final result is returned, not emitted; callers compose their own
// terminal frame. Streaming always runs fresh and never renders a PDF.
// An emit error aborts the run and is returned as-is.
func (a *ResearchAgent) ResearchStream(ctx context.Context, query string, opts ResearchOptions, emit func(Event) error) (ResearchResult, error) {
	started := time.Now()
	runID := uuid.New().String()
	ctx, span := agentTracer.Start(ctx, "research.run_stream",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	event := telemetry.RunEvent{ID: runID, Query: query, StartTime: started}
	defer func() {
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(event.StartTime)
		a.telemetry.RecordRunEvent(event)
	}()

	fail := func(err error) (ResearchResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		event.Error = err.Error()
		return ResearchResult{}, err
	}

	if err := emit(Event{Step: "planning", Status: "in_progress"}); err != nil {
		return fail(err)
	}
	plan, err := a.planner.CreatePlan(ctx, query)
	if err != nil {
		return fail(err)
	}
	if err := emit(Event{Step: "planning", Status: "completed", Data: plan}); err != nil {
		return fail(err)
	}

	if err := emit(Event{Step: "execution", Status: "in_progress"}); err != nil {
		return fail(err)
	}
	execution := a.pipeline.Execute(ctx, plan)
	for _, res := range execution.Results {
		if err := emit(Event{Step: "tool_result", Data: res}); err != nil {
			return fail(err)
		}
	}
	if err := emit(Event{Step: "execution", Status: "completed", Data: execution}); err != nil {
		return fail(err)
	}

	if err := emit(Event{Step: "synthesis", Status: "in_progress"}); err != nil {
		return fail(err)
	}
	report := a.synthesizer.GenerateReport(ctx, query, plan, execution.Results)
	if err := emit(Event{Step: "synthesis", Status: "completed", Data: report}); err != nil {
		return fail(err)
	}

	result := ResearchResult{
		ID:          runID,
		Query:       query,
		Plan:        plan,
		ToolResults: execution.Results,
		Report:      report,
		Success:     true,
	}
	a.persist(ctx, &result, opts.UserID, started)
	result.DurationMS = time.Since(started).Milliseconds()

	event.Success = true
	fillRunEvent(&event, execution)
	span.SetStatus(codes.Ok, "completed")
	return result, nil
}

// lookupCached returns a stored run whose query is semantically within
// the similarity threshold. Any failure along the way falls back to a
// fresh run.
func (a *ResearchAgent) lookupCached(ctx context.Context, query string) (ResearchResult, bool) {
	if a.memory == nil || a.store == nil {
		return ResearchResult{}, false
	}
	hits, err := a.memory.Search(ctx, query, a.simTopK)
	if err != nil || len(hits) == 0 {
		return ResearchResult{}, false
	}
	hit := hits[0]
	if hit.Distance >= a.simThreshold {
		return ResearchResult{}, false
	}
	runID, _ := hit.Metadata["run_id"].(string)
	if runID == "" {
		return ResearchResult{}, false
	}
	record, err := a.store.GetRun(ctx, runID)
	if err != nil {
		a.logger.Printf("cached run %s unavailable: %v", runID, err)
		return ResearchResult{}, false
	}
	a.logger.Printf("similar query within threshold (distance %.3f), reusing run %s", hit.Distance, runID)
	return ResearchResult{
		ID:          record.ID,
		Query:       record.Query,
		Plan:        record.Plan,
		ToolResults: record.Results,
		Report:      record.Report,
		Cached:      true,
		Success:     true,
	}, true
}

// persist saves the run and indexes its query for similarity lookups.
// Both are best-effort: failures are logged, never surfaced.
func (a *ResearchAgent) persist(ctx context.Context, result *ResearchResult, userID string, started time.Time) {
	if a.store != nil {
		record := RunRecord{
			ID:        result.ID,
			UserID:    userID,
			Query:     result.Query,
			Plan:      result.Plan,
			Results:   result.ToolResults,
			Report:    result.Report,
			Markdown:  result.Report.Markdown,
			Success:   result.Success,
			Duration:  time.Since(started),
			CreatedAt: started,
		}
		if err := a.store.SaveRun(ctx, record); err != nil {
			a.logger.Printf("saving run %s failed: %v", result.ID, err)
		}
	}
	if a.memory != nil {
		payload := map[string]interface{}{
			"run_id":  result.ID,
			"success": result.Report.Success,
		}
		if err := a.memory.Add(ctx, result.Query, payload); err != nil {
			a.logger.Printf("memory indexing failed for run %s: %v", result.ID, err)
		}
	}
}

func fillRunEvent(event *telemetry.RunEvent, execution *ExecutionLog) {
	for _, res := range execution.Results {
		event.ToolsUsed = append(event.ToolsUsed, res.Tool)
	}
	for _, stageErr := range execution.Errors {
		event.ToolFailures = append(event.ToolFailures, stageErr.Tool)
	}
}
