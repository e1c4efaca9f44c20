// Package telemetry aggregates in-process run, tool, and model usage
// metrics. Recording is gated by configuration and every reader gets a
// snapshot copy, so collaborators call in unconditionally from hot paths.
package telemetry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/delverhq/delver/config"
)

// Telemetry tracks research runs, per-tool outcomes, and LLM usage/cost.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds aggregated performance metrics. Snapshots returned by
// GetMetrics are deep copies and safe to retain.
type Metrics struct {
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	CachedRuns     int64
	AverageRunTime time.Duration

	ToolInvocations map[string]int64
	ToolFailures    map[string]int64

	LLMRequests       map[string]int64
	LLMTokensUsed     map[string]int64
	LLMAverageLatency map[string]time.Duration
}

// CostTracker accumulates LLM spend.
type CostTracker struct {
	DailyCosts  map[string]float64 // date (2006-01-02) -> cost
	ModelCosts  map[string]float64 // model -> cost
	TotalCost   float64
	TotalTokens int64
}

// RunEvent captures one research run end to end.
type RunEvent struct {
	ID           string
	Query        string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Success      bool
	Cached       bool
	Error        string
	ToolsUsed    []string // tool name per invocation, duplicates meaningful
	ToolFailures []string // tool name per failed invocation
}

// LLMEvent captures one model call.
type LLMEvent struct {
	Model            string
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	Success          bool
	Error            string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

// NewTelemetry creates a telemetry instance. With cfg.Enabled false all
// recorders become no-ops.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			ToolInvocations:   make(map[string]int64),
			ToolFailures:      make(map[string]int64),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
			LLMAverageLatency: make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			DailyCosts: make(map[string]float64),
			ModelCosts: make(map[string]float64),
		},
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsLogging()
	}

	return t
}

// RecordRunEvent records a completed research run.
func (t *Telemetry) RecordRunEvent(event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
	}
	if event.Cached {
		t.metrics.CachedRuns++
	}

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	for _, tool := range event.ToolsUsed {
		t.metrics.ToolInvocations[tool]++
	}
	for _, tool := range event.ToolFailures {
		t.metrics.ToolFailures[tool]++
	}

	t.logger.Printf("Run: ID=%s, Success=%t, Cached=%t, Duration=%v, Tools=%d, Failures=%d",
		event.ID, event.Success, event.Cached, event.Duration, len(event.ToolsUsed), len(event.ToolFailures))
}

// RecordLLMEvent records one model call, including token usage and cost
// when cost tracking is enabled.
func (t *Telemetry) RecordLLMEvent(event LLMEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.LLMRequests[event.Model]++
	tokens := event.PromptTokens + event.CompletionTokens
	t.metrics.LLMTokensUsed[event.Model] += tokens

	requests := t.metrics.LLMRequests[event.Model]
	if requests == 1 {
		t.metrics.LLMAverageLatency[event.Model] = event.Duration
	} else {
		total := t.metrics.LLMAverageLatency[event.Model] * time.Duration(requests-1)
		t.metrics.LLMAverageLatency[event.Model] = (total + event.Duration) / time.Duration(requests)
	}

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += tokens
		t.costTracker.ModelCosts[event.Model] += event.Cost
		day := event.StartTime
		if day.IsZero() {
			day = time.Now()
		}
		t.costTracker.DailyCosts[day.Format("2006-01-02")] += event.Cost
	}
}

// GetMetrics returns a snapshot of the current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.ToolInvocations = copyCounts(t.metrics.ToolInvocations)
	metrics.ToolFailures = copyCounts(t.metrics.ToolFailures)
	metrics.LLMRequests = copyCounts(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyCounts(t.metrics.LLMTokensUsed)
	metrics.LLMAverageLatency = make(map[string]time.Duration, len(t.metrics.LLMAverageLatency))
	for k, v := range t.metrics.LLMAverageLatency {
		metrics.LLMAverageLatency[k] = v
	}
	return metrics
}

// GetCostSummary returns a snapshot of accumulated costs.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		DailyCosts:  make(map[string]float64, len(t.costTracker.DailyCosts)),
		ModelCosts:  make(map[string]float64, len(t.costTracker.ModelCosts)),
	}
	for k, v := range t.costTracker.DailyCosts {
		summary.DailyCosts[k] = v
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	return summary
}

// CostSummary provides a snapshot of costs.
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	DailyCosts  map[string]float64
	ModelCosts  map[string]float64
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CalculateCost converts token counts to dollars using per-1K rates.
func CalculateCost(promptTokens, completionTokens int64, costPer1KInput, costPer1KOutput float64) float64 {
	return float64(promptTokens)/1000.0*costPer1KInput + float64(completionTokens)/1000.0*costPer1KOutput
}

func (t *Telemetry) startMetricsLogging() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()
		t.logger.Printf("Snapshot: Runs=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulRuns, metrics.TotalRuns,
			metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
	}
}

// Shutdown logs a final performance report.
func (t *Telemetry) Shutdown() {
	if !t.config.Enabled {
		return
	}
	t.logger.Println("Shutting down telemetry")
	t.logger.Print(t.GetPerformanceReport())
}

// GetPerformanceReport renders a human-readable summary of everything
// recorded so far.
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	successRate := 0.0
	if metrics.TotalRuns > 0 {
		successRate = float64(metrics.SuccessfulRuns) / float64(metrics.TotalRuns) * 100
	}

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Runs:
  Total: %d
  Successful: %d (%.2f%%)
  Failed: %d
  Cached: %d
  Average Duration: %v
  Total Cost: $%.4f
  Total Tokens: %d

Tool Usage:
`, metrics.TotalRuns, metrics.SuccessfulRuns, successRate,
		metrics.FailedRuns, metrics.CachedRuns,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)

	for tool, count := range metrics.ToolInvocations {
		report += fmt.Sprintf("  %s: %d invocations, %d failed\n", tool, count, metrics.ToolFailures[tool])
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		report += fmt.Sprintf("  %s: %d requests, %d tokens, %v avg latency, $%.4f\n",
			model, requests, metrics.LLMTokensUsed[model],
			metrics.LLMAverageLatency[model], costs.ModelCosts[model])
	}

	return report
}
