package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/delverhq/delver/internal/helpers"
)

const maxQueryLength = 500

// planningSystemPrompt instructs the model on the decomposition task
// and the tool vocabulary it may schedule.
const planningSystemPrompt = `You are a research planning assistant. Break down research queries into 3-7 focused sub-questions that can be answered through web search and analysis. Determine which tools are needed for each sub-question.

Available tools:
- web_search: Search the internet for information
- scraper: Extract content from webpages
- data_analysis: Analyze numbers and create charts
- calculator: Perform mathematical calculations
- summarizer: Summarize long texts

Respond with a JSON object containing:
- sub_questions: array of 3-7 sub-questions
- tool_sequence: array of tool names in execution order
- reasoning: brief explanation of the plan`

// Planner decomposes a research query into sub-questions and an
// ordered tool sequence.
type Planner struct {
	provider        LLMProvider
	maxSubQuestions int
	logger          *log.Logger
}

// NewPlanner creates a new planner instance. maxSubQuestions <= 0
// falls back to the production default.
func NewPlanner(provider LLMProvider, maxSubQuestions int) *Planner {
	if maxSubQuestions <= 0 {
		maxSubQuestions = DefaultPipelineConfig().MaxSubQuestions
	}
	return &Planner{
		provider:        provider,
		maxSubQuestions: maxSubQuestions,
		logger:          log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// SanitizeQuery collapses whitespace and caps the query length. An
// empty query is a caller error.
func SanitizeQuery(query string) (string, error) {
	query = helpers.CollapseWhitespace(query)
	if query == "" {
		return "", fmt.Errorf("query must be a non-empty string")
	}
	if len(query) > maxQueryLength {
		query = query[:maxQueryLength]
	}
	return query, nil
}

// CreatePlan builds a research plan for query. Collaborator failures
// never propagate: the planner falls back to a fixed three-question
// plan with Success=false. Only an empty query returns an error.
func (p *Planner) CreatePlan(ctx context.Context, query string) (Plan, error) {
	query, err := SanitizeQuery(query)
	if err != nil {
		return Plan{}, err
	}

	prompt := fmt.Sprintf(`Break down this research query into sub-questions and create an execution plan:

Query: %s

Provide a JSON response with:
1. sub_questions: 3-7 focused sub-questions
2. tool_sequence: ordered list of tools needed (e.g., ["web_search", "scraper", "data_analysis"])
3. reasoning: brief explanation of why this plan will work`, query)

	var parsed struct {
		SubQuestions []string `json:"sub_questions"`
		ToolSequence []string `json:"tool_sequence"`
		Reasoning    string   `json:"reasoning"`
	}
	if err := GenerateJSON(ctx, p.provider, prompt, planningSystemPrompt, &parsed); err != nil {
		p.logger.Printf("planning failed for %q, using fallback plan: %v", query, err)
		return Plan{
			Query:        query,
			SubQuestions: cannedSubQuestions(query),
			ToolSequence: []string{"web_search", "scraper", "summarizer"},
			Reasoning:    "Fallback plan due to planning error",
			Success:      false,
			Error:        err.Error(),
			CreatedAt:    time.Now(),
		}, nil
	}

	subQuestions := parsed.SubQuestions
	if len(subQuestions) < 3 {
		subQuestions = cannedSubQuestions(query)
	}
	if len(subQuestions) > p.maxSubQuestions {
		subQuestions = subQuestions[:p.maxSubQuestions]
	}
	toolSequence := parsed.ToolSequence
	if len(toolSequence) == 0 {
		toolSequence = []string{"web_search", "scraper"}
	}
	reasoning := parsed.Reasoning
	if reasoning == "" {
		reasoning = "Standard research plan"
	}

	plan := Plan{
		Query:        query,
		SubQuestions: subQuestions,
		ToolSequence: toolSequence,
		Reasoning:    reasoning,
		Success:      true,
		CreatedAt:    time.Now(),
	}
	p.logger.Printf("planned %d sub-questions, %d stages for %q", len(plan.SubQuestions), len(plan.ToolSequence), query)
	return plan, nil
}

func cannedSubQuestions(query string) []string {
	return []string{
		fmt.Sprintf("What is %s?", query),
		fmt.Sprintf("What are the key aspects of %s?", query),
		fmt.Sprintf("What are recent developments regarding %s?", query),
	}
}
