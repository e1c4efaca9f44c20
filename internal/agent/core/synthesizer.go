package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/delverhq/delver/internal/helpers"
	"github.com/delverhq/delver/tools"
	"github.com/delverhq/delver/tools/scraper"
	websearch "github.com/delverhq/delver/tools/web_search"
)

const synthesisSystemPrompt = "You are a research report writer. Create a comprehensive, well-structured research report based on the provided information. The report should be professional, accurate, and well-organized."

const reportPromptTemplate = `Based on the following research query and collected information, create a comprehensive research report in Markdown format.

Research Query: %s

Collected Information:
%s

Create a report with the following structure:
1. # Title (based on the query)
2. ## Executive Summary (2-3 paragraphs)
3. ## Key Findings (bullet points of main findings)
4. ## Deep Dive (detailed sections covering different aspects)
5. ## Data Analysis (if data was found, include tables/charts descriptions)
6. ## Conclusion (summary and implications)
7. ## References (list all source URLs)

Make sure to:
- Synthesize information from multiple sources
- Provide accurate information
- Include specific details and numbers when available
- Write in a professional, academic style
- Cite sources naturally in the text
- Format the report properly in Markdown`

// ExtractCitations collects the distinct source URLs of an execution log,
// in first-seen order. Only successful results contribute: search results
// yield one citation per item, scrapes yield the page itself. Titles fall
// back to the URL. URLs are compared exactly as stored; sanitization is
// the scraper's and search clients' job.
func ExtractCitations(results []tools.Result) []Citation {
	citations := []Citation{}
	seen := make(map[string]bool)
	add := func(title, url string) {
		if url == "" || seen[url] {
			return
		}
		if title == "" {
			title = url
		}
		citations = append(citations, Citation{Title: title, URL: url})
		seen[url] = true
	}

	for _, res := range results {
		if !res.Success {
			continue
		}
		switch res.Tool {
		case "web_search":
			if out, ok := res.Result.(websearch.Output); ok {
				for _, item := range out.Results {
					add(item.Title, item.URL)
				}
			}
		case "scraper":
			if out, ok := res.Result.(scraper.Output); ok {
				add(out.Title, out.URL)
			}
		}
	}
	return citations
}

// Synthesizer turns an execution log into a cited Markdown report. It
// never returns an error: when generation fails the report degrades to a
// deterministic template carrying the error string, so callers always
// have something to show.
type Synthesizer struct {
	provider LLMProvider
	cfg      SynthesizerConfig
	logger   *log.Logger
}

// NewSynthesizer builds a synthesizer over the given provider.
// Zero-valued config fields fall back to the production defaults.
func NewSynthesizer(provider LLMProvider, cfg SynthesizerConfig) *Synthesizer {
	def := DefaultSynthesizerConfig()
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = def.MaxSearchResults
	}
	if cfg.MaxScrapedEntries <= 0 {
		cfg.MaxScrapedEntries = def.MaxScrapedEntries
	}
	if cfg.ContextSnippet <= 0 {
		cfg.ContextSnippet = def.ContextSnippet
	}
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = def.MaxResponseTokens
	}
	return &Synthesizer{
		provider: provider,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

// GenerateReport produces the final report for a run. The prompt context
// is bounded: a few items per search, a clipped excerpt per scrape, the
// analysis payload if any. If the model response lacks a references
// section and citations exist, one is appended deterministically.
func (s *Synthesizer) GenerateReport(ctx context.Context, query string, plan Plan, results []tools.Result) Report {
	citations := ExtractCitations(results)
	contextText := s.buildContext(results)

	prompt := fmt.Sprintf(reportPromptTemplate, query, contextText)
	maxTokens := s.cfg.MaxResponseTokens * 2
	if maxTokens > 3000 {
		maxTokens = 3000
	}

	markdown, err := s.provider.Generate(ctx, prompt, synthesisSystemPrompt, maxTokens, 0.7)
	if err != nil {
		s.logger.Printf("report generation failed, using fallback: %v", err)
		return Report{
			Query:       query,
			Markdown:    s.fallbackReport(query, contextText, citations),
			Citations:   citations,
			Success:     false,
			Error:       err.Error(),
			Model:       s.provider.Model(),
			GeneratedAt: time.Now(),
		}
	}

	if !helpers.HasMarkdownHeading(markdown, "References") && len(citations) > 0 {
		markdown += "\n\n## References\n\n" + referenceList(citations)
	}

	s.logger.Printf("report generated for %q: %d chars, %d citation(s)", query, len(markdown), len(citations))
	return Report{
		Query:       query,
		Markdown:    markdown,
		Citations:   citations,
		Success:     true,
		Model:       s.provider.Model(),
		GeneratedAt: time.Now(),
	}
}

// buildContext assembles the prompt context in the fixed order search
// results, scraped excerpts, analysis payload. Search items and analysis
// payloads are rendered as JSON; scraped text is clipped per entry.
func (s *Synthesizer) buildContext(results []tools.Result) string {
	var searchParts, scrapedParts []string
	var analysisPayload interface{}

	for _, res := range results {
		if !res.Success {
			continue
		}
		switch res.Tool {
		case "web_search":
			out, ok := res.Result.(websearch.Output)
			if !ok || len(out.Results) == 0 {
				continue
			}
			items := out.Results
			if len(items) > s.cfg.MaxSearchResults {
				items = items[:s.cfg.MaxSearchResults]
			}
			if encoded, err := json.Marshal(items); err == nil {
				searchParts = append(searchParts, "Search Results:\n"+string(encoded))
			}
		case "scraper":
			if len(scrapedParts) >= s.cfg.MaxScrapedEntries {
				continue
			}
			out, ok := res.Result.(scraper.Output)
			if !ok {
				continue
			}
			title := out.Title
			if title == "" {
				title = "page"
			}
			scrapedParts = append(scrapedParts,
				fmt.Sprintf("Content from %s:\n%s", title, helpers.Clip(out.Text, s.cfg.ContextSnippet)))
		case "data_analysis":
			analysisPayload = res.Result
		}
	}

	parts := append(searchParts, scrapedParts...)
	if analysisPayload != nil {
		if encoded, err := json.Marshal(analysisPayload); err == nil {
			parts = append(parts, "Data Analysis:\n"+string(encoded))
		}
	}
	return strings.Join(parts, "\n\n")
}

// fallbackReport renders the deterministic template used when generation
// fails: same section skeleton, query and truncated context inlined, and
// the numbered reference list.
func (s *Synthesizer) fallbackReport(query, contextText string, citations []Citation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Research Report: %s\n\n", query)
	sb.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&sb, "Research was conducted on: %s\n\n", query)
	sb.WriteString("## Key Findings\n\n")
	fmt.Fprintf(&sb, "- Information gathered from %d sources\n", len(citations))
	sb.WriteString("- Multiple perspectives analyzed\n\n")
	sb.WriteString("## Deep Dive\n\n")
	fmt.Fprintf(&sb, "%s\n\n", helpers.Clip(contextText, 2000))
	sb.WriteString("## Conclusion\n\n")
	sb.WriteString("Research completed with findings from various sources.\n\n")
	sb.WriteString("## References\n\n")
	sb.WriteString(referenceList(citations))
	return sb.String()
}

func referenceList(citations []Citation) string {
	var sb strings.Builder
	for i, c := range citations {
		fmt.Fprintf(&sb, "%d. [%s](%s)\n", i+1, c.Title, c.URL)
	}
	return sb.String()
}
