package web_search

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/delverhq/delver/internal/cache"
	"github.com/delverhq/delver/tools"
	"github.com/delverhq/delver/tools/web_search/models"
)

// Output is the web_search tool payload. Provider failures are swallowed
// into an empty result list with Error set; the invocation itself still
// succeeds, so a flaky search API degrades a run instead of failing it.
type Output struct {
	Query        string          `json:"query"`
	Results      []models.Result `json:"results"`
	TotalResults int             `json:"total_results"`
	Error        string          `json:"error,omitempty"`
}

// Tool adapts a Searcher to the registry contract, with cached responses.
type Tool struct {
	searcher   Searcher
	cache      cache.Cache
	cacheTTL   time.Duration
	maxResults int
	logger     *log.Logger
}

// NewTool wires a searcher with an optional cache (nil disables caching).
func NewTool(searcher Searcher, c cache.Cache, ttl time.Duration, maxResults int) *Tool {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &Tool{
		searcher:   searcher,
		cache:      c,
		cacheTTL:   ttl,
		maxResults: maxResults,
		logger:     log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
	}
}

func (t *Tool) Name() string { return "web_search" }

func (t *Tool) Description() string {
	return "Searches the web and returns ranked results with snippets"
}

func (t *Tool) Run(ctx context.Context, args tools.Args) (interface{}, error) {
	query := strings.TrimSpace(args.Query)
	out := Output{Query: query, Results: []models.Result{}}
	if query == "" {
		out.Error = "empty query"
		return out, nil
	}

	cacheKey := "search:" + query
	if t.cache != nil {
		if raw, ok := t.cache.Get(ctx, cacheKey); ok {
			var cached Output
			if err := json.Unmarshal(raw, &cached); err == nil {
				t.logger.Printf("cache hit for query %q", query)
				return cached, nil
			}
		}
	}

	results, err := t.searcher.Search(ctx, query, t.maxResults)
	if err != nil {
		t.logger.Printf("search failed for %q: %v", query, err)
		out.Error = err.Error()
		return out, nil
	}
	if len(results) > t.maxResults {
		results = results[:t.maxResults]
	}
	out.Results = results
	out.TotalResults = len(results)

	if t.cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			if err := t.cache.Set(ctx, cacheKey, raw, t.cacheTTL); err != nil {
				t.logger.Printf("cache write failed for %q: %v", query, err)
			}
		}
	}
	return out, nil
}
