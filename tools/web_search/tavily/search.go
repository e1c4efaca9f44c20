package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/delverhq/delver/internal/helpers"
	"github.com/delverhq/delver/tools/web_search/models"
)

const endpoint = "https://api.tavily.com/search"

// Search queries the Tavily research API.
// https://docs.tavily.com/docs/rest-api
type Search struct {
	ApiKey string
	Client *http.Client
}

func (s Search) Search(ctx context.Context, q string, k int) ([]models.Result, error) {
	payload := map[string]any{
		"api_key":      s.ApiKey,
		"query":        q,
		"search_depth": "advanced",
		"max_results":  k,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	raw, err := helpers.ReadAllAndClose(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily: status %d: %s", resp.StatusCode, helpers.Clip(string(raw), 200))
	}

	var decoded struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("tavily: decoding response: %w", err)
	}

	out := make([]models.Result, 0, len(decoded.Results))
	for i, r := range decoded.Results {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: r.Title, URL: r.URL, Snippet: r.Content, Score: r.Score})
	}
	return out, nil
}
