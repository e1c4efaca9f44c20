package serper

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/delverhq/delver/tools/web_search/models"
)

// Search queries the Serper Google-search proxy.
// https://serper.dev/ docs
type Search struct {
	ApiKey string
	Client *http.Client
}

func (s Search) Search(ctx context.Context, q string, k int) ([]models.Result, error) {
	body, err := json.Marshal(map[string]any{"q": q, "num": k})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.ApiKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []models.Result
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}
