package web_search

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/delverhq/delver/tools/web_search/brave"
	"github.com/delverhq/delver/tools/web_search/models"
	"github.com/delverhq/delver/tools/web_search/serper"
	"github.com/delverhq/delver/tools/web_search/tavily"
)

// Searcher finds up to k web results for a query.
type Searcher interface {
	Search(ctx context.Context, q string, k int) ([]models.Result, error)
}

type Provider string

const (
	TavilyProvider Provider = "tavily"
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = errors.New("unsupported search provider")

// NewSearcher builds the client for a provider. timeout bounds each request.
func NewSearcher(provider Provider, apiKey string, timeout time.Duration) (Searcher, error) {
	client := &http.Client{Timeout: timeout}
	switch provider {
	case TavilyProvider:
		return tavily.Search{ApiKey: apiKey, Client: client}, nil
	case SerperProvider:
		return serper.Search{ApiKey: apiKey, Client: client}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey, Client: client}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
