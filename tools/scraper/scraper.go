package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/delverhq/delver/internal/cache"
	"github.com/delverhq/delver/internal/helpers"
	"github.com/delverhq/delver/tools"
)

// Output is the scraper tool payload. Success/Error mirror the wire shape
// consumers expect; a failed scrape never reaches this struct because the
// tool returns an error instead, which the registry records as a failed
// invocation.
type Output struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	Length  int    `json:"length"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Options configures fetching and extraction.
type Options struct {
	Timeout    time.Duration
	UserAgent  string
	MaxChars   int
	UseBrowser bool
	CacheTTL   time.Duration
}

// Tool fetches a page and extracts its main content.
type Tool struct {
	opts   Options
	client *http.Client
	cache  cache.Cache
	logger *log.Logger
}

// NewTool builds a scraper; c may be nil to disable caching.
func NewTool(opts Options, c cache.Cache) *Tool {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 5000
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; delver/1.0)"
	}
	return &Tool{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		cache:  c,
		logger: log.New(log.Writer(), "[SCRAPER] ", log.LstdFlags),
	}
}

func (t *Tool) Name() string { return "scraper" }

func (t *Tool) Description() string {
	return "Fetches a web page and extracts its readable text content"
}

func (t *Tool) Run(ctx context.Context, args tools.Args) (interface{}, error) {
	raw := helpers.SanitizeURL(args.URL)
	if raw == "" {
		return nil, errors.New("missing url")
	}
	if err := helpers.ValidateURL(raw); err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}

	// Cache on the canonical fingerprint so URL variants (tracking
	// params, default ports, fragments) share one entry.
	cacheKey := "scrape:" + raw
	if fp, err := helpers.URLFingerprint(raw); err == nil {
		cacheKey = "scrape:" + fp
	}
	if t.cache != nil {
		if cached, ok := t.cache.Get(ctx, cacheKey); ok {
			var out Output
			if err := json.Unmarshal(cached, &out); err == nil && out.Success {
				t.logger.Printf("cache hit for %s", raw)
				return out, nil
			}
		}
	}

	html, err := t.fetch(ctx, raw)
	if err != nil {
		return nil, err
	}

	title, text := extract(html, raw)
	text = helpers.CollapseWhitespace(text)
	if text == "" {
		return nil, fmt.Errorf("no content extracted from %s", raw)
	}
	text = helpers.Clip(text, t.opts.MaxChars)

	out := Output{
		URL:     raw,
		Title:   title,
		Text:    text,
		Length:  utf8.RuneCountInString(text),
		Success: true,
	}
	if t.cache != nil {
		if encoded, err := json.Marshal(out); err == nil {
			if err := t.cache.Set(ctx, cacheKey, encoded, t.opts.CacheTTL); err != nil {
				t.logger.Printf("cache write failed for %s: %v", raw, err)
			}
		}
	}
	return out, nil
}

func (t *Tool) fetch(ctx context.Context, raw string) (string, error) {
	if t.opts.UseBrowser {
		return t.fetchRendered(ctx, raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", t.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", raw, err)
	}
	body, err := helpers.ReadAllAndClose(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", raw, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", raw, resp.StatusCode)
	}
	return string(body), nil
}

// extract runs readability first and falls back to a structural scan when
// it finds nothing usable.
func extract(html, raw string) (title, text string) {
	parsed, err := url.Parse(raw)
	if err != nil {
		parsed = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err == nil {
		title = strings.TrimSpace(article.Title)
		text = strings.TrimSpace(article.TextContent)
	}
	if text != "" {
		return title, text
	}
	return basicExtract(html)
}

// basicExtract strips page chrome and returns the first populated content
// container, falling back to the whole body.
func basicExtract(html string) (title, text string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
			title = strings.TrimSpace(og)
		}
	}

	doc.Find("script, style, nav, header, footer, aside, noscript, iframe").Remove()

	for _, selector := range []string{"article", "main", `[role="main"]`, "#content", ".content", ".post", ".article-body"} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			if body := strings.TrimSpace(sel.Text()); body != "" {
				return title, body
			}
		}
	}
	return title, strings.TrimSpace(doc.Find("body").Text())
}
