package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/delverhq/delver/config"
	"github.com/delverhq/delver/internal/agent/telemetry"
)

const (
	// ProviderOpenAI talks to the OpenAI API.
	ProviderOpenAI = "openai"
	// ProviderGroq talks to Groq's OpenAI-compatible API.
	ProviderGroq = "groq"

	openaiBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"
)

// ErrEmbeddingsUnavailable is returned when the configured provider
// cannot serve embeddings and no embedding fallback is configured.
var ErrEmbeddingsUnavailable = errors.New("embeddings unavailable for configured provider")

// NewProvider builds an LLM provider from configuration. Groq is
// OpenAI-compatible for chat completions; embeddings fall back to the
// configured embedding provider when Groq is the completion provider.
// tel may be nil to skip usage recording.
func NewProvider(cfg config.LLMConfig, tel *telemetry.Telemetry) (LLMProvider, error) {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	switch cfg.Provider {
	case ProviderOpenAI:
		if base == "" {
			base = openaiBaseURL
		}
	case ProviderGroq:
		if base == "" {
			base = groqBaseURL
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key is not set", cfg.Provider)
	}

	c := &openAIClient{
		provider:    cfg.Provider,
		baseURL:     base,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxResponseTokens,
		costInput:   cfg.CostPer1KInput,
		costOutput:  cfg.CostPer1KOutput,
		http:        NewHTTPClient(cfg.Timeout, cfg.MaxRetries, cfg.RetryDelay),
		telemetry:   tel,
		logger:      log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}

	switch {
	case cfg.Provider == ProviderOpenAI:
		c.embeddingURL = base + "/embeddings"
		c.embeddingKey = cfg.APIKey
		c.embeddingModel = cfg.EmbeddingModel
	case cfg.EmbeddingProvider == ProviderOpenAI && cfg.EmbeddingAPIKey != "":
		c.embeddingURL = openaiBaseURL + "/embeddings"
		c.embeddingKey = cfg.EmbeddingAPIKey
		c.embeddingModel = cfg.EmbeddingModel
	}
	return c, nil
}

// openAIClient implements LLMProvider against any OpenAI-compatible
// chat completions API.
type openAIClient struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	costInput   float64
	costOutput  float64

	embeddingURL   string
	embeddingKey   string
	embeddingModel string

	http      *HTTPClient
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// Message represents a message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openAIClient) Model() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, prompt, system string, maxTokens int, temperature float64) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if temperature <= 0 {
		temperature = c.temperature
	}

	var messages []Message
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	started := time.Now()
	var resp chatResponse
	err := c.http.DoJSON(ctx, "POST", c.baseURL+"/chat/completions", headers, req, &resp)
	if err != nil {
		err = fmt.Errorf("%s api error: %w", c.provider, err)
	} else if len(resp.Choices) == 0 {
		err = fmt.Errorf("%s api returned no choices", c.provider)
	}
	c.recordUsage(started, resp, err)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) recordUsage(started time.Time, resp chatResponse, err error) {
	if c.telemetry == nil {
		return
	}
	event := telemetry.LLMEvent{
		Model:            c.model,
		StartTime:        started,
		EndTime:          time.Now(),
		Duration:         time.Since(started),
		Success:          err == nil,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Cost: telemetry.CalculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
			c.costInput, c.costOutput),
	}
	if err != nil {
		event.Error = err.Error()
	}
	c.telemetry.RecordLLMEvent(event)
}

func (c *openAIClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.embeddingURL == "" {
		return nil, ErrEmbeddingsUnavailable
	}

	req := map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.embeddingKey}

	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := c.http.DoJSON(ctx, "POST", c.embeddingURL, headers, req, &resp); err != nil {
		return nil, fmt.Errorf("embedding api error: %w", err)
	}

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
