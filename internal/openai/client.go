// Package openai embeds text and generates answers through any OpenAI-compatible
// endpoint. Gemini is reached through Google's OpenAI compatibility layer.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

	defaultBatchSize = 100
)

// ErrEmptyResponse is returned when the provider answers without usable data.
var ErrEmptyResponse = errors.New("empty response from model provider")

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus reports the status code returned by the provider.
func (e *StatusError) HTTPStatus() int { return e.Status }

// withStatus exposes the HTTP status of go-openai errors.
func withStatus(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{Status: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}

// Preset holds the endpoint and model names used for a provider when none are configured.
type Preset struct {
	BaseURL        string
	EmbeddingModel string
	ChatModel      string
}

var presets = map[string]Preset{
	"gemini": {BaseURL: GeminiBaseURL, EmbeddingModel: "text-embedding-004", ChatModel: "gemini-2.5-flash"},
	"openai": {EmbeddingModel: string(openai.SmallEmbedding3), ChatModel: openai.GPT4oMini},
}

// PresetFor returns the defaults for provider and whether it is known.
func PresetFor(provider string) (Preset, bool) {
	p, ok := presets[provider]
	return p, ok
}

// Options configure a Client. Empty model names fall back to the provider preset.
type Options struct {
	Provider       string
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	ChatModel      string
	BatchSize      int
}

// Client implements document/query embedding and single-prompt generation.
type Client struct {
	client         *openai.Client
	embeddingModel string
	chatModel      string
	batchSize      int
	logger         *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	preset, ok := PresetFor(opts.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", opts.Provider)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("provider %s: API key is empty", opts.Provider)
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if base := firstNonEmpty(opts.BaseURL, preset.BaseURL); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	return &Client{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: firstNonEmpty(opts.EmbeddingModel, preset.EmbeddingModel),
		chatModel:      firstNonEmpty(opts.ChatModel, preset.ChatModel),
		batchSize:      batch,
		logger:         logger,
	}, nil
}

// EmbedDocuments embeds texts in order, splitting the work into provider-sized batches.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		batch, err := c.embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed documents %d-%d: %w", start, end, err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vectors[0], nil
}

func (c *Client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, withStatus(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: %d embeddings for %d inputs", ErrEmptyResponse, len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: input %d has no embedding", ErrEmptyResponse, i)
		}
		vectors[i] = d.Embedding
	}

	c.logger.Debug("embeddings created", "model", c.embeddingModel, "count", len(vectors), "tokens", resp.Usage.TotalTokens)
	return vectors, nil
}

// Generate sends prompt as a single user message and returns the reply text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", withStatus(err))
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
