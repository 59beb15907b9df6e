package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/SyncWithRaj/ChatWithYT/internal/anthropic"
	"github.com/SyncWithRaj/ChatWithYT/internal/chunker"
	"github.com/SyncWithRaj/ChatWithYT/internal/config"
	"github.com/SyncWithRaj/ChatWithYT/internal/hermes"
	"github.com/SyncWithRaj/ChatWithYT/internal/index"
	"github.com/SyncWithRaj/ChatWithYT/internal/lock"
	"github.com/SyncWithRaj/ChatWithYT/internal/openai"
	"github.com/SyncWithRaj/ChatWithYT/internal/rag"
	"github.com/SyncWithRaj/ChatWithYT/internal/transcript"
)

const (
	connectTimeout = 10 * time.Second
	lockTTL        = 5 * time.Minute
)

// app holds every collaborator built from configuration.
type app struct {
	cfg     config.Config
	svc     *rag.Service
	hermes  *hermes.Client
	logger  *slog.Logger
	closers []func() error
}

// openIndex is replaced in tests to observe how the index is released.
var openIndex = index.Open

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	embedder, err := openai.NewClient(openai.Options{
		Provider:       cfg.EmbeddingProvider,
		APIKey:         cfg.APIKey(cfg.EmbeddingProvider),
		EmbeddingModel: cfg.EmbeddingModel,
		ChatModel:      cfg.ChatModel,
		BatchSize:      cfg.EmbedBatchSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	generator, err := newGenerator(cfg, embedder, logger)
	if err != nil {
		return nil, err
	}

	idx, err := openIndex(connectCtx, cfg.VectorURL, cfg.CollectionName, cfg.QdrantAPIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	a.closers = append(a.closers, idx.Close)
	logger.Info("vector index ready", "url", redact(cfg.VectorURL), "collection", cfg.CollectionName)

	fetcher := transcript.NewFetcher(logger,
		transcript.WithLanguages(cfg.TranscriptLanguages...),
		transcript.WithRateLimit(cfg.TranscriptRPS),
	)

	opts := []rag.Option{
		rag.WithTranscriptSource(fetcher),
		rag.WithTopK(cfg.TopK),
		rag.WithMinScore(cfg.MinScore),
		rag.WithRetry(rag.RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}),
	}

	if cfg.RedisURL != "" {
		rl, err := lock.NewRedis(connectCtx, cfg.RedisURL, lockTTL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rl.Close)
		opts = append(opts, rag.WithLocker(rl))
		logger.Info("redis ingestion lock enabled")
	}

	if cfg.NatsURL != "" {
		hc, err := hermes.NewClient(connectCtx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return nil, err
		}
		a.hermes = hc
		a.closers = append(a.closers, func() error { hc.Close(); return nil })
		opts = append(opts, rag.WithPublisher(hc))
		logger.Info("NATS connected", "url", cfg.NatsURL)
	}

	splitter := chunker.New(chunker.WithChunkSize(cfg.ChunkSize), chunker.WithOverlap(cfg.ChunkOverlap))
	a.svc = rag.New(splitter, embedder, idx, generator, logger, opts...)
	return a, nil
}

// newGenerator reuses the embedding client when both roles use the same provider.
func newGenerator(cfg config.Config, embedder *openai.Client, logger *slog.Logger) (rag.Generator, error) {
	switch cfg.Generator {
	case config.ProviderAnthropic:
		return anthropic.NewClient(cfg.AnthropicAPIKey, cfg.ChatModel, logger), nil
	case cfg.EmbeddingProvider:
		return embedder, nil
	}
	gen, err := openai.NewClient(openai.Options{
		Provider:  cfg.Generator,
		APIKey:    cfg.APIKey(cfg.Generator),
		ChatModel: cfg.ChatModel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}
	return gen, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// redact hides credentials embedded in a connection URL.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
