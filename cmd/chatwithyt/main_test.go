package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyncWithRaj/ChatWithYT/internal/anthropic"
	"github.com/SyncWithRaj/ChatWithYT/internal/config"
	"github.com/SyncWithRaj/ChatWithYT/internal/feed"
	"github.com/SyncWithRaj/ChatWithYT/internal/index"
	"github.com/SyncWithRaj/ChatWithYT/internal/openai"
)

func testConfig() config.Config {
	return config.Config{
		VectorURL:         "memory://",
		CollectionName:    "test",
		EmbeddingProvider: config.ProviderGemini,
		Generator:         config.ProviderGemini,
		GoogleAPIKey:      "test-key",
		ChunkSize:         1000,
		ChunkOverlap:      200,
		TopK:              4,
		RetryAttempts:     1,
		TranscriptRPS:     1,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "ingest", "chat", "ingest-feed", "mcp"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func TestChatRequiresArgs(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"chat", "dQw4w9WgXcQ"})

	assert.Error(t, root.Execute())
}

func TestIngestFeedRejectsBadReference(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"ingest-feed", "not a feed"})

	assert.ErrorIs(t, root.Execute(), feed.ErrBadReference)
}

func TestNewApp_MemoryBackend(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(), discard())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.svc)
	assert.Nil(t, a.hermes)
	assert.Len(t, a.closers, 1)
}

func TestNewApp_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.GoogleAPIKey = ""

	_, err := newApp(context.Background(), cfg, discard())
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)
}

func TestNewApp_UnsupportedIndex(t *testing.T) {
	cfg := testConfig()
	cfg.VectorURL = "ftp://example.com"

	a, err := newApp(context.Background(), cfg, discard())
	assert.Nil(t, a)
	assert.ErrorIs(t, err, index.ErrUnsupportedURL)
}

type closeRecorder struct {
	index.Index
	closed atomic.Int32
}

func (c *closeRecorder) Close() error {
	c.closed.Add(1)
	return c.Index.Close()
}

func TestNewApp_ReleasesIndexWhenRedisIsDown(t *testing.T) {
	rec := &closeRecorder{}
	prev := openIndex
	openIndex = func(ctx context.Context, rawURL, collection, apiKey string, logger *slog.Logger) (index.Index, error) {
		idx, err := prev(ctx, rawURL, collection, apiKey, logger)
		rec.Index = idx
		return rec, err
	}
	t.Cleanup(func() { openIndex = prev })

	cfg := testConfig()
	cfg.RedisURL = "redis://127.0.0.1:1/0"

	var (
		a   *app
		err error
	)
	require.NotPanics(t, func() { a, err = newApp(context.Background(), cfg, discard()) })
	assert.Nil(t, a)
	assert.ErrorContains(t, err, "redis")
	assert.Equal(t, int32(1), rec.closed.Load())
}

func TestNewGenerator(t *testing.T) {
	cfg := testConfig()
	embedder, err := openai.NewClient(openai.Options{Provider: cfg.EmbeddingProvider, APIKey: "k"}, discard())
	require.NoError(t, err)

	gen, err := newGenerator(cfg, embedder, discard())
	require.NoError(t, err)
	assert.Same(t, embedder, gen)

	cfg.Generator = config.ProviderAnthropic
	cfg.AnthropicAPIKey = "a"
	gen, err = newGenerator(cfg, embedder, discard())
	require.NoError(t, err)
	assert.IsType(t, &anthropic.Client{}, gen)

	cfg.Generator = config.ProviderOpenAI
	cfg.OpenAIAPIKey = "o"
	gen, err = newGenerator(cfg, embedder, discard())
	require.NoError(t, err)
	assert.NotSame(t, embedder, gen)
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	setupLogging("warn", &buf)
	slog.Info("hidden")
	slog.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/yt", redact("postgres://app:secret@db:5432/yt"))
	assert.Equal(t, "http://localhost:6333", redact("http://localhost:6333"))
}
