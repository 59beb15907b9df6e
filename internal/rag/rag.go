// Package rag ingests video transcripts into the vector index and answers
// questions grounded in them.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SyncWithRaj/ChatWithYT/internal/chunker"
	"github.com/SyncWithRaj/ChatWithYT/internal/hermes"
	"github.com/SyncWithRaj/ChatWithYT/internal/index"
	"github.com/SyncWithRaj/ChatWithYT/internal/lock"
	"github.com/SyncWithRaj/ChatWithYT/internal/transcript"
)

// Ingestion statuses as they appear on the wire.
const (
	StatusExists  = "exists"
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	DefaultTopK = 4

	msgEmptyTranscript = "empty transcript"
	msgNoEmbeddings    = "No embeddings generated"
)

var (
	ErrNoUserTurn      = errors.New("no user message to answer")
	ErrMissingVideoID  = errors.New("video_id is required")
	ErrNoSource        = errors.New("no transcript source configured")
	ErrEmbeddingCount  = errors.New("embedding count does not match chunk count")
	ErrQueryUnembedded = errors.New("query embedding is empty")
)

// IsInputError reports whether err was caused by the caller's request rather
// than by an upstream dependency.
func IsInputError(err error) bool {
	return errors.Is(err, ErrNoUserTurn) ||
		errors.Is(err, ErrMissingVideoID) ||
		errors.Is(err, transcript.ErrInvalidURL)
}

// Outcome is the result of one ingestion.
type Outcome struct {
	Status  string `json:"status"`
	VideoID string `json:"video_id,omitempty"`
	Chunks  int    `json:"chunks,omitempty"`
	Message string `json:"message,omitempty"`
}

// Turn is one chat message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TranscriptSource fetches the transcript behind a video link.
type TranscriptSource interface {
	Fetch(ctx context.Context, rawURL string) (*transcript.Record, error)
}

// Embedder turns text into vectors. EmbedDocuments returns one vector per input, in order.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator answers a fully rendered prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Publisher delivers ingestion events. hermes.Client satisfies it.
type Publisher interface {
	Publish(subject string, data any) error
}

type Service struct {
	splitter  *chunker.Splitter
	embedder  Embedder
	index     index.Index
	generator Generator
	source    TranscriptSource
	locker    lock.Locker
	publisher Publisher
	topK      int
	minScore  float32
	retry     RetryPolicy
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithTranscriptSource(src TranscriptSource) Option {
	return func(s *Service) { s.source = src }
}

func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithMinScore sets a similarity floor. When no hit reaches it, Chat refuses
// without calling the generator. Zero disables the floor.
func WithMinScore(score float64) Option {
	return func(s *Service) { s.minScore = float32(score) }
}

func WithRetry(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func New(splitter *chunker.Splitter, embedder Embedder, idx index.Index, generator Generator, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		splitter:  splitter,
		embedder:  embedder,
		index:     idx,
		generator: generator,
		locker:    lock.NewKeyed(),
		topK:      DefaultTopK,
		retry:     DefaultRetry,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type requestKey struct{}

type requestMeta struct {
	id  string
	url string
}

// WithRequestID tags ctx so the video.indexed event of the ingestion it drives
// carries id.
func WithRequestID(ctx context.Context, id string) context.Context {
	meta, _ := ctx.Value(requestKey{}).(requestMeta)
	meta.id = id
	return context.WithValue(ctx, requestKey{}, meta)
}

func withSourceURL(ctx context.Context, rawURL string) context.Context {
	meta, _ := ctx.Value(requestKey{}).(requestMeta)
	meta.url = rawURL
	return context.WithValue(ctx, requestKey{}, meta)
}

// IngestURL fetches the transcript behind rawURL and ingests it.
func (s *Service) IngestURL(ctx context.Context, rawURL string) (Outcome, error) {
	if s.source == nil {
		return Outcome{}, ErrNoSource
	}
	rec, err := s.source.Fetch(ctx, rawURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch transcript: %w", err)
	}
	return s.Ingest(withSourceURL(ctx, rawURL), rec)
}

// Ingest chunks, embeds and stores a transcript once per video. Re-ingesting a
// video that already has entries returns StatusExists without writing.
func (s *Service) Ingest(ctx context.Context, rec *transcript.Record) (Outcome, error) {
	videoID := rec.VideoID
	log := s.logger.With("video_id", videoID)

	chunks := s.splitter.Split(videoID, rec.Text)
	if len(chunks) == 0 {
		log.Warn("nothing to ingest", "reason", msgEmptyTranscript)
		return Outcome{Status: StatusError, VideoID: videoID, Message: msgEmptyTranscript}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors [][]float32
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		vectors, err = s.embedder.EmbedDocuments(ctx, texts)
		return err
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) == 0 {
		log.Warn("nothing to ingest", "reason", msgNoEmbeddings)
		return Outcome{Status: StatusError, VideoID: videoID, Message: msgNoEmbeddings}, nil
	}
	if len(vectors) != len(chunks) {
		return Outcome{}, fmt.Errorf("%w: %d vectors for %d chunks", ErrEmbeddingCount, len(vectors), len(chunks))
	}

	if err := s.index.EnsureCollection(ctx, len(vectors[0])); err != nil {
		return Outcome{}, fmt.Errorf("ensure collection: %w", err)
	}

	unlock, err := s.locker.Lock(ctx, videoID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lock video %s: %w", videoID, err)
	}
	defer unlock()

	existing, err := s.index.Count(ctx, videoID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check existing entries: %w", err)
	}
	if existing > 0 {
		log.Info("video already indexed", "entries", existing)
		return Outcome{Status: StatusExists, VideoID: videoID}, nil
	}

	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{
			ID:       uuid.NewString(),
			Vector:   vectors[i],
			Text:     c.Text,
			SourceID: c.SourceID,
		}
	}
	if err := s.index.Upsert(ctx, entries); err != nil {
		return Outcome{}, fmt.Errorf("store entries: %w", err)
	}

	log.Info("video indexed", "chunks", len(entries), "dim", len(vectors[0]))
	out := Outcome{Status: StatusSuccess, VideoID: videoID, Chunks: len(entries)}
	s.publish(ctx, hermes.SubjectVideoIndexed, out)
	return out, nil
}

// Chat answers the last user turn using only the indexed transcript of videoID.
func (s *Service) Chat(ctx context.Context, videoID string, turns []Turn) (string, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return "", ErrMissingVideoID
	}
	query, err := lastUserTurn(turns)
	if err != nil {
		return "", err
	}

	var vector []float32
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		vector, err = s.embedder.EmbedQuery(ctx, query)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("embed question: %w", err)
	}
	if len(vector) == 0 {
		return "", ErrQueryUnembedded
	}

	var hits []index.Hit
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		hits, err = s.index.Search(ctx, vector, videoID, s.topK)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("search transcript: %w", err)
	}

	if s.minScore > 0 && !anyAtLeast(hits, s.minScore) {
		s.logger.Info("no relevant segments", "video_id", videoID, "hits", len(hits), "min_score", s.minScore)
		return RefusalSentence, nil
	}

	answer, err := s.generator.Generate(ctx, BuildPrompt(joinContext(hits), query))
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}

	s.logger.Debug("question answered", "video_id", videoID, "hits", len(hits))
	return answer, nil
}

func lastUserTurn(turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", ErrNoUserTurn
	}
	last := turns[len(turns)-1]
	if last.Role != "user" || strings.TrimSpace(last.Content) == "" {
		return "", ErrNoUserTurn
	}
	return last.Content, nil
}

func anyAtLeast(hits []index.Hit, floor float32) bool {
	for _, h := range hits {
		if h.Score >= floor {
			return true
		}
	}
	return false
}

func (s *Service) publish(ctx context.Context, subject string, out Outcome) {
	if s.publisher == nil {
		return
	}
	meta, _ := ctx.Value(requestKey{}).(requestMeta)
	ev := hermes.IngestEvent{
		RequestID: meta.id,
		URL:       meta.url,
		VideoID:   out.VideoID,
		Status:    out.Status,
		Chunks:    out.Chunks,
		Message:   out.Message,
		Timestamp: time.Now().UTC(),
	}
	if err := s.publisher.Publish(subject, ev); err != nil {
		s.logger.Warn("failed to publish ingest event", "subject", subject, "video_id", out.VideoID, "error", err)
	}
}
