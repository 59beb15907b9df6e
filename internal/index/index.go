// Package index stores transcript chunk embeddings and answers source-scoped
// similarity queries. A collection has a single dimensionality, fixed by the
// first EnsureCollection call.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"slices"
	"strings"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension does not match collection")
	ErrNoCollection      = errors.New("collection does not exist")
	ErrUnsupportedURL    = errors.New("unsupported vector index URL")
)

// Entry is one stored chunk.
type Entry struct {
	ID       string
	Vector   []float32
	Text     string
	SourceID string
}

// Hit is a search result. Higher Score means more similar.
type Hit struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Score    float32 `json:"score"`
}

// Index is the vector store used by the ingestion and query paths.
type Index interface {
	// EnsureCollection creates the collection with dim if absent. It is safe to
	// call concurrently and fails with ErrDimensionMismatch if the collection
	// already exists with another size.
	EnsureCollection(ctx context.Context, dim int) error
	// Count returns how many entries carry sourceID. A missing collection counts zero.
	Count(ctx context.Context, sourceID string) (int, error)
	// Upsert writes all entries and returns once they are durable and searchable.
	Upsert(ctx context.Context, entries []Entry) error
	// Search returns at most k hits for sourceID in descending score order. A
	// missing collection yields no hits.
	Search(ctx context.Context, vector []float32, sourceID string, k int) ([]Hit, error)
	Close() error
}

// Open picks a backend from the URL scheme: http(s) for Qdrant, postgres for
// pgvector, sqlite for a local file and memory for a process-local store.
func Open(ctx context.Context, rawURL, collection, apiKey string, logger *slog.Logger) (Index, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewQdrant(rawURL, collection, apiKey, logger), nil
	case "postgres", "postgresql":
		return NewPostgres(ctx, rawURL, collection, logger)
	case "sqlite":
		return NewSQLite(strings.TrimPrefix(rawURL, u.Scheme+"://"), collection, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}
}

func checkDim(want int, vector []float32) error {
	if want > 0 && len(vector) != want {
		return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, len(vector), want)
	}
	return nil
}

func checkEntries(want int, entries []Entry) error {
	for _, e := range entries {
		if err := checkDim(want, e.Vector); err != nil {
			return fmt.Errorf("entry %s: %w", e.ID, err)
		}
	}
	return nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// topK sorts hits by descending score, keeping insertion order for ties, and truncates to k.
func topK(hits []Hit, k int) []Hit {
	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
