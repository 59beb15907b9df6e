package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const sourceIDField = "source_id"

// Qdrant talks to a Qdrant server over its REST API.
type Qdrant struct {
	baseURL    string
	collection string
	apiKey     string
	client     *http.Client
	logger     *slog.Logger

	mu  sync.RWMutex
	dim int
}

func NewQdrant(baseURL, collection, apiKey string, logger *slog.Logger) *Qdrant {
	return &Qdrant{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

type qdrantStatusError struct {
	Status int
	Body   string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("qdrant returned status %d: %s", e.Status, e.Body)
}

// HTTPStatus reports the status code returned by Qdrant.
func (e *qdrantStatusError) HTTPStatus() int { return e.Status }

func isStatus(err error, status int) bool {
	var se *qdrantStatusError
	return errors.As(err, &se) && se.Status == status
}

func (q *Qdrant) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(q.collection) + suffix
}

func (q *Qdrant) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}

	existing, err := q.collectionDim(ctx)
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	if err == nil {
		return q.adoptDim(existing, dim)
	}

	create := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath(""), create, nil); err != nil {
		if !isStatus(err, http.StatusConflict) {
			return fmt.Errorf("create collection: %w", err)
		}
		// Lost a creation race; verify the winner's size.
		if existing, err = q.collectionDim(ctx); err != nil {
			return err
		}
		return q.adoptDim(existing, dim)
	}
	q.logger.Info("collection created", "collection", q.collection, "dim", dim)

	fieldIndex := map[string]any{"field_name": sourceIDField, "field_schema": "keyword"}
	if err := q.do(ctx, http.MethodPut, q.collectionPath("/index?wait=true"), fieldIndex, nil); err != nil {
		q.logger.Warn("payload index not created", "collection", q.collection, "error", err)
	}
	return q.adoptDim(dim, dim)
}

func (q *Qdrant) adoptDim(existing, dim int) error {
	if existing != dim {
		return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, dim, existing)
	}
	q.mu.Lock()
	q.dim = existing
	q.mu.Unlock()
	return nil
}

func (q *Qdrant) knownDim() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dim
}

func (q *Qdrant) collectionDim(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Config.Params.Vectors.Size, nil
}

func sourceFilter(sourceID string) map[string]any {
	return map[string]any{
		"must": []any{
			map[string]any{"key": sourceIDField, "match": map[string]any{"value": sourceID}},
		},
	}
}

func (q *Qdrant) Count(ctx context.Context, sourceID string) (int, error) {
	req := map[string]any{"filter": sourceFilter(sourceID), "exact": true}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/count"), req, &resp); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("count points: %w", err)
	}
	return resp.Result.Count, nil
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (q *Qdrant) Upsert(ctx context.Context, entries []Entry) error {
	if err := checkEntries(q.knownDim(), entries); err != nil {
		return err
	}

	points := make([]qdrantPoint, 0, len(entries))
	for _, e := range entries {
		points = append(points, qdrantPoint{
			ID:      e.ID,
			Vector:  e.Vector,
			Payload: map[string]any{"text": e.Text, sourceIDField: e.SourceID},
		})
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return ErrNoCollection
		}
		if isQdrantDimensionError(err) {
			return fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
		}
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, vector []float32, sourceID string, k int) ([]Hit, error) {
	if err := checkDim(q.knownDim(), vector); err != nil {
		return nil, err
	}

	req := map[string]any{
		"query":        vector,
		"filter":       sourceFilter(sourceID),
		"limit":        k,
		"with_payload": true,
	}
	var resp struct {
		Result struct {
			Points []struct {
				ID      json.RawMessage `json:"id"`
				Score   float32         `json:"score"`
				Payload struct {
					Text     string `json:"text"`
					SourceID string `json:"source_id"`
				} `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/query"), req, &resp); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		if isQdrantDimensionError(err) {
			return nil, fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
		}
		return nil, fmt.Errorf("query points: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		hits = append(hits, Hit{
			ID:       strings.Trim(string(p.ID), `"`),
			Text:     p.Payload.Text,
			SourceID: p.Payload.SourceID,
			Score:    p.Score,
		})
	}
	return topK(hits, k), nil
}

func isQdrantDimensionError(err error) bool {
	var se *qdrantStatusError
	return errors.As(err, &se) && se.Status == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(se.Body), "dimension")
}

func (q *Qdrant) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

func (q *Qdrant) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &qdrantStatusError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
