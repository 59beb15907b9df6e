package index

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQdrant implements the slice of the Qdrant REST API the client uses, backed by Memory.
type fakeQdrant struct {
	mem        *Memory
	collection string
	apiKey     string
	indexed    atomic.Bool
	// raceOnCreate makes the create call report a conflict after creating the collection.
	raceOnCreate bool
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.apiKey != "" && r.Header.Get("api-key") != f.apiKey {
		http.Error(w, `{"status":{"error":"unauthorized"}}`, http.StatusUnauthorized)
		return
	}

	base := "/collections/" + f.collection
	ctx := r.Context()
	dim := f.mem.Dim()

	var body struct {
		Vectors struct {
			Size int `json:"size"`
		} `json:"vectors"`
		Filter struct {
			Must []struct {
				Match struct {
					Value string `json:"value"`
				} `json:"match"`
			} `json:"must"`
		} `json:"filter"`
		Points []struct {
			ID      string    `json:"id"`
			Vector  []float32 `json:"vector"`
			Payload struct {
				Text     string `json:"text"`
				SourceID string `json:"source_id"`
			} `json:"payload"`
		} `json:"points"`
		Query []float32 `json:"query"`
		Limit int       `json:"limit"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	sourceID := ""
	if len(body.Filter.Must) > 0 {
		sourceID = body.Filter.Must[0].Match.Value
	}

	notFound := func() bool {
		if dim == 0 {
			http.Error(w, `{"status":{"error":"Not found: Collection doesn't exist!"}}`, http.StatusNotFound)
			return true
		}
		return false
	}
	wrongDim := func(n int) bool {
		if n != dim {
			http.Error(w, fmt.Sprintf(`{"status":{"error":"Wrong input: Vector dimension error: expected dim: %d, got %d"}}`, dim, n), http.StatusBadRequest)
			return true
		}
		return false
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == base:
		if notFound() {
			return
		}
		fmt.Fprintf(w, `{"result":{"config":{"params":{"vectors":{"size":%d,"distance":"Cosine"}}}}}`, dim)
	case r.Method == http.MethodPut && r.URL.Path == base:
		if dim != 0 {
			http.Error(w, `{"status":{"error":"already exists"}}`, http.StatusConflict)
			return
		}
		f.mem.EnsureCollection(ctx, body.Vectors.Size)
		if f.raceOnCreate {
			http.Error(w, `{"status":{"error":"already exists"}}`, http.StatusConflict)
			return
		}
		fmt.Fprint(w, `{"result":true}`)
	case r.Method == http.MethodPut && r.URL.Path == base+"/index":
		f.indexed.Store(true)
		fmt.Fprint(w, `{"result":{"status":"completed"}}`)
	case r.Method == http.MethodPost && r.URL.Path == base+"/points/count":
		if notFound() {
			return
		}
		n, _ := f.mem.Count(ctx, sourceID)
		fmt.Fprintf(w, `{"result":{"count":%d}}`, n)
	case r.Method == http.MethodPut && r.URL.Path == base+"/points":
		if notFound() {
			return
		}
		if r.URL.Query().Get("wait") != "true" {
			http.Error(w, `{"status":{"error":"expected wait=true"}}`, http.StatusBadRequest)
			return
		}
		entries := make([]Entry, 0, len(body.Points))
		for _, p := range body.Points {
			if wrongDim(len(p.Vector)) {
				return
			}
			entries = append(entries, Entry{ID: p.ID, Vector: p.Vector, Text: p.Payload.Text, SourceID: p.Payload.SourceID})
		}
		f.mem.Upsert(ctx, entries)
		fmt.Fprint(w, `{"result":{"status":"completed"}}`)
	case r.Method == http.MethodPost && r.URL.Path == base+"/points/query":
		if notFound() || wrongDim(len(body.Query)) {
			return
		}
		hits, _ := f.mem.Search(ctx, body.Query, sourceID, body.Limit)
		type point struct {
			ID      string         `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		}
		points := make([]point, 0, len(hits))
		for _, h := range hits {
			points = append(points, point{ID: h.ID, Score: h.Score, Payload: map[string]any{"text": h.Text, "source_id": h.SourceID}})
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"points": points}})
	default:
		http.NotFound(w, r)
	}
}

func newFakeQdrant(t *testing.T, apiKey string) (*fakeQdrant, *Qdrant) {
	t.Helper()
	fake := &fakeQdrant{mem: NewMemory(), collection: "yt_chat_v2", apiKey: apiKey}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, NewQdrant(srv.URL+"/", "yt_chat_v2", apiKey, testLogger())
}

func TestQdrant(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Index {
		_, q := newFakeQdrant(t, "secret")
		return q
	})
}

func TestQdrant_CreatesPayloadIndex(t *testing.T) {
	fake, q := newFakeQdrant(t, "")
	require.NoError(t, q.EnsureCollection(context.Background(), 8))
	assert.True(t, fake.indexed.Load())
}

func TestQdrant_CreateConflictChecksWinner(t *testing.T) {
	fake, q := newFakeQdrant(t, "")
	fake.raceOnCreate = true

	require.NoError(t, q.EnsureCollection(context.Background(), 8))
	assert.Equal(t, 8, q.knownDim())
}

func TestQdrant_ServerSideDimensionError(t *testing.T) {
	fake, _ := newFakeQdrant(t, "")
	require.NoError(t, fake.mem.EnsureCollection(context.Background(), 3))

	srv := httptest.NewServer(fake)
	defer srv.Close()
	// A fresh client has not learned the dimension yet.
	q := NewQdrant(srv.URL, "yt_chat_v2", "", testLogger())

	err := q.Upsert(context.Background(), []Entry{entry("v1", "x", 1, 2)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = q.Search(context.Background(), []float32{1, 2}, "v1", 4)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestQdrant_Unauthorized(t *testing.T) {
	fake := &fakeQdrant{mem: NewMemory(), collection: "yt_chat_v2", apiKey: "right"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	q := NewQdrant(srv.URL, "yt_chat_v2", "wrong", testLogger())
	err := q.EnsureCollection(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "401"))

	var se interface{ HTTPStatus() int }
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.HTTPStatus())
}
