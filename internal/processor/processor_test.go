package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyncWithRaj/ChatWithYT/internal/chunker"
	"github.com/SyncWithRaj/ChatWithYT/internal/hermes"
	"github.com/SyncWithRaj/ChatWithYT/internal/index"
	"github.com/SyncWithRaj/ChatWithYT/internal/rag"
	"github.com/SyncWithRaj/ChatWithYT/internal/transcript"
)

type stubIngester struct {
	out  rag.Outcome
	err  error
	urls []string
}

func (s *stubIngester) IngestURL(_ context.Context, rawURL string) (rag.Outcome, error) {
	s.urls = append(s.urls, rawURL)
	return s.out, s.err
}

type published struct {
	subject string
	event   hermes.IngestEvent
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(subject string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{subject: subject, event: data.(hermes.IngestEvent)})
	return nil
}

func newProcessor(ing Ingester) (*Processor, *recorder) {
	rec := &recorder{}
	return New(ing, rec, slog.New(slog.NewTextHandler(io.Discard, nil))), rec
}

func TestHandleIngestRequest_Success(t *testing.T) {
	ing := &stubIngester{out: rag.Outcome{Status: rag.StatusSuccess, VideoID: "dQw4w9WgXcQ", Chunks: 7}}
	p, rec := newProcessor(ing)

	p.HandleIngestRequest(hermes.SubjectIngestRequest, []byte(`{"url":"https://youtu.be/dQw4w9WgXcQ","request_id":"r1"}`))

	assert.Equal(t, []string{"https://youtu.be/dQw4w9WgXcQ"}, ing.urls)
	assert.Empty(t, rec.msgs, "success is announced by the rag service")
}

func TestHandleIngestRequest_AlreadyIndexed(t *testing.T) {
	ing := &stubIngester{out: rag.Outcome{Status: rag.StatusExists, VideoID: "dQw4w9WgXcQ"}}
	p, rec := newProcessor(ing)

	p.HandleIngestRequest(hermes.SubjectIngestRequest, []byte(`{"url":"https://youtu.be/dQw4w9WgXcQ","request_id":"r2"}`))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, hermes.SubjectVideoIndexed, rec.msgs[0].subject)
	assert.Equal(t, "r2", rec.msgs[0].event.RequestID)
	assert.Equal(t, rag.StatusExists, rec.msgs[0].event.Status)
	assert.False(t, rec.msgs[0].event.Timestamp.IsZero())
}

func TestHandleIngestRequest_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ing     *stubIngester
		message string
	}{
		{
			name:    "malformed payload",
			payload: `{"url":`,
			ing:     &stubIngester{},
			message: "invalid ingest request",
		},
		{
			name:    "ingestion error",
			payload: `{"url":"not-a-url","request_id":"r3"}`,
			ing:     &stubIngester{err: errors.New("fetch transcript: invalid YouTube URL")},
			message: "invalid YouTube URL",
		},
		{
			name:    "error outcome",
			payload: `{"url":"https://youtu.be/dQw4w9WgXcQ"}`,
			ing:     &stubIngester{out: rag.Outcome{Status: rag.StatusError, VideoID: "dQw4w9WgXcQ", Message: "empty transcript"}},
			message: "empty transcript",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, rec := newProcessor(tt.ing)
			p.HandleIngestRequest(hermes.SubjectIngestRequest, []byte(tt.payload))

			require.Len(t, rec.msgs, 1)
			assert.Equal(t, hermes.SubjectIngestFailed, rec.msgs[0].subject)
			assert.Equal(t, rag.StatusError, rec.msgs[0].event.Status)
			assert.Contains(t, rec.msgs[0].event.Message, tt.message)
		})
	}
}

type unitEmbedder struct{}

func (unitEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (unitEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type oneVideo struct{}

func (oneVideo) Fetch(_ context.Context, rawURL string) (*transcript.Record, error) {
	id, err := transcript.ParseVideoID(rawURL)
	if err != nil {
		return nil, err
	}
	return transcript.NewRecord(id, "en", []transcript.Segment{{Text: "The sky is blue."}}), nil
}

func TestHandleIngestRequest_SuccessEventIsCorrelated(t *testing.T) {
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := rag.New(chunker.New(), unitEmbedder{}, index.NewMemory(), nil, logger,
		rag.WithTranscriptSource(oneVideo{}), rag.WithPublisher(rec))

	New(svc, rec, logger).HandleIngestRequest(hermes.SubjectIngestRequest,
		[]byte(`{"url":"https://youtu.be/dQw4w9WgXcQ","request_id":"r9"}`))

	require.Len(t, rec.msgs, 1)
	ev := rec.msgs[0].event
	assert.Equal(t, hermes.SubjectVideoIndexed, rec.msgs[0].subject)
	assert.Equal(t, rag.StatusSuccess, ev.Status)
	assert.Equal(t, "r9", ev.RequestID)
	assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", ev.URL)
	assert.Equal(t, "dQw4w9WgXcQ", ev.VideoID)
}

func TestHandleIngestRequest_NilPublisher(t *testing.T) {
	p := New(&stubIngester{err: errors.New("boom")}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotPanics(t, func() {
		p.HandleIngestRequest(hermes.SubjectIngestRequest, []byte(`{"url":"https://youtu.be/dQw4w9WgXcQ"}`))
	})
}
