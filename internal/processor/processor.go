// Package processor turns asynchronous ingest requests from NATS into ingestions.
package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/SyncWithRaj/ChatWithYT/internal/hermes"
	"github.com/SyncWithRaj/ChatWithYT/internal/rag"
)

const defaultTimeout = 5 * time.Minute

// Ingester is the part of rag.Service the processor drives.
type Ingester interface {
	IngestURL(ctx context.Context, rawURL string) (rag.Outcome, error)
}

// Processor handles chatwithyt.ingest.request messages.
type Processor struct {
	ingester  Ingester
	publisher rag.Publisher
	timeout   time.Duration
	logger    *slog.Logger
}

func New(ing Ingester, pub rag.Publisher, logger *slog.Logger) *Processor {
	return &Processor{
		ingester:  ing,
		publisher: pub,
		timeout:   defaultTimeout,
		logger:    logger,
	}
}

// HandleIngestRequest is the NATS handler for chatwithyt.ingest.request.
// Newly indexed videos are announced by rag.Service itself, tagged with the
// request id carried in ctx, so only already-indexed and failed outcomes are
// published here.
func (p *Processor) HandleIngestRequest(subject string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := hermes.ParseIngestRequest(data)
	if err != nil {
		p.logger.Error("failed to parse ingest request", "subject", subject, "error", err)
		p.publish(hermes.SubjectIngestFailed, hermes.IngestEvent{Status: rag.StatusError, Message: err.Error()})
		return
	}

	log := p.logger.With("url", req.URL, "request_id", req.RequestID)
	log.Info("processing ingest request")

	out, err := p.ingester.IngestURL(rag.WithRequestID(ctx, req.RequestID), req.URL)
	if err != nil {
		log.Error("ingestion failed", "error", err)
		p.publish(hermes.SubjectIngestFailed, hermes.IngestEvent{
			RequestID: req.RequestID,
			URL:       req.URL,
			Status:    rag.StatusError,
			Message:   err.Error(),
		})
		return
	}

	ev := hermes.IngestEvent{
		RequestID: req.RequestID,
		VideoID:   out.VideoID,
		URL:       req.URL,
		Status:    out.Status,
		Chunks:    out.Chunks,
		Message:   out.Message,
	}
	switch out.Status {
	case rag.StatusExists:
		log.Info("video already indexed", "video_id", out.VideoID)
		p.publish(hermes.SubjectVideoIndexed, ev)
	case rag.StatusError:
		log.Warn("ingestion produced no entries", "video_id", out.VideoID, "message", out.Message)
		p.publish(hermes.SubjectIngestFailed, ev)
	default:
		log.Info("ingest request completed", "video_id", out.VideoID, "chunks", out.Chunks)
	}
}

func (p *Processor) publish(subject string, ev hermes.IngestEvent) {
	if p.publisher == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := p.publisher.Publish(subject, ev); err != nil {
		p.logger.Warn("failed to publish ingest event", "subject", subject, "error", err)
	}
}
