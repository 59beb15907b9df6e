package hermes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subjects used by chatwithyt.
const (
	SubjectIngestRequest = "chatwithyt.ingest.request"
	SubjectVideoIndexed  = "chatwithyt.video.indexed"
	SubjectIngestFailed  = "chatwithyt.ingest.failed"

	IngestQueueGroup = "chatwithyt-ingest"
)

var ErrInvalidRequest = errors.New("invalid ingest request")

// IngestRequest asks a running server to ingest a video asynchronously.
type IngestRequest struct {
	URL       string `json:"url"`
	RequestID string `json:"request_id,omitempty"`
}

// IngestEvent reports the result of one ingestion.
type IngestEvent struct {
	RequestID string    `json:"request_id,omitempty"`
	VideoID   string    `json:"video_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Status    string    `json:"status"`
	Chunks    int       `json:"chunks,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseIngestRequest decodes and validates a request payload.
func ParseIngestRequest(data []byte) (IngestRequest, error) {
	var req IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return IngestRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return IngestRequest{}, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	return req, nil
}
