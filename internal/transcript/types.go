// Package transcript resolves YouTube links to video ids and fetches their timed captions.
package transcript

import (
	"errors"
	"strings"
)

var (
	ErrInvalidURL          = errors.New("invalid YouTube URL")
	ErrVideoUnavailable    = errors.New("video unavailable")
	ErrTranscriptsDisabled = errors.New("transcripts are disabled for this video")
	ErrNoTranscript        = errors.New("no transcript found")
	ErrRequestBlocked      = errors.New("request blocked by YouTube")
)

// Segment is one timed caption line. Start and Duration are in seconds.
type Segment struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Record is a fetched transcript. Text is the segment texts joined with single spaces.
type Record struct {
	VideoID  string    `json:"video_id"`
	Language string    `json:"language"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// NewRecord builds a Record from ordered segments.
func NewRecord(videoID, language string, segments []Segment) *Record {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.Text)
	}
	return &Record{
		VideoID:  videoID,
		Language: language,
		Text:     strings.Join(parts, " "),
		Segments: segments,
	}
}
