package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL       = "https://www.youtube.com"
	innertubeClient      = "ANDROID"
	innertubeVersion     = "20.10.38"
	consentFormAction    = "https://consent.youtube.com/s"
	maxResponseBodyBytes = 8 << 20
)

var (
	innertubeKeyPattern = regexp.MustCompile(`"INNERTUBE_API_KEY":\s*"([A-Za-z0-9_-]+)"`)
	markupPattern       = regexp.MustCompile(`<[^>]*>`)
)

// Fetcher downloads caption tracks through YouTube's public watch page and
// innertube player endpoint. It is safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	baseURL   string
	languages []string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBaseURL points the fetcher at a different YouTube origin. Used by tests.
func WithBaseURL(u string) Option {
	return func(f *Fetcher) { f.baseURL = strings.TrimRight(u, "/") }
}

// WithLanguages sets caption language preference, most preferred first.
func WithLanguages(langs ...string) Option {
	return func(f *Fetcher) {
		if len(langs) > 0 {
			f.languages = langs
		}
	}
}

// WithRateLimit caps outbound requests per second. Zero or less disables throttling.
func WithRateLimit(rps float64) Option {
	return func(f *Fetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		burst := int(rps * 2)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: 30 * time.Second},
		baseURL:   defaultBaseURL,
		languages: []string{"en"},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch resolves rawURL to a video id and downloads its transcript.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Record, error) {
	id, err := ParseVideoID(rawURL)
	if err != nil {
		return nil, err
	}
	return f.FetchVideo(ctx, id)
}

// FetchVideo downloads the transcript of a known video id.
func (f *Fetcher) FetchVideo(ctx context.Context, videoID string) (*Record, error) {
	apiKey, cookie, err := f.innertubeKey(ctx, videoID)
	if err != nil {
		return nil, err
	}

	tracks, err := f.captionTracks(ctx, videoID, apiKey, cookie)
	if err != nil {
		return nil, err
	}

	track, err := selectTrack(tracks, f.languages)
	if err != nil {
		return nil, fmt.Errorf("video %s: %w", videoID, err)
	}

	segments, err := f.timedText(ctx, track.BaseURL, cookie)
	if err != nil {
		return nil, fmt.Errorf("download captions for %s: %w", videoID, err)
	}

	f.logger.Debug("transcript fetched",
		"video_id", videoID,
		"language", track.LanguageCode,
		"generated", track.generated(),
		"segments", len(segments),
	)
	return NewRecord(videoID, track.LanguageCode, segments), nil
}

// innertubeKey loads the watch page and extracts the innertube API key. A
// consent interstitial is accepted once and the page reloaded.
func (f *Fetcher) innertubeKey(ctx context.Context, videoID string) (key, cookie string, err error) {
	watch := f.baseURL + "/watch?v=" + url.QueryEscape(videoID)

	for attempt := 0; attempt < 2; attempt++ {
		body, err := f.do(ctx, http.MethodGet, watch, nil, cookie)
		if err != nil {
			return "", "", fmt.Errorf("load watch page: %w", err)
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return "", "", fmt.Errorf("parse watch page: %w", err)
		}

		if form := doc.Find(`form[action="` + consentFormAction + `"]`); form.Length() > 0 {
			v, ok := form.Find(`input[name="v"]`).Attr("value")
			if !ok || cookie != "" {
				return "", "", fmt.Errorf("%w: consent page could not be accepted", ErrRequestBlocked)
			}
			cookie = "CONSENT=YES+" + v
			continue
		}

		if doc.Find(".g-recaptcha").Length() > 0 {
			return "", "", fmt.Errorf("%w: captcha challenge", ErrRequestBlocked)
		}

		doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if m := innertubeKeyPattern.FindStringSubmatch(s.Text()); m != nil {
				key = m[1]
				return false
			}
			return true
		})
		if key == "" {
			return "", "", fmt.Errorf("%w: watch page for %s has no player configuration", ErrVideoUnavailable, videoID)
		}
		return key, cookie, nil
	}
	return "", "", fmt.Errorf("%w: consent page repeated", ErrRequestBlocked)
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

func (t captionTrack) generated() bool { return t.Kind == "asr" }

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	Captions *struct {
		Renderer *struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

func (f *Fetcher) captionTracks(ctx context.Context, videoID, apiKey, cookie string) ([]captionTrack, error) {
	reqBody := map[string]any{
		"context": map[string]any{
			"client": map[string]string{
				"clientName":    innertubeClient,
				"clientVersion": innertubeVersion,
			},
		},
		"videoId": videoID,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal player request: %w", err)
	}

	endpoint := f.baseURL + "/youtubei/v1/player?key=" + url.QueryEscape(apiKey)
	body, err := f.do(ctx, http.MethodPost, endpoint, payload, cookie)
	if err != nil {
		return nil, fmt.Errorf("player request: %w", err)
	}

	var resp playerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode player response: %w", err)
	}

	if err := playabilityError(videoID, resp.PlayabilityStatus.Status, resp.PlayabilityStatus.Reason); err != nil {
		return nil, err
	}

	if resp.Captions == nil || resp.Captions.Renderer == nil || len(resp.Captions.Renderer.CaptionTracks) == 0 {
		return nil, fmt.Errorf("video %s: %w", videoID, ErrTranscriptsDisabled)
	}
	return resp.Captions.Renderer.CaptionTracks, nil
}

func playabilityError(videoID, status, reason string) error {
	switch status {
	case "OK", "":
		return nil
	case "LOGIN_REQUIRED":
		if strings.Contains(reason, "not a bot") {
			return fmt.Errorf("%w: %s", ErrRequestBlocked, reason)
		}
		return fmt.Errorf("%w: %s: %s", ErrVideoUnavailable, videoID, reason)
	default:
		if reason == "" {
			reason = strings.ToLower(status)
		}
		return fmt.Errorf("%w: %s: %s", ErrVideoUnavailable, videoID, reason)
	}
}

// selectTrack prefers a manual track in a preferred language, then a generated
// one, then falls back to the first track offered.
func selectTrack(tracks []captionTrack, languages []string) (captionTrack, error) {
	usable := tracks[:0:0]
	for _, t := range tracks {
		if t.BaseURL != "" {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		return captionTrack{}, ErrNoTranscript
	}

	for _, generated := range []bool{false, true} {
		for _, lang := range languages {
			for _, t := range usable {
				if t.generated() == generated && strings.EqualFold(t.LanguageCode, lang) {
					return t, nil
				}
			}
		}
	}
	return usable[0], nil
}

type timedTextDoc struct {
	Texts []struct {
		Start string `xml:"start,attr"`
		Dur   string `xml:"dur,attr"`
		Body  string `xml:",chardata"`
	} `xml:"text"`
}

func (f *Fetcher) timedText(ctx context.Context, trackURL, cookie string) ([]Segment, error) {
	trackURL = strings.Replace(trackURL, "&fmt=srv3", "", 1)
	body, err := f.do(ctx, http.MethodGet, trackURL, nil, cookie)
	if err != nil {
		return nil, err
	}
	return parseTimedText(body)
}

func parseTimedText(data []byte) ([]Segment, error) {
	var doc timedTextDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode timedtext: %w", err)
	}

	segments := make([]Segment, 0, len(doc.Texts))
	for _, t := range doc.Texts {
		text := strings.TrimSpace(markupPattern.ReplaceAllString(html.UnescapeString(t.Body), ""))
		if text == "" {
			continue
		}
		start, _ := strconv.ParseFloat(t.Start, 64)
		dur, _ := strconv.ParseFloat(t.Dur, 64)
		segments = append(segments, Segment{Text: text, Start: start, Duration: dur})
	}
	return segments, nil
}

func (f *Fetcher) do(ctx context.Context, method, endpoint string, payload []byte, cookie string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Language", "en-US")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status 429", ErrRequestBlocked)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}
	return body, nil
}
