// Package feed expands YouTube channel and playlist feeds into video links and
// ingests them with a bounded worker pool.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/SyncWithRaj/ChatWithYT/internal/rag"
	"github.com/SyncWithRaj/ChatWithYT/internal/transcript"
)

const feedBaseURL = "https://www.youtube.com/feeds/videos.xml"

var (
	channelIDPattern  = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)
	playlistIDPattern = regexp.MustCompile(`^(PL|UU|LL|FL|OL)[A-Za-z0-9_-]{10,}$`)

	ErrEmptyFeed    = errors.New("feed contains no videos")
	ErrBadReference = errors.New("not a feed URL, channel id or playlist id")
)

// ResolveFeedURL accepts a feed URL, a channel id (UC...) or a playlist id and
// returns the Atom feed URL for it.
func ResolveFeedURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case channelIDPattern.MatchString(ref):
		return feedBaseURL + "?channel_id=" + ref, nil
	case playlistIDPattern.MatchString(ref):
		return feedBaseURL + "?playlist_id=" + ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	return ref, nil
}

// Item is one video listed in a feed.
type Item struct {
	URL       string
	Title     string
	Published time.Time
}

// Reader fetches and parses feeds.
type Reader struct {
	parser *gofeed.Parser
}

func NewReader(client *http.Client) *Reader {
	p := gofeed.NewParser()
	if client != nil {
		p.Client = client
	}
	return &Reader{parser: p}
}

// Items returns up to limit videos from the feed in feed order. A limit of zero
// or less returns every item.
func (r *Reader) Items(ctx context.Context, feedURL string, limit int) ([]Item, error) {
	f, err := r.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var items []Item
	for _, it := range f.Items {
		link := videoLink(it)
		if link == "" {
			continue
		}
		item := Item{URL: link, Title: it.Title}
		if it.PublishedParsed != nil {
			item.Published = *it.PublishedParsed
		}
		items = append(items, item)
		if limit > 0 && len(items) == limit {
			break
		}
	}
	if len(items) == 0 {
		return nil, ErrEmptyFeed
	}
	return items, nil
}

// videoLink prefers the yt:videoId extension and falls back to the entry link.
func videoLink(it *gofeed.Item) string {
	if ext, ok := it.Extensions["yt"]; ok {
		if ids := ext["videoId"]; len(ids) > 0 && ids[0].Value != "" {
			return transcript.WatchURL(ids[0].Value)
		}
	}
	if _, err := transcript.ParseVideoID(it.Link); err == nil {
		return it.Link
	}
	return ""
}

// Ingester is the part of rag.Service batch ingestion drives.
type Ingester interface {
	IngestURL(ctx context.Context, rawURL string) (rag.Outcome, error)
}

// Result is the outcome for one item.
type Result struct {
	Item    Item
	Outcome rag.Outcome
	Err     error
}

// Summary aggregates a batch run. Results are in input order.
type Summary struct {
	Indexed  int
	Existing int
	Failed   int
	Results  []Result
}

// Ingest runs items through ing with the given number of workers. A failing
// item is recorded and does not stop the batch.
func Ingest(ctx context.Context, ing Ingester, items []Item, workers int, logger *slog.Logger) Summary {
	workers = max(1, min(workers, len(items)))

	type job struct {
		idx  int
		item Item
	}
	jobs := make(chan job)
	results := make([]Result, len(items))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := range jobs {
				out, err := ing.IngestURL(ctx, j.item.URL)
				results[j.idx] = Result{Item: j.item, Outcome: out, Err: err}
				if err != nil {
					logger.Warn("feed item failed", "worker", workerID, "url", j.item.URL, "error", err)
					continue
				}
				logger.Info("feed item processed", "worker", workerID, "video_id", out.VideoID, "status", out.Status, "chunks", out.Chunks)
			}
		}(w)
	}

feed:
	for i, it := range items {
		select {
		case <-ctx.Done():
			for k := i; k < len(items); k++ {
				results[k] = Result{Item: items[k], Err: ctx.Err()}
			}
			break feed
		case jobs <- job{idx: i, item: it}:
		}
	}
	close(jobs)
	wg.Wait()

	s := Summary{Results: results}
	for _, r := range results {
		switch {
		case r.Err != nil || r.Outcome.Status == rag.StatusError:
			s.Failed++
		case r.Outcome.Status == rag.StatusExists:
			s.Existing++
		default:
			s.Indexed++
		}
	}
	logger.Info("feed ingestion finished", "indexed", s.Indexed, "existing", s.Existing, "failed", s.Failed)
	return s
}
