// Package feedingest turns recurring feed ticks into crawl submissions.
package feedingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/feedmill/ingestd/internal/ingest"
)

// httpPrefix is the scheme prefix used to decide whether a GUID is usable
// as a link.
const httpPrefix = "http"

// HTTPSource fetches and parses RSS/Atom feeds over HTTP with gofeed.
type HTTPSource struct {
	parser  *gofeed.Parser
	timeout time.Duration
}

// NewHTTPSource constructs an HTTPSource.
func NewHTTPSource(userAgent string, timeout time.Duration) *HTTPSource {
	parser := gofeed.NewParser()
	if userAgent != "" {
		parser.UserAgent = userAgent
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{parser: parser, timeout: timeout}
}

// Fetch downloads and parses the feed, returning entries in feed order.
// Entries without a usable link are silently skipped.
func (s *HTTPSource) Fetch(ctx context.Context, feedURL string) ([]ingest.FeedEntry, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	parsed, err := s.parser.ParseURLWithContext(feedURL, fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %q: %w", feedURL, err)
	}

	entries := make([]ingest.FeedEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		link := extractLink(item)
		if link == "" {
			continue
		}
		entryID := item.GUID
		if entryID == "" {
			entryID = link
		}
		entry := ingest.FeedEntry{
			EntryID: entryID,
			Title:   item.Title,
			Link:    link,
		}
		if item.PublishedParsed != nil {
			entry.PublishedAt = *item.PublishedParsed
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// extractLink returns the best available URL from a feed entry, preferring
// the explicit link and falling back to the GUID when it looks like one.
func extractLink(item *gofeed.Item) string {
	if item.Link != "" {
		return item.Link
	}
	if strings.HasPrefix(item.GUID, httpPrefix) {
		return item.GUID
	}
	return ""
}
