package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultMaxEntries caps how many of the newest items one run considers.
	DefaultMaxEntries = 20

	defaultUserAgent = "secnews/1.0 (security news triage)"
	httpTimeout      = 10 * time.Second
)

// RSSSource fetches a fixed list of RSS/Atom feeds.
type RSSSource struct {
	feeds      []Feed
	maxEntries int
	parser     *gofeed.Parser
	logger     log.Logger
}

// NewRSSSource creates a source over the given feeds. maxEntries <= 0 uses
// DefaultMaxEntries.
func NewRSSSource(feeds []Feed, maxEntries int, logger log.Logger) *RSSSource {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = log.Nop()
	}

	p := gofeed.NewParser()
	p.UserAgent = defaultUserAgent
	p.Client = &http.Client{
		Timeout:   httpTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &RSSSource{
		feeds:      feeds,
		maxEntries: maxEntries,
		parser:     p,
		logger:     logger,
	}
}

// Fetch reads every feed, merges the items newest first and keeps the first
// maxEntries. Feeds that fail are reported in the joined error.
func (s *RSSSource) Fetch(ctx context.Context) ([]Entry, error) {
	var (
		entries []Entry
		errs    []error
	)

	for _, f := range s.feeds {
		parsed, err := s.parser.ParseURLWithContext(f.URL, ctx)
		if err != nil {
			s.logger.Warn(ctx, "feed fetch failed", "feed", f.Name, "url", f.URL, "error", err)
			errs = append(errs, fmt.Errorf("fetch %s: %w", f.Name, err))
			continue
		}

		for _, item := range parsed.Items {
			entries = append(entries, fromItem(f.Name, item))
		}

		s.logger.Info(ctx, "feed fetched", "feed", f.Name, "items", len(parsed.Items))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp().After(entries[j].Timestamp())
	})
	if len(entries) > s.maxEntries {
		entries = entries[:s.maxEntries]
	}

	return entries, errors.Join(errs...)
}

func fromItem(feedName string, item *gofeed.Item) Entry {
	e := Entry{
		Feed:    feedName,
		GUID:    item.GUID,
		Title:   item.Title,
		Link:    item.Link,
		Summary: item.Description,
		Content: item.Content,
	}
	if item.PublishedParsed != nil {
		e.Published = *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		e.Updated = *item.UpdatedParsed
	}
	return e
}
