package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const rssTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>test feed</title>
<link>https://example.com</link>
<description>test</description>
%s
</channel>
</rss>`

func rssItem(guid, title, link, pubDate string) string {
	return fmt.Sprintf(`<item><guid>%s</guid><title>%s</title><link>%s</link><pubDate>%s</pubDate><description>&lt;p&gt;body of %s&lt;/p&gt;</description></item>`,
		guid, title, link, pubDate, title)
}

func newFeedServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRSSSource_MergesNewestFirst(t *testing.T) {
	t.Parallel()

	a := newFeedServer(t, fmt.Sprintf(rssTemplate,
		rssItem("a1", "A one", "https://a.example.com/1", "Mon, 02 Mar 2026 09:00:00 +0000")+
			rssItem("a2", "A two", "https://a.example.com/2", "Mon, 02 Mar 2026 11:00:00 +0000")))
	b := newFeedServer(t, fmt.Sprintf(rssTemplate,
		rssItem("b1", "B one", "https://b.example.com/1", "Mon, 02 Mar 2026 10:00:00 +0000")))

	src := NewRSSSource([]Feed{{Name: "a", URL: a.URL}, {Name: "b", URL: b.URL}}, 0, log.Nop())
	entries, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}

	want := []string{"A two", "B one", "A one"}
	for i, title := range want {
		if entries[i].Title != title {
			t.Errorf("entries[%d].Title = %q, want %q", i, entries[i].Title, title)
		}
	}
	if entries[1].Feed != "b" {
		t.Errorf("entries[1].Feed = %q, want b", entries[1].Feed)
	}
}

func TestRSSSource_CapsEntries(t *testing.T) {
	t.Parallel()

	var items string
	for i := range 5 {
		items += rssItem(fmt.Sprintf("g%d", i), fmt.Sprintf("T%d", i), fmt.Sprintf("https://example.com/%d", i),
			fmt.Sprintf("Mon, 02 Mar 2026 0%d:00:00 +0000", i))
	}
	srv := newFeedServer(t, fmt.Sprintf(rssTemplate, items))

	src := NewRSSSource([]Feed{{Name: "x", URL: srv.URL}}, 2, log.Nop())
	entries, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Title != "T4" {
		t.Errorf("newest entry = %q, want T4", entries[0].Title)
	}
}

func TestRSSSource_PartialFailure(t *testing.T) {
	t.Parallel()

	good := newFeedServer(t, fmt.Sprintf(rssTemplate,
		rssItem("g1", "Good", "https://example.com/good", "Mon, 02 Mar 2026 09:00:00 +0000")))
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	src := NewRSSSource([]Feed{{Name: "good", URL: good.URL}, {Name: "bad", URL: bad.URL}}, 10, log.Nop())
	entries, err := src.Fetch(context.Background())
	if err == nil {
		t.Fatal("expected error for failing feed")
	}
	if len(entries) != 1 || entries[0].Title != "Good" {
		t.Errorf("entries = %+v, want the good feed's entry", entries)
	}
}

func TestRSSSource_NoFeeds(t *testing.T) {
	t.Parallel()

	entries, err := NewRSSSource(nil, 0, nil).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestRSSSource_InstrumentedClient(t *testing.T) {
	t.Parallel()

	src := NewRSSSource(nil, 0, log.Nop())
	c := src.parser.Client
	if c == nil {
		t.Fatal("parser has no http client")
	}
	if _, ok := c.Transport.(*otelhttp.Transport); !ok {
		t.Errorf("transport = %T, want *otelhttp.Transport", c.Transport)
	}
	if c.Timeout != httpTimeout {
		t.Errorf("timeout = %v, want %v", c.Timeout, httpTimeout)
	}
}
