package feed

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFeeds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "feeds.yaml")
	content := `feeds:
  - name: boannews
    url: https://www.boannews.com/media/news_rss.xml
  - name: dailysecu
    url: https://www.dailysecu.com/rss/allArticle.xml
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	feeds, err := LoadFeeds(path)
	if err != nil {
		t.Fatalf("LoadFeeds: %v", err)
	}
	if len(feeds) != 2 {
		t.Fatalf("feeds = %d, want 2", len(feeds))
	}
	if feeds[0].Name != "boannews" {
		t.Errorf("feeds[0].Name = %q, want boannews", feeds[0].Name)
	}
}

func TestLoadFeeds_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "feeds: [unterminated"},
		{"missing url", "feeds:\n  - name: x\n"},
		{"bad scheme", "feeds:\n  - name: x\n    url: ftp://example.com/rss\n"},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name+".yaml")
		if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := LoadFeeds(path); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoadFeeds_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadFeeds(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseFeedURLs(t *testing.T) {
	t.Parallel()

	feeds, err := ParseFeedURLs(" https://a.example.com/rss , ,https://b.example.com/feed.xml")
	if err != nil {
		t.Fatalf("ParseFeedURLs: %v", err)
	}
	if len(feeds) != 2 {
		t.Fatalf("feeds = %d, want 2", len(feeds))
	}
	if feeds[0].Name != "a.example.com" || feeds[1].Name != "b.example.com" {
		t.Errorf("names = %q, %q", feeds[0].Name, feeds[1].Name)
	}

	if _, err := ParseFeedURLs("notaurl"); err == nil {
		t.Error("expected error for url without scheme")
	}
}
