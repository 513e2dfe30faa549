package feed

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalize_DeterministicID(t *testing.T) {
	t.Parallel()

	e := Entry{
		GUID:      "guid-1",
		Title:     "Ransomware hits vendor",
		Link:      "https://news.example.com/article/1?utm_source=rss",
		Published: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Summary:   "<p>Body</p>",
	}

	a, err := Normalize(e)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b, err := Normalize(e)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("ids differ across calls: %q vs %q", a.ID, b.ID)
	}
	if len(a.ID) != idHexLen {
		t.Errorf("id length = %d, want %d", len(a.ID), idHexLen)
	}
}

func TestNormalize_IDIgnoresTitleEdits(t *testing.T) {
	t.Parallel()

	a, _ := Normalize(Entry{Title: "Old title", Link: "https://example.com/a"})
	b, _ := Normalize(Entry{Title: "Edited title", Link: "https://example.com/a"})
	if a.ID != b.ID {
		t.Error("title edit changed the entry id")
	}
}

func TestNormalize_IDIgnoresTrackingVariants(t *testing.T) {
	t.Parallel()

	a, _ := Normalize(Entry{Link: "https://example.com/a/?utm_source=x&id=3#top"})
	b, _ := Normalize(Entry{Link: "https://m.example.com/a?id=3&fbclid=abc"})
	if a.ID != b.ID {
		t.Errorf("tracking variants produced different ids: %q vs %q", a.Link, b.Link)
	}
}

func TestNormalize_PrefersLinkOverGUID(t *testing.T) {
	t.Parallel()

	withGUID, _ := Normalize(Entry{GUID: "g-1", Link: "https://example.com/a"})
	linkOnly, _ := Normalize(Entry{Link: "https://example.com/a"})
	if withGUID.ID != linkOnly.ID {
		t.Error("guid should not affect the id when a link exists")
	}
}

func TestNormalize_FallsBackToGUID(t *testing.T) {
	t.Parallel()

	n, err := Normalize(Entry{GUID: "  urn:uuid:1234  ", Title: "No link"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n.GUID != "urn:uuid:1234" {
		t.Errorf("GUID = %q, want trimmed", n.GUID)
	}
	if n.ID != hashID("guid:urn:uuid:1234") {
		t.Errorf("ID = %q, want guid-derived id", n.ID)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	t.Parallel()

	_, err := Normalize(Entry{Title: "only a title"})
	if !errors.Is(err, ErrMalformedEntry) {
		t.Fatalf("err = %v, want ErrMalformedEntry", err)
	}
}

func TestNormalize_TextPrefersContent(t *testing.T) {
	t.Parallel()

	n, _ := Normalize(Entry{
		Link:    "https://example.com/x",
		Summary: "short summary",
		Content: "<div>full <b>content</b></div>",
	})
	if n.Text != "full content" {
		t.Errorf("Text = %q, want %q", n.Text, "full content")
	}
}

func TestNormalize_TruncatesText(t *testing.T) {
	t.Parallel()

	n, _ := Normalize(Entry{Link: "https://example.com/x", Summary: strings.Repeat("가", MaxTextRunes+50)})
	if got := len([]rune(n.Text)); got != MaxTextRunes {
		t.Errorf("text runes = %d, want %d", got, MaxTextRunes)
	}
}

func TestNormalize_PublishedFallsBackToUpdated(t *testing.T) {
	t.Parallel()

	upd := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n, _ := Normalize(Entry{Link: "https://example.com/x", Updated: upd})
	if !n.Published.Equal(upd) {
		t.Errorf("Published = %v, want %v", n.Published, upd)
	}
}

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  https://Example.COM/path/  ", "https://example.com/path"},
		{"https://example.com/", "https://example.com/"},
		{"https://example.com/a?utm_medium=rss&utm_campaign=x", "https://example.com/a"},
		{"https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"https://m.example.com/a", "https://example.com/a"},
		{"https://mobile.example.com/a", "https://example.com/a"},
		{"https://www.m.example.com/a", "https://www.example.com/a"},
		{"https://example.com/a?gclid=1&idx=7", "https://example.com/a?idx=7"},
		{"not a url/", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := CanonicalURL(tt.in); got != tt.want {
				t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTitleKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Hello, World!", "helloworld"},
		{"  [단독] 카카오 해킹 사고  ", "단독카카오해킹사고"},
		{"CVE-2026-1234 patched", "cve20261234patched"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := TitleKey(tt.in); got != tt.want {
			t.Errorf("TitleKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  plain   text \n here ", "plain text here"},
		{"tags", "<p>First</p><p>Second</p>", "First Second"},
		{"script removed", "<div>keep<script>alert(1)</script></div>", "keep"},
		{"entities", "Tom &amp; Jerry", "Tom & Jerry"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CleanText(tt.in); got != tt.want {
				t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLinkID_MatchesNormalize(t *testing.T) {
	t.Parallel()

	n, _ := Normalize(Entry{Link: "https://m.example.com/a/?utm_source=x"})
	if got := LinkID("https://example.com/a"); got != n.ID {
		t.Errorf("LinkID = %q, want %q", got, n.ID)
	}
	if LinkID("  ") != "" {
		t.Error("blank link should have no id")
	}
}
