package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/secnews/internal/feed"
	"github.com/linnemanlabs/secnews/internal/triage"
)

func testMessage() *triage.Message {
	return &triage.Message{
		RunID: "01JRUN0001",
		Entry: &feed.NormalizedEntry{
			ID:        "e1",
			Title:     "Acme VPN zero-day exploited in the wild",
			Link:      "https://example.com/acme-vpn",
			Published: time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
			Feed:      "example-news",
		},
		Verdict: &triage.Verdict{
			Score:     93,
			Target:    "Acme VPN 9.x",
			Rationale: "Unauthenticated RCE, exploitation observed.",
			Tags:      []string{"rce", "vpn", "kev"},
		},
		Decision: triage.DecisionScrape,
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"webhook", Config{WebhookURL: "https://hooks.slack.com/x"}, false},
		{"bot", Config{BotToken: "xoxb-1", Channel: "#sec"}, false},
		{"bot without channel", Config{BotToken: "xoxb-1"}, true},
		{"nothing", Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%+v) err = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}

func TestDispatch_Webhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("webhook mode must not send Authorization")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := New(Config{WebhookURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Dispatch(context.Background(), testMessage()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, context, detail, link, divider, footer
	if len(blocks) != 6 {
		t.Errorf("blocks count = %d, want 6", len(blocks))
	}

	header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "Acme VPN zero-day") || !strings.HasPrefix(header, "\U0001f534") {
		t.Errorf("header = %q", header)
	}
	ctxText := blocks[1].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "93/100") || !strings.Contains(ctxText, "rce • vpn") {
		t.Errorf("context = %q", ctxText)
	}
	if strings.Contains(ctxText, "kev") {
		t.Error("context should show at most two tags")
	}
	if _, ok := got["channel"]; ok {
		t.Error("webhook payload should not carry a channel")
	}
}

func TestDispatch_Bot(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer xoxb-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1.2"}`))
	}))
	defer srv.Close()

	n, _ := New(Config{BotToken: "xoxb-test", Channel: "#security-news", APIURL: srv.URL})
	if err := n.Dispatch(context.Background(), testMessage()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got["channel"] != "#security-news" {
		t.Errorf("channel = %v", got["channel"])
	}
	if got["unfurl_links"] != false {
		t.Errorf("unfurl_links = %v, want false", got["unfurl_links"])
	}
}

func TestDispatch_BotLogicalError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	n, _ := New(Config{BotToken: "xoxb-test", Channel: "#nope", APIURL: srv.URL})
	err := n.Dispatch(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("err = %v, want channel_not_found", err)
	}
}

func TestDispatch_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n, _ := New(Config{WebhookURL: srv.URL})
	err := n.Dispatch(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestDispatch_EmptyMessage(t *testing.T) {
	t.Parallel()

	n, _ := New(Config{WebhookURL: "http://127.0.0.1:1"})
	if err := n.Dispatch(context.Background(), &triage.Message{}); err == nil {
		t.Fatal("expected error for message without entry")
	}
}

func TestBuildBlocks_Minimal(t *testing.T) {
	t.Parallel()

	m := &triage.Message{Entry: &feed.NormalizedEntry{ID: "x"}, Decision: triage.DecisionScrape}
	blocks := buildBlocks(m)
	// header, context, divider, footer
	if len(blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(blocks))
	}
	header := blocks[0]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "(no title)") {
		t.Errorf("header = %q", header)
	}
}

func TestScoreEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score int
		want  string
	}{
		{100, "\U0001f534"},
		{90, "\U0001f534"},
		{85, "\U0001f7e0"},
		{80, "\U0001f7e0"},
		{10, "\U0001f7e1"},
	}
	for _, tt := range tests {
		if got := scoreEmoji(tt.score); got != tt.want {
			t.Errorf("scoreEmoji(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("보안", 100)
	got := truncate(s, 50)
	if len(got) > 50 {
		t.Errorf("len = %d, want <= 50", len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncate split a rune")
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("expected ... suffix")
	}
	if truncate("short", 50) != "short" {
		t.Error("short strings must be unchanged")
	}
}

func FuzzBuildBlocks(f *testing.F) {
	f.Add("Zero-day", "Acme VPN", "exploited", 91)
	f.Add("", "", "", 0)
	f.Add("<@U123> mention", "*bold*", "```code``` <http://x|y>", 150)
	f.Add(strings.Repeat("A", 5000), strings.Repeat("t", 300), strings.Repeat("x", 10000), -5)

	f.Fuzz(func(t *testing.T, title, target, rationale string, score int) {
		m := &triage.Message{
			Entry:    &feed.NormalizedEntry{ID: "fuzz", Title: title, Link: "https://example.com"},
			Verdict:  &triage.Verdict{Score: score, Target: target, Rationale: rationale},
			Decision: triage.DecisionScrape,
		}

		data, err := json.Marshal(map[string]any{"blocks": buildBlocks(m)})
		if err != nil {
			t.Fatalf("blocks not marshalable: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("blocks JSON does not round-trip: %v", err)
		}
		header := buildBlocks(m)[0]["text"].(map[string]any)["text"].(string)
		if len(header) > maxHeaderLen {
			t.Fatalf("header length %d exceeds %d", len(header), maxHeaderLen)
		}
	})
}
