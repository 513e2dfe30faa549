// Package slack posts emitted entries to Slack, either through an incoming
// webhook or with a bot token via chat.postMessage.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/secnews/internal/triage"
)

const (
	// DefaultAPIURL is the chat.postMessage endpoint used in bot mode.
	DefaultAPIURL = "https://slack.com/api/chat.postMessage"

	maxHeaderLen    = 150
	maxRationaleLen = 2000
	httpTimeout     = 10 * time.Second
)

// Config selects the delivery mode. WebhookURL wins when both are set.
type Config struct {
	WebhookURL string
	BotToken   string
	Channel    string
	// APIURL overrides DefaultAPIURL.
	APIURL string
}

// Notifier sends messages to Slack.
type Notifier struct {
	cfg    Config
	client *http.Client
}

// New validates cfg and returns a Notifier.
func New(cfg Config) (*Notifier, error) {
	switch {
	case cfg.WebhookURL != "":
	case cfg.BotToken != "" && cfg.Channel != "":
		if cfg.APIURL == "" {
			cfg.APIURL = DefaultAPIURL
		}
	case cfg.BotToken != "":
		return nil, errors.New("slack: bot token set without channel")
	default:
		return nil, errors.New("slack: webhook url or bot token required")
	}
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Dispatch implements triage.Dispatcher.
func (n *Notifier) Dispatch(ctx context.Context, m *triage.Message) error {
	if m == nil || m.Entry == nil {
		return errors.New("slack: empty message")
	}
	if n.cfg.WebhookURL != "" {
		return n.postWebhook(ctx, m)
	}
	return n.postBot(ctx, m)
}

func (n *Notifier) postWebhook(ctx context.Context, m *triage.Message) error {
	payload := map[string]any{
		"text":   fallbackText(m),
		"blocks": buildBlocks(m),
	}
	resp, err := n.post(ctx, n.cfg.WebhookURL, "", payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (n *Notifier) postBot(ctx context.Context, m *triage.Message) error {
	payload := map[string]any{
		"channel":      n.cfg.Channel,
		"text":         fallbackText(m),
		"blocks":       buildBlocks(m),
		"unfurl_links": false,
		"unfurl_media": false,
	}
	resp, err := n.post(ctx, n.cfg.APIURL, n.cfg.BotToken, payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("slack: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack: chat.postMessage returned %d: %s", resp.StatusCode, truncate(string(body), 512))
	}
	// The Web API answers 200 with ok=false on logical errors.
	res := gjson.ParseBytes(body)
	if !res.Get("ok").Bool() {
		reason := res.Get("error").String()
		if reason == "" {
			reason = "unknown error"
		}
		return fmt.Errorf("slack: chat.postMessage: %s", reason)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, url, token string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("slack: marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := n.client.Do(req) //nolint:gosec // url is from operator config
	if err != nil {
		return nil, fmt.Errorf("slack: post: %w", err)
	}
	return resp, nil
}

func fallbackText(m *triage.Message) string {
	return fmt.Sprintf("%s (%d/100)", m.Entry.Title, score(m))
}

func buildBlocks(m *triage.Message) []map[string]any {
	blocks := []map[string]any{
		headerBlock(m),
		contextBlock(m),
	}
	if b := detailBlock(m); b != nil {
		blocks = append(blocks, b)
	}
	if m.Entry.Link != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("\U0001f517 <%s|Read the original article>", m.Entry.Link),
			},
		})
	}
	blocks = append(blocks,
		map[string]any{"type": "divider"},
		footerBlock(m),
	)
	return blocks
}

func headerBlock(m *triage.Message) map[string]any {
	title := m.Entry.Title
	if title == "" {
		title = "(no title)"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type":  "plain_text",
			"text":  truncate(scoreEmoji(score(m))+" "+title, maxHeaderLen),
			"emoji": true,
		},
	}
}

func contextBlock(m *triage.Message) map[string]any {
	parts := []string{}
	if !m.Entry.Published.IsZero() {
		parts = append(parts, "Date: "+m.Entry.Published.UTC().Format("2006-01-02 15:04 UTC"))
	}
	parts = append(parts, fmt.Sprintf("Risk: *%d/100*", score(m)))
	if m.Verdict != nil && len(m.Verdict.Tags) > 0 {
		tags := m.Verdict.Tags
		if len(tags) > 2 {
			tags = tags[:2]
		}
		parts = append(parts, "Type: *"+strings.Join(tags, " • ")+"*")
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": strings.Join(parts, " • ")},
		},
	}
}

func detailBlock(m *triage.Message) map[string]any {
	if m.Verdict == nil {
		return nil
	}
	var lines []string
	if m.Verdict.Target != "" {
		lines = append(lines, "*Target:* "+m.Verdict.Target)
	}
	if m.Verdict.Rationale != "" {
		lines = append(lines, "*Summary:* "+truncate(m.Verdict.Rationale, maxRationaleLen))
	}
	if len(lines) == 0 {
		return nil
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": strings.Join(lines, "\n"),
		},
	}
}

func footerBlock(m *triage.Message) map[string]any {
	text := "secnews • " + string(m.Decision)
	if m.Entry.Feed != "" {
		text += " • " + m.Entry.Feed
	}
	if m.RunID != "" {
		text += " • run " + m.RunID
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func score(m *triage.Message) int {
	if m.Verdict == nil {
		return 0
	}
	return m.Verdict.Score
}

func scoreEmoji(s int) string {
	switch {
	case s >= 90:
		return "\U0001f534" // red circle
	case s >= triage.ScrapeThreshold:
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
