// Package telegram posts emitted entries to a Telegram chat via the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/secnews/internal/triage"
)

// DefaultAPIBase is the Bot API root.
const DefaultAPIBase = "https://api.telegram.org"

// Notifier sends messages with sendMessage.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// New registers bot token and chat identifier. An empty apiBase uses
// DefaultAPIBase.
func New(botToken, chatID, apiBase string) (*Notifier, error) {
	if botToken == "" || chatID == "" {
		return nil, errors.New("telegram: bot token and chat id required")
	}
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  strings.TrimRight(apiBase, "/"),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Dispatch implements triage.Dispatcher.
func (n *Notifier) Dispatch(ctx context.Context, m *triage.Message) error {
	if m == nil || m.Entry == nil {
		return errors.New("telegram: empty message")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", formatText(m))
	form.Set("parse_mode", "HTML")
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		// url.Error embeds the endpoint, which carries the token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: do request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	res := gjson.ParseBytes(body)
	if resp.StatusCode != http.StatusOK || !res.Get("ok").Bool() {
		desc := res.Get("description").String()
		if desc == "" {
			desc = resp.Status
		}
		return fmt.Errorf("telegram error: %s", desc)
	}
	return nil
}

func formatText(m *triage.Message) string {
	var sb strings.Builder
	title := m.Entry.Title
	if title == "" {
		title = "(no title)"
	}
	fmt.Fprintf(&sb, "<b>%s</b>\n", html.EscapeString(title))

	score := 0
	if m.Verdict != nil {
		score = m.Verdict.Score
	}
	fmt.Fprintf(&sb, "Risk: %d/100", score)
	if !m.Entry.Published.IsZero() {
		sb.WriteString(" | " + m.Entry.Published.UTC().Format("2006-01-02"))
	}
	sb.WriteString("\n")

	if m.Verdict != nil {
		if m.Verdict.Target != "" {
			fmt.Fprintf(&sb, "\n<b>Target:</b> %s", html.EscapeString(m.Verdict.Target))
		}
		if m.Verdict.Rationale != "" {
			fmt.Fprintf(&sb, "\n<b>Summary:</b> %s", html.EscapeString(m.Verdict.Rationale))
		}
		sb.WriteString("\n")
	}
	if m.Entry.Link != "" {
		fmt.Fprintf(&sb, "\n<a href=\"%s\">Read the original article</a>", html.EscapeString(m.Entry.Link))
	}
	return sb.String()
}
