package triage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/secnews/internal/feed"
)

var tracer = otel.Tracer("github.com/linnemanlabs/secnews/internal/triage")

const (
	// ResponseTokens caps the verdict length.
	ResponseTokens = 1024

	maxSpanTextLen = 2048
)

// EngineHooks receives judgment telemetry. Nil fields are skipped.
type EngineHooks struct {
	OnLLMCall  func(model string, inputTokens, outputTokens int, duration float64)
	OnJudgment func(status string)
}

// Engine turns a normalized entry plus criteria into a Verdict using an LLM.
type Engine struct {
	provider Provider
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates an engine over the given provider.
func NewEngine(provider Provider, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		provider: provider,
		logger:   logger,
		hooks:    hooks,
	}
}

// Judge asks the provider for a verdict on e. Provider failures wrap
// ErrJudgmentUnavailable; unparsable answers wrap ErrJudgmentMalformed.
func (e *Engine) Judge(ctx context.Context, entry *feed.NormalizedEntry, c Criteria) (*Verdict, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.Int("gen_ai.request.max_tokens", ResponseTokens),
		attribute.String("secnews.entry.id", entry.ID),
		attribute.String("secnews.entry.feed", entry.Feed),
		attribute.String("secnews.criteria.hash", c.ShortHash()),
	))
	defer span.End()

	prompt := buildPrompt(entry, c)
	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.String("llm.request.body", truncate(prompt, maxSpanTextLen)),
	))

	start := time.Now()
	resp, err := e.provider.Send(ctx, &LLMRequest{
		MaxTokens: ResponseTokens,
		System:    systemPrompt,
		Prompt:    prompt,
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.judgment("unavailable")
		return nil, fmt.Errorf("%w: %w", ErrJudgmentUnavailable, err)
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", resp.StopReason),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.String("llm.response.body", truncate(resp.Text, maxSpanTextLen)),
	))

	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, duration)
	}

	v, err := ParseVerdict(resp.Text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn(ctx, "unparsable verdict",
			"entry_id", entry.ID,
			"response", truncate(resp.Text, 500),
		)
		e.judgment("malformed")
		return nil, err
	}
	v.Model = resp.Model
	v.Usage = resp.Usage

	span.SetAttributes(
		attribute.Int("secnews.verdict.score", v.Score),
		attribute.String("secnews.verdict.label", string(v.Label)),
	)
	e.judgment("ok")
	return v, nil
}

func (e *Engine) judgment(status string) {
	if e.hooks.OnJudgment != nil {
		e.hooks.OnJudgment(status)
	}
}

const systemPrompt = `You are a security news analyst. You decide whether a news item matters to a security operations team, following the criteria you are given.

Answer with a single JSON object and nothing else:
{"score": <integer 0-100>, "decision": "SCRAPE" | "WATCHLIST" | "SKIP", "target": <affected product or organization, or null>, "rationale": <short explanation>, "tags": [<short keywords>]}`

func buildPrompt(entry *feed.NormalizedEntry, c Criteria) string {
	var b strings.Builder
	b.WriteString(c.Text)
	b.WriteString("\n\nEvaluate the following article according to the above criteria.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", entry.Title)
	fmt.Fprintf(&b, "Link: %s\n", entry.Link)
	if !entry.Published.IsZero() {
		fmt.Fprintf(&b, "Published: %s\n", entry.Published.Format(time.RFC3339))
	}
	if entry.Feed != "" {
		fmt.Fprintf(&b, "Source: %s\n", entry.Feed)
	}
	b.WriteString("\nContent:\n")
	if entry.Text != "" {
		b.WriteString(entry.Text)
	} else {
		b.WriteString("(no content)")
	}
	return b.String()
}

// ParseVerdict extracts a Verdict from model output. It tolerates prose
// around the JSON object, code fences, and raw newlines inside strings.
func ParseVerdict(text string) (*Verdict, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, fmt.Errorf("%w: no json object in response", ErrJudgmentMalformed)
	}
	raw = escapeNewlines(raw)
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrJudgmentMalformed)
	}

	doc := gjson.Parse(raw)

	score, err := parseScore(doc.Get("score"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJudgmentMalformed, err)
	}

	v := &Verdict{Score: score}
	if label, ok := ParseDecision(doc.Get("decision").String()); ok {
		v.Label = label
	}
	v.Target = firstText(doc, ", ", "target", "products_affected")
	v.Rationale = firstText(doc, " ", "rationale", "why")
	for _, t := range doc.Get("tags").Array() {
		if s := strings.TrimSpace(t.String()); s != "" {
			v.Tags = append(v.Tags, s)
		}
	}
	return v, nil
}

func parseScore(r gjson.Result) (int, error) {
	switch r.Type {
	case gjson.Number:
		return roundScore(r.Num)
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("score %q is not a number", r.Str)
		}
		return roundScore(f)
	case gjson.Null:
		if r.Exists() {
			return 0, errors.New("score is null")
		}
		return 0, errors.New("score missing")
	default:
		return 0, fmt.Errorf("score has unexpected type %s", r.Type)
	}
}

// roundScore bounds f to one step outside the valid range before the int
// conversion, so huge or infinite values still clamp to the nearest bound.
func roundScore(f float64) (int, error) {
	if math.IsNaN(f) {
		return 0, errors.New("score is NaN")
	}
	f = math.Max(minScore-1, math.Min(f, maxScore+1))
	return int(math.Round(f)), nil
}

// firstText returns the first non-empty field among keys. Arrays are joined
// with sep.
func firstText(doc gjson.Result, sep string, keys ...string) string {
	for _, k := range keys {
		r := doc.Get(k)
		var s string
		switch {
		case r.IsArray():
			var parts []string
			for _, p := range r.Array() {
				if t := strings.TrimSpace(p.String()); t != "" {
					parts = append(parts, t)
				}
			}
			s = strings.Join(parts, sep)
		case r.Type == gjson.String:
			s = strings.TrimSpace(r.Str)
		}
		if s != "" {
			return s
		}
	}
	return ""
}

// extractJSON returns the first balanced {...} object in text after
// stripping markdown code fences.
func extractJSON(text string) (string, bool) {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// escapeNewlines replaces raw CR/LF inside JSON strings with escapes.
func escapeNewlines(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
			b.WriteByte(c)
		case c == '\\':
			escaped = true
			b.WriteByte(c)
		case c == '"':
			inString = !inString
			b.WriteByte(c)
		case inString && c == '\n':
			b.WriteString(`\n`)
		case inString && c == '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
