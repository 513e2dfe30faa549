package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/secnews/internal/feed"
)

const testModel = "claude-sonnet-4-5"

// mockProvider answers through fn and records every request.
type mockProvider struct {
	mu       sync.Mutex
	fn       func(req *LLMRequest) (*LLMResponse, error)
	requests []*LLMRequest
}

func (m *mockProvider) Send(_ context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.fn(req)
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func textResponse(text string) *LLMResponse {
	return &LLMResponse{
		Text:       text,
		StopReason: "end_turn",
		Model:      testModel,
		Usage:      Usage{InputTokens: 120, OutputTokens: 40},
	}
}

func testEntry() *feed.NormalizedEntry {
	return &feed.NormalizedEntry{
		ID:        "0123456789abcdef0123456789abcdef",
		Title:     "Critical VPN flaw exploited",
		Link:      "https://news.example.com/vpn",
		Published: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Text:      "Attackers are exploiting CVE-2026-0001.",
		Feed:      "example",
	}
}

func TestJudge_ParsesVerdict(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{fn: func(*LLMRequest) (*LLMResponse, error) {
		return textResponse(`{"score": 91, "decision": "SCRAPE", "target": "Acme VPN", "rationale": "Actively exploited.", "tags": ["vpn", "cve"]}`), nil
	}}

	var calls int
	var status string
	engine := NewEngine(provider, log.Nop(), EngineHooks{
		OnLLMCall:  func(string, int, int, float64) { calls++ },
		OnJudgment: func(s string) { status = s },
	})

	v, err := engine.Judge(context.Background(), testEntry(), NewCriteria("criteria text"))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if v.Score != 91 || v.Label != DecisionScrape || v.Target != "Acme VPN" {
		t.Errorf("verdict = %+v", v)
	}
	if v.Model != testModel {
		t.Errorf("Model = %q, want %q", v.Model, testModel)
	}
	if v.Usage.InputTokens != 120 {
		t.Errorf("InputTokens = %d, want 120", v.Usage.InputTokens)
	}
	if len(v.Tags) != 2 {
		t.Errorf("Tags = %v", v.Tags)
	}
	if calls != 1 || status != "ok" {
		t.Errorf("hooks: calls=%d status=%q", calls, status)
	}
}

func TestJudge_PromptCarriesCriteriaAndEntry(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{fn: func(*LLMRequest) (*LLMResponse, error) {
		return textResponse(`{"score": 10}`), nil
	}}
	engine := NewEngine(provider, log.Nop(), EngineHooks{})

	if _, err := engine.Judge(context.Background(), testEntry(), NewCriteria("ONLY-RANSOMWARE-RULE")); err != nil {
		t.Fatalf("Judge: %v", err)
	}

	req := provider.requests[0]
	for _, want := range []string{"ONLY-RANSOMWARE-RULE", "Critical VPN flaw exploited", "https://news.example.com/vpn", "2026-03-01T09:00:00Z", "CVE-2026-0001"} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if req.System == "" {
		t.Error("expected system prompt")
	}
	if req.MaxTokens != ResponseTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, ResponseTokens)
	}
}

func TestJudge_ProviderErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{fn: func(*LLMRequest) (*LLMResponse, error) {
		return nil, errors.New("connection refused")
	}}
	var status string
	engine := NewEngine(provider, log.Nop(), EngineHooks{OnJudgment: func(s string) { status = s }})

	_, err := engine.Judge(context.Background(), testEntry(), DefaultCriteria())
	if !errors.Is(err, ErrJudgmentUnavailable) {
		t.Fatalf("err = %v, want ErrJudgmentUnavailable", err)
	}
	if status != "unavailable" {
		t.Errorf("status = %q, want unavailable", status)
	}
}

func TestJudge_GarbageIsMalformed(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{fn: func(*LLMRequest) (*LLMResponse, error) {
		return textResponse("I cannot evaluate this article."), nil
	}}
	engine := NewEngine(provider, log.Nop(), EngineHooks{})

	_, err := engine.Judge(context.Background(), testEntry(), DefaultCriteria())
	if !errors.Is(err, ErrJudgmentMalformed) {
		t.Fatalf("err = %v, want ErrJudgmentMalformed", err)
	}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		score     int
		label     Decision
		target    string
		rationale string
	}{
		{
			name:      "plain",
			in:        `{"score": 85, "decision": "SCRAPE", "target": "Ivanti", "rationale": "exploited"}`,
			score:     85,
			label:     DecisionScrape,
			target:    "Ivanti",
			rationale: "exploited",
		},
		{
			name:      "fenced with prose",
			in:        "Here is my answer:\n```json\n{\"score\": 55, \"decision\": \"watchlist\", \"rationale\": \"maybe\"}\n```\nThanks.",
			score:     55,
			label:     DecisionWatchlist,
			rationale: "maybe",
		},
		{
			name:  "string score",
			in:    `{"score": "72", "decision": "WATCHLIST"}`,
			score: 72,
			label: DecisionWatchlist,
		},
		{
			name:  "fractional score rounds",
			in:    `{"score": 79.6}`,
			score: 80,
		},
		{
			name:      "raw newline in string",
			in:        "{\"score\": 30, \"rationale\": \"line one\nline two\"}",
			score:     30,
			rationale: "line one\nline two",
		},
		{
			name:      "aliases",
			in:        `{"score": 88, "why": ["patched", "exploited"], "products_affected": ["FortiOS", "FortiProxy"]}`,
			score:     88,
			target:    "FortiOS, FortiProxy",
			rationale: "patched exploited",
		},
		{
			name:  "null target",
			in:    `{"score": 10, "decision": "SKIP", "target": null}`,
			score: 10,
			label: DecisionSkip,
		},
		{
			name:  "unknown label ignored",
			in:    `{"score": 10, "decision": "MAYBE"}`,
			score: 10,
		},
		{
			name:      "braces inside strings",
			in:        `{"score": 61, "rationale": "uses {curly} braces"} trailing {junk}`,
			score:     61,
			rationale: "uses {curly} braces",
		},
		{
			name:  "out of range left for policy to clamp",
			in:    `{"score": 140}`,
			score: 101,
		},
		{
			name:  "past int64 bounded",
			in:    `{"score": 1e20}`,
			score: 101,
		},
		{
			name:  "infinity string bounded",
			in:    `{"score": "Infinity"}`,
			score: 101,
		},
		{
			name:  "overflowing string bounded",
			in:    `{"score": "-1e400"}`,
			score: -1,
		},
		{
			name:  "negative within one step",
			in:    `{"score": -0.4}`,
			score: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := ParseVerdict(tt.in)
			if err != nil {
				t.Fatalf("ParseVerdict: %v", err)
			}
			if v.Score != tt.score {
				t.Errorf("Score = %d, want %d", v.Score, tt.score)
			}
			if v.Label != tt.label {
				t.Errorf("Label = %q, want %q", v.Label, tt.label)
			}
			if v.Target != tt.target {
				t.Errorf("Target = %q, want %q", v.Target, tt.target)
			}
			if v.Rationale != tt.rationale {
				t.Errorf("Rationale = %q, want %q", v.Rationale, tt.rationale)
			}
		})
	}
}

func TestParseVerdict_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no object", "SCRAPE, 90"},
		{"unbalanced", `{"score": 90`},
		{"missing score", `{"decision": "SCRAPE"}`},
		{"null score", `{"score": null}`},
		{"text score", `{"score": "high"}`},
		{"bool score", `{"score": true}`},
		{"nan score", `{"score": "NaN"}`},
		{"invalid json", `{"score": 90,,}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseVerdict(tt.in); !errors.Is(err, ErrJudgmentMalformed) {
				t.Errorf("ParseVerdict(%q) err = %v, want ErrJudgmentMalformed", tt.in, err)
			}
		})
	}
}

func TestJudge_CreatesSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	provider := &mockProvider{fn: func(*LLMRequest) (*LLMResponse, error) {
		return textResponse(`{"score": 64, "decision": "WATCHLIST"}`), nil
	}}
	engine := NewEngine(provider, log.Nop(), EngineHooks{})

	if _, err := engine.Judge(context.Background(), testEntry(), DefaultCriteria()); err != nil {
		t.Fatalf("Judge: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "llm.call" {
		t.Fatalf("spans = %d, want one llm.call", len(spans))
	}

	attrs := make(map[string]any)
	for _, a := range spans[0].Attributes {
		attrs[string(a.Key)] = a.Value.AsInterface()
	}
	if v := attrs["gen_ai.response.model"]; v != testModel {
		t.Errorf("gen_ai.response.model = %v, want %s", v, testModel)
	}
	if v := attrs["secnews.entry.id"]; v != testEntry().ID {
		t.Errorf("secnews.entry.id = %v", v)
	}
	if v := attrs["secnews.verdict.score"]; v != int64(64) {
		t.Errorf("secnews.verdict.score = %v, want 64", v)
	}

	events := make(map[string]bool)
	for _, ev := range spans[0].Events {
		events[ev.Name] = true
	}
	if !events["llm.request"] || !events["llm.response"] {
		t.Errorf("events = %v, want llm.request and llm.response", events)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	t.Parallel()

	got := truncate("가나다", 4)
	if got != "가..." {
		t.Errorf("truncate = %q, want %q", got, "가...")
	}
	if truncate("short", 10) != "short" {
		t.Error("short string changed")
	}
}
