package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/secnews/internal/triage"
)

func TestSend_RoundTrip(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"score\": 77}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 400, "completion_tokens": 20}
		}`)
	}))
	defer srv.Close()

	c := New("sk-test", "", srv.URL, 0.3)
	resp, err := c.Send(context.Background(), &triage.LLMRequest{MaxTokens: 512, System: "sys", Prompt: "judge"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if resp.Text != `{"score": 77}` || resp.StopReason != "stop" || resp.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 400 || resp.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if got.Model != DefaultModel || got.MaxTokens != 512 || got.Temperature != 0.3 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "judge" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestSend_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New("sk", "gpt-4o", srv.URL, 0).Send(context.Background(), &triage.LLMRequest{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want body in error", err)
	}
}

func TestSend_MissingKey(t *testing.T) {
	t.Parallel()

	if _, err := New("", "", "", 0).Send(context.Background(), &triage.LLMRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    string
	}{
		{"ok", `{"choices":[{"message":{"content":"hi"}}]}`, false, "hi"},
		{"no choices", `{"choices":[]}`, true, ""},
		{"not json", `<html>bad gateway</html>`, true, ""},
		{"null content", `{"choices":[{"message":{"content":null}}]}`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := parseResponse([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResponse: %v", err)
			}
			if resp.Text != tt.want {
				t.Errorf("text = %q, want %q", resp.Text, tt.want)
			}
		})
	}
}
