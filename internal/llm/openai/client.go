// Package openai implements triage.Provider on an OpenAI compatible chat
// completions endpoint.
package openai

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

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/secnews/internal/triage"
)

const (
	// DefaultEndpoint is the public chat completions URL.
	DefaultEndpoint = "https://api.openai.com/v1/chat/completions"
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	maxErrorBody = 1024
	maxBody      = 4 << 20
)

// Client posts single-turn chat completions.
type Client struct {
	endpoint    string
	model       string
	apiKey      string
	temperature float64
	httpClient  *http.Client
}

// New builds a client. An empty endpoint or model falls back to the
// defaults.
func New(apiKey, model, endpoint string, temperature float64) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		endpoint:    endpoint,
		model:       model,
		apiKey:      apiKey,
		temperature: temperature,
		httpClient: &http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

// Send performs a single-turn completion.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	if req == nil {
		return nil, errors.New("openai: nil request")
	}
	if c.apiKey == "" {
		return nil, errors.New("openai: missing api key")
	}

	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("openai error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseResponse(raw)
}

func parseResponse(raw []byte) (*triage.LLMResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("openai: response is not json")
	}
	doc := gjson.ParseBytes(raw)
	choice := doc.Get("choices.0")
	if !choice.Exists() {
		return nil, errors.New("openai: response has no choices")
	}
	return &triage.LLMResponse{
		Text:       choice.Get("message.content").String(),
		StopReason: choice.Get("finish_reason").String(),
		Model:      doc.Get("model").String(),
		Usage: triage.Usage{
			InputTokens:  int(doc.Get("usage.prompt_tokens").Int()),
			OutputTokens: int(doc.Get("usage.completion_tokens").Int()),
		},
	}, nil
}
