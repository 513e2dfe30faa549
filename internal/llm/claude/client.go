// Package claude implements triage.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/secnews/internal/triage"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Client implements triage.Provider using the official Anthropic Go SDK.
type Client struct {
	client      anthropic.Client
	model       string
	temperature float64
}

// New creates a Claude client. Retries are left to the caller's backoff, so
// the SDK's own retries are disabled. Extra options (base URL, HTTP client)
// are applied last.
func New(apiKey, model string, temperature float64, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(120 * time.Second),
	}
	return &Client{
		client:      anthropic.NewClient(append(base, opts...)...),
		model:       model,
		temperature: temperature,
	}
}

// Send performs a single-turn completion.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	if req == nil {
		return nil, errors.New("claude: nil request")
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(c.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude api: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func fromSDKResponse(msg *anthropic.Message) *triage.LLMResponse {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &triage.LLMResponse{
		Text:       sb.String(),
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: triage.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
