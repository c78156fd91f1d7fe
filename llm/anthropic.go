// Package llm provides LLM client implementations of the engine's
// capability interfaces. The Anthropic client covers chat; pair it with
// an embedder (memory/embedder/onnx or an API-backed one) for the
// embedding side, since the Anthropic API does not serve embeddings.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/engramlabs/engram-go/core"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// DefaultMaxTokens bounds responses when not configured.
const DefaultMaxTokens = 1024

// AnthropicClient implements core.ChatCapability over the Claude
// Messages API.
type AnthropicClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// AnthropicOption configures the client.
type AnthropicOption func(*AnthropicClient)

// WithModel overrides the model id.
func WithModel(model string) AnthropicOption {
	return func(c *AnthropicClient) { c.model = model }
}

// WithMaxTokens overrides the response token bound.
func WithMaxTokens(n int64) AnthropicOption {
	return func(c *AnthropicClient) { c.maxTokens = n }
}

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) AnthropicOption {
	return func(c *AnthropicClient) { c.timeout = d }
}

// NewAnthropicClient wraps an Anthropic SDK client.
func NewAnthropicClient(client *anthropic.Client, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		client:    client,
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
		timeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends the messages and returns the text response with token
// accounting. System messages become the request's system prompt.
func (c *AnthropicClient) Chat(ctx context.Context, messages []core.Message) (*core.ChatResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var system string
	var params []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case core.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case core.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  params,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("claude API error: %w", err)
	}

	out := &core.ChatResponse{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		TimeConsumed: time.Since(start).Seconds(),
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.TextResponse += block.Text
		case "thinking":
			out.ReasoningContent += block.Thinking
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	return out, nil
}
