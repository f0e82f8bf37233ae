package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/howard-nolan/llmrelay/internal/config"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements Provider and Streamer for Anthropic's
// Messages API.
type AnthropicProvider struct {
	base
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(pc config.ProviderConfig, opts Options) *AnthropicProvider {
	return &AnthropicProvider{
		base: newBase(Descriptor{
			ID:                config.Anthropic,
			DisplayName:       "Anthropic",
			BaseURL:           pc.BaseURL,
			RequiresAPIKey:    true,
			SupportsStreaming: true,
			DefaultModel:      "claude-haiku-4-5",
		}, pc.APIKey, opts.withDefaults()),
	}
}

var anthropicModels = []ModelInfo{
	{ID: "claude-opus-4-1", DisplayName: "Claude Opus 4.1", ContextLength: 200000, Multimodal: true},
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", ContextLength: 200000, Multimodal: true},
	{ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", ContextLength: 200000, Multimodal: true},
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the request body for /v1/messages. Unlike the
// OpenAI dialect, "system" is a top-level string and max_tokens is
// required.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the reply from /v1/messages. Content is a list of
// blocks because replies can mix text and tool_use.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent covers every streamed payload. The "type" field
// says which of the optional fields are populated:
//
//	message_start       -> message (id, model, input tokens)
//	content_block_delta -> delta.text (the tokens)
//	message_delta       -> delta.stop_reason, usage.output_tokens
//	message_stop        -> end of message
//	error               -> error
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// anthropicAPIVersion pins the Messages API behavior; it is required on
// every request.
const anthropicAPIVersion = "2023-06-01"

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func toAnthropicRequest(model, message string, cfg GenerationConfig) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       model,
		MaxTokens:   cfg.MaxTokens,
		System:      strings.TrimSpace(cfg.SystemPrompt),
		Messages:    []anthropicMessage{{Role: "user", Content: message}},
		Temperature: &cfg.Temperature,
	}
	// Newer models reject temperature and top_p together, so top_p is
	// only sent when the caller moved it off its default.
	if cfg.TopP > 0 && cfg.TopP < 1 {
		ar.TopP = &cfg.TopP
	}
	if ar.MaxTokens <= 0 {
		ar.MaxTokens = DefaultGenerationConfig().MaxTokens
	}
	return ar
}

func (a *AnthropicProvider) headers(apiKey string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicAPIVersion)
	return h
}

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// ListModels returns the static catalogue.
func (a *AnthropicProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return append([]ModelInfo(nil), anthropicModels...), nil
}

// TestConnection asks for a single output token using apiKey.
func (a *AnthropicProvider) TestConnection(ctx context.Context, apiKey, model string) ConnectionResult {
	return a.testConnection(ctx, func(ctx context.Context) error {
		req := &anthropicRequest{
			Model:     a.model(model),
			MaxTokens: 1,
			Messages:  []anthropicMessage{{Role: "user", Content: "Hi"}},
		}
		var resp anthropicResponse
		return a.postJSON(ctx, a.desc.BaseURL+"/messages", a.headers(apiKey), req, &resp)
	})
}

// SendMessage sends a non-streaming request to /v1/messages.
func (a *AnthropicProvider) SendMessage(ctx context.Context, model, message string, cfg GenerationConfig) (*ChatResponse, error) {
	if !a.IsConfigured() {
		return nil, a.fail(notConfigured(a.desc.ID))
	}
	model = a.model(model)

	var resp anthropicResponse
	if err := a.postJSON(ctx, a.desc.BaseURL+"/messages", a.headers(a.apiKey), toAnthropicRequest(model, message, cfg), &resp); err != nil {
		return nil, err
	}

	// Concatenate text blocks; tool_use blocks are not relayed.
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return &ChatResponse{
		Content:      text.String(),
		FinishReason: resp.StopReason,
		Provider:     a.desc.ID,
		Model:        model,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// StreamMessage opens a streaming /v1/messages request. Anthropic names
// its events but every payload repeats the name in "type", so only the
// data: lines are needed.
func (a *AnthropicProvider) StreamMessage(ctx context.Context, model, message string, cfg GenerationConfig) (<-chan StreamChunk, error) {
	if !a.IsConfigured() {
		return nil, a.fail(notConfigured(a.desc.ID))
	}

	req := toAnthropicRequest(a.model(model), message, cfg)
	req.Stream = true

	// Input tokens arrive on message_start and output tokens on
	// message_delta, so the extractor remembers the former.
	var inputTokens int

	return a.openStream(ctx, a.desc.BaseURL+"/messages", a.headers(a.apiKey), req, func(rec json.RawMessage) (delta, error) {
		var ev anthropicStreamEvent
		if err := json.Unmarshal(rec, &ev); err != nil {
			return delta{}, errSkip
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				inputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta != nil {
				return delta{content: ev.Delta.Text}, nil
			}
		case "message_delta":
			d := delta{}
			if ev.Delta != nil {
				d.finishReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				d.usage = &Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      inputTokens + ev.Usage.OutputTokens,
				}
			}
			return d, nil
		case "message_stop":
			return delta{}, errStop
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
				if ev.Error.Type == "rate_limit_error" {
					return delta{}, &Error{Kind: KindRateLimited, Provider: a.desc.ID, Message: msg}
				}
			}
			return delta{}, &Error{Kind: KindUpstream, Provider: a.desc.ID, Message: msg}
		}
		// content_block_start, content_block_stop, ping
		return delta{}, nil
	})
}
