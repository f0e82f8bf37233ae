// Package provider defines the Provider interface and LLM provider adapters.
//
// Every upstream LLM service (OpenAI, Anthropic, Google, ...) implements
// the Provider interface. The relay works only with these unified types,
// so it never needs to know which vendor is answering a request.
package provider

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// Provider is the contract every adapter satisfies.
type Provider interface {
	// Descriptor returns the static description built at startup.
	Descriptor() Descriptor

	// IsConfigured reports whether the credential the adapter needs is
	// present. It never touches the network.
	IsConfigured() bool

	// ListModels returns the provider's model catalogue.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// TestConnection issues a minimal request with the caller-supplied
	// key instead of the configured one. Failures are reported in the
	// result, never as a Go error.
	TestConnection(ctx context.Context, apiKey, model string) ConnectionResult

	// SendMessage performs a single-shot completion with the configured
	// key. On failure it returns a *Error and no content.
	SendMessage(ctx context.Context, model, message string, cfg GenerationConfig) (*ChatResponse, error)
}

// Streamer is implemented by adapters that can relay the upstream's
// native token stream.
type Streamer interface {
	Provider

	// StreamMessage opens an upstream stream. Errors that happen before
	// the first byte are returned directly. After that, content chunks
	// arrive on the channel in upstream order; a failure is delivered as
	// one final chunk with Err set. The channel is closed exactly once,
	// which is the completion signal.
	StreamMessage(ctx context.Context, model, message string, cfg GenerationConfig) (<-chan StreamChunk, error)
}

// AsStreamer returns p as a Streamer when its descriptor declares native
// streaming and the adapter implements it.
func AsStreamer(p Provider) (Streamer, bool) {
	if !p.Descriptor().SupportsStreaming {
		return nil, false
	}
	s, ok := p.(Streamer)
	return s, ok
}

// ModelResolver is implemented by adapters whose upstream picks a model
// on its own when none is named, such as a local server serving whatever
// is loaded.
type ModelResolver interface {
	ResolveModel(ctx context.Context, model string) string
}

// ResolveModel returns the model a request for model will actually run
// against. An explicit model always wins. Otherwise the adapter's resolver
// decides, falling back to the descriptor's default.
func ResolveModel(ctx context.Context, p Provider, model string) string {
	if model != "" {
		return model
	}
	if r, ok := p.(ModelResolver); ok {
		if m := r.ResolveModel(ctx, model); m != "" {
			return m
		}
	}
	return p.Descriptor().DefaultModel
}

// ---------------------------------------------------------------------------
// Descriptors and catalogue types
// ---------------------------------------------------------------------------

// Descriptor is the immutable description of one provider.
type Descriptor struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	BaseURL           string `json:"baseUrl"`
	RequiresAPIKey    bool   `json:"requiresApiKey"`
	SupportsStreaming bool   `json:"supportsStreaming"`
	DefaultModel      string `json:"defaultModel"`
}

// ModelInfo describes one model in a provider's catalogue.
type ModelInfo struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	ContextLength int    `json:"contextLength"`
	Multimodal    bool   `json:"multimodal"`
}

// ConnectionResult is the outcome of TestConnection.
type ConnectionResult struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

// ---------------------------------------------------------------------------
// Generation config
// ---------------------------------------------------------------------------

// Limits enforced by GenerationConfig.Validate.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 1
	MaxMaxTokens   = 200000
	MinPenalty     = -2.0
	MaxPenalty     = 2.0

	DefaultSystemPromptLen = 4096
)

// GenerationConfig carries sampling parameters. Field names match the
// JSON the client sends in the config query parameter.
type GenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"maxTokens"`
	TopP             float64 `json:"topP"`
	SystemPrompt     string  `json:"systemPrompt,omitempty"`
	FrequencyPenalty float64 `json:"frequencyPenalty"`
	PresencePenalty  float64 `json:"presencePenalty"`
}

// DefaultGenerationConfig is the config used for any field the client
// leaves out.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature: 0.7,
		MaxTokens:   1024,
		TopP:        1,
	}
}

// Validate checks every field and reports the first violation.
// maxSystemPrompt is measured in characters; zero means the default.
func (c GenerationConfig) Validate(maxSystemPrompt int) error {
	if maxSystemPrompt <= 0 {
		maxSystemPrompt = DefaultSystemPromptLen
	}

	// Comparisons are written so NaN fails them.
	switch {
	case !(c.Temperature >= MinTemperature && c.Temperature <= MaxTemperature):
		return fmt.Errorf("temperature must be between %g and %g", MinTemperature, MaxTemperature)
	case c.MaxTokens < MinMaxTokens || c.MaxTokens > MaxMaxTokens:
		return fmt.Errorf("maxTokens must be between %d and %d", MinMaxTokens, MaxMaxTokens)
	case !(c.TopP >= 0 && c.TopP <= 1):
		return fmt.Errorf("topP must be between 0 and 1")
	case !(c.FrequencyPenalty >= MinPenalty && c.FrequencyPenalty <= MaxPenalty):
		return fmt.Errorf("frequencyPenalty must be between %g and %g", MinPenalty, MaxPenalty)
	case !(c.PresencePenalty >= MinPenalty && c.PresencePenalty <= MaxPenalty):
		return fmt.Errorf("presencePenalty must be between %g and %g", MinPenalty, MaxPenalty)
	case utf8.RuneCountInString(c.SystemPrompt) > maxSystemPrompt:
		return fmt.Errorf("systemPrompt must be at most %d characters", maxSystemPrompt)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// ChatResponse is a complete single-shot reply.
type ChatResponse struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finishReason,omitempty"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

// Usage holds token counts, normalized across providers.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StreamChunk is one element of a native stream. Content is never empty
// on a successful chunk; the final chunk may instead carry Err.
type StreamChunk struct {
	Content      string
	FinishReason string
	Usage        *Usage
	Err          error
}
