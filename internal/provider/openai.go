package provider

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/howard-nolan/llmrelay/internal/config"
)

// ---------------------------------------------------------------------------
// OpenAICompatible struct + constructors
// ---------------------------------------------------------------------------

// OpenAICompatible implements Provider and Streamer for every service
// that speaks the OpenAI Chat Completions dialect: OpenAI itself, Groq,
// Mistral, xAI and LM Studio. They differ only in base URL, catalogue and
// whether the relay streams them natively.
type OpenAICompatible struct {
	base
	models []ModelInfo
}

func newOpenAICompatible(desc Descriptor, pc config.ProviderConfig, models []ModelInfo, opts Options) *OpenAICompatible {
	desc.BaseURL = pc.BaseURL
	return &OpenAICompatible{
		base:   newBase(desc, pc.APIKey, opts.withDefaults()),
		models: models,
	}
}

// NewOpenAI creates the OpenAI adapter. Its replies are relayed with
// simulated streaming.
func NewOpenAI(pc config.ProviderConfig, opts Options) *OpenAICompatible {
	return newOpenAICompatible(Descriptor{
		ID:             config.OpenAI,
		DisplayName:    "OpenAI",
		RequiresAPIKey: true,
		DefaultModel:   "gpt-4o-mini",
	}, pc, []ModelInfo{
		{ID: "gpt-4o", DisplayName: "GPT-4o", ContextLength: 128000, Multimodal: true},
		{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", ContextLength: 128000, Multimodal: true},
		{ID: "gpt-4.1", DisplayName: "GPT-4.1", ContextLength: 1047576, Multimodal: true},
		{ID: "o3-mini", DisplayName: "o3-mini", ContextLength: 200000},
	}, opts)
}

// NewGroq creates the Groq adapter.
func NewGroq(pc config.ProviderConfig, opts Options) *OpenAICompatible {
	return newOpenAICompatible(Descriptor{
		ID:                config.Groq,
		DisplayName:       "Groq",
		RequiresAPIKey:    true,
		SupportsStreaming: true,
		DefaultModel:      "llama-3.3-70b-versatile",
	}, pc, []ModelInfo{
		{ID: "llama-3.3-70b-versatile", DisplayName: "Llama 3.3 70B Versatile", ContextLength: 131072},
		{ID: "llama-3.1-8b-instant", DisplayName: "Llama 3.1 8B Instant", ContextLength: 131072},
		{ID: "gemma2-9b-it", DisplayName: "Gemma 2 9B", ContextLength: 8192},
	}, opts)
}

// NewMistral creates the Mistral adapter.
func NewMistral(pc config.ProviderConfig, opts Options) *OpenAICompatible {
	return newOpenAICompatible(Descriptor{
		ID:                config.Mistral,
		DisplayName:       "Mistral AI",
		RequiresAPIKey:    true,
		SupportsStreaming: true,
		DefaultModel:      "mistral-small-latest",
	}, pc, []ModelInfo{
		{ID: "mistral-large-latest", DisplayName: "Mistral Large", ContextLength: 131072},
		{ID: "mistral-small-latest", DisplayName: "Mistral Small", ContextLength: 131072, Multimodal: true},
		{ID: "codestral-latest", DisplayName: "Codestral", ContextLength: 256000},
	}, opts)
}

// NewXAI creates the xAI adapter.
func NewXAI(pc config.ProviderConfig, opts Options) *OpenAICompatible {
	return newOpenAICompatible(Descriptor{
		ID:                config.XAI,
		DisplayName:       "xAI",
		RequiresAPIKey:    true,
		SupportsStreaming: true,
		DefaultModel:      "grok-3-mini",
	}, pc, []ModelInfo{
		{ID: "grok-4", DisplayName: "Grok 4", ContextLength: 256000, Multimodal: true},
		{ID: "grok-3", DisplayName: "Grok 3", ContextLength: 131072},
		{ID: "grok-3-mini", DisplayName: "Grok 3 Mini", ContextLength: 131072},
	}, opts)
}

// ---------------------------------------------------------------------------
// Chat Completions API types (unexported)
// ---------------------------------------------------------------------------

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *chatUsage) unified() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// chatChunk is one streamed record. Most carry choices[0].delta.content;
// a few providers put an in-band error object on the stream instead.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func toChatRequest(model, message string, cfg GenerationConfig) *chatRequest {
	cr := &chatRequest{
		Model:            model,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      &cfg.Temperature,
		TopP:             &cfg.TopP,
		FrequencyPenalty: cfg.FrequencyPenalty,
		PresencePenalty:  cfg.PresencePenalty,
	}
	if cfg.SystemPrompt != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: cfg.SystemPrompt})
	}
	cr.Messages = append(cr.Messages, chatMessage{Role: "user", Content: message})
	return cr
}

func (o *OpenAICompatible) headers(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// ListModels returns the static catalogue.
func (o *OpenAICompatible) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return append([]ModelInfo(nil), o.models...), nil
}

// TestConnection requests a single token with apiKey.
func (o *OpenAICompatible) TestConnection(ctx context.Context, apiKey, model string) ConnectionResult {
	return o.testConnection(ctx, func(ctx context.Context) error {
		req := &chatRequest{
			Model:     o.model(model),
			Messages:  []chatMessage{{Role: "user", Content: "Hi"}},
			MaxTokens: 1,
		}
		var resp chatResponse
		return o.postJSON(ctx, o.desc.BaseURL+"/chat/completions", o.headers(apiKey), req, &resp)
	})
}

// SendMessage performs one non-streaming chat completion.
func (o *OpenAICompatible) SendMessage(ctx context.Context, model, message string, cfg GenerationConfig) (*ChatResponse, error) {
	if !o.IsConfigured() {
		return nil, o.fail(notConfigured(o.desc.ID))
	}
	model = o.model(model)

	var resp chatResponse
	if err := o.postJSON(ctx, o.desc.BaseURL+"/chat/completions", o.headers(o.apiKey), toChatRequest(model, message, cfg), &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, o.fail(&Error{Kind: KindUpstream, Provider: o.desc.ID, StatusCode: http.StatusOK, Message: "response contained no choices"})
	}

	out := &ChatResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Provider:     o.desc.ID,
		Model:        model,
	}
	// Upstreams echo the exact snapshot they served, e.g. gpt-4o-mini-2024-07-18.
	if resp.Model != "" {
		out.Model = resp.Model
	}
	if u := resp.Usage.unified(); u != nil {
		out.Usage = *u
	}
	return out, nil
}

// StreamMessage opens a stream: true chat completion. Each data record
// carries choices[0].delta.content; the stream ends with data: [DONE].
func (o *OpenAICompatible) StreamMessage(ctx context.Context, model, message string, cfg GenerationConfig) (<-chan StreamChunk, error) {
	if !o.IsConfigured() {
		return nil, o.fail(notConfigured(o.desc.ID))
	}

	req := toChatRequest(o.model(model), message, cfg)
	req.Stream = true

	return o.openStream(ctx, o.desc.BaseURL+"/chat/completions", o.headers(o.apiKey), req, o.extract)
}

func (o *OpenAICompatible) extract(rec json.RawMessage) (delta, error) {
	var chunk chatChunk
	if err := json.Unmarshal(rec, &chunk); err != nil {
		return delta{}, errSkip
	}
	if chunk.Error != nil {
		return delta{}, &Error{Kind: KindUpstream, Provider: o.desc.ID, Message: chunk.Error.Message}
	}

	d := delta{usage: chunk.Usage.unified()}
	if len(chunk.Choices) > 0 {
		d.content = chunk.Choices[0].Delta.Content
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			d.finishReason = *fr
		}
	}
	return d, nil
}
