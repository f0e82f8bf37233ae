package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/howard-nolan/llmrelay/internal/config"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements Provider and Streamer for the Gemini API.
// The API key travels as a query parameter rather than a header.
type GoogleProvider struct {
	base
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
func NewGoogleProvider(pc config.ProviderConfig, opts Options) *GoogleProvider {
	return &GoogleProvider{
		base: newBase(Descriptor{
			ID:                config.Google,
			DisplayName:       "Google Gemini",
			BaseURL:           pc.BaseURL,
			RequiresAPIKey:    true,
			SupportsStreaming: true,
			DefaultModel:      "gemini-2.5-flash",
		}, pc.APIKey, opts.withDefaults()),
	}
}

var googleModels = []ModelInfo{
	{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", ContextLength: 1048576, Multimodal: true},
	{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", ContextLength: 1048576, Multimodal: true},
	{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", ContextLength: 1048576, Multimodal: true},
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses a list of parts because it
// accepts multimodal input; text-only messages have a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	FrequencyPenalty float64  `json:"frequencyPenalty,omitempty"`
	PresencePenalty  float64  `json:"presencePenalty,omitempty"`
}

// geminiResponse is used for both generateContent and each SSE event of
// streamGenerateContent; a streamed event holds only the new text.
type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (m *geminiUsageMetadata) unified() *Usage {
	if m == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     m.PromptTokenCount,
		CompletionTokens: m.CandidatesTokenCount,
		TotalTokens:      m.TotalTokenCount,
	}
}

// text joins the parts of the first candidate.
func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func toGeminiRequest(message string, cfg GenerationConfig) *geminiRequest {
	gr := &geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: message}}}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      &cfg.Temperature,
			TopP:             &cfg.TopP,
			MaxOutputTokens:  cfg.MaxTokens,
			FrequencyPenalty: cfg.FrequencyPenalty,
			PresencePenalty:  cfg.PresencePenalty,
		},
	}
	if cfg.SystemPrompt != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: cfg.SystemPrompt}}}
	}
	return gr
}

// endpoint builds {base}/models/{model}:{method}?key=...
func (g *GoogleProvider) endpoint(model, method, apiKey string, stream bool) string {
	q := url.Values{}
	if stream {
		q.Set("alt", "sse")
	}
	q.Set("key", apiKey)
	return fmt.Sprintf("%s/models/%s:%s?%s", g.desc.BaseURL, url.PathEscape(model), method, q.Encode())
}

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// ListModels returns the static catalogue.
func (g *GoogleProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return append([]ModelInfo(nil), googleModels...), nil
}

// TestConnection asks for a single output token using apiKey.
func (g *GoogleProvider) TestConnection(ctx context.Context, apiKey, model string) ConnectionResult {
	return g.testConnection(ctx, func(ctx context.Context) error {
		req := &geminiRequest{
			Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: "Hi"}}}},
			GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: 1},
		}
		var resp geminiResponse
		return g.postJSON(ctx, g.endpoint(g.model(model), "generateContent", apiKey, false), http.Header{}, req, &resp)
	})
}

// SendMessage calls generateContent and returns the first candidate.
func (g *GoogleProvider) SendMessage(ctx context.Context, model, message string, cfg GenerationConfig) (*ChatResponse, error) {
	if !g.IsConfigured() {
		return nil, g.fail(notConfigured(g.desc.ID))
	}
	model = g.model(model)

	var resp geminiResponse
	if err := g.postJSON(ctx, g.endpoint(model, "generateContent", g.apiKey, false), http.Header{}, toGeminiRequest(message, cfg), &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, g.fail(&Error{Kind: KindUpstream, Provider: g.desc.ID, StatusCode: http.StatusOK, Message: "response contained no candidates"})
	}

	out := &ChatResponse{
		Content:      resp.text(),
		FinishReason: resp.Candidates[0].FinishReason,
		Provider:     g.desc.ID,
		Model:        model,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata.unified(); u != nil {
		out.Usage = *u
	}
	return out, nil
}

// StreamMessage calls streamGenerateContent?alt=sse. Gemini sends no
// [DONE] sentinel; the stream completes when the body ends.
func (g *GoogleProvider) StreamMessage(ctx context.Context, model, message string, cfg GenerationConfig) (<-chan StreamChunk, error) {
	if !g.IsConfigured() {
		return nil, g.fail(notConfigured(g.desc.ID))
	}
	streamURL := g.endpoint(g.model(model), "streamGenerateContent", g.apiKey, true)

	return g.openStream(ctx, streamURL, http.Header{}, toGeminiRequest(message, cfg), func(rec json.RawMessage) (delta, error) {
		var ev geminiResponse
		if err := json.Unmarshal(rec, &ev); err != nil {
			return delta{}, errSkip
		}
		if ev.Error != nil {
			return delta{}, &Error{Kind: KindUpstream, Provider: g.desc.ID, StatusCode: ev.Error.Code, Message: ev.Error.Message}
		}

		d := delta{content: ev.text(), usage: ev.UsageMetadata.unified()}
		if len(ev.Candidates) > 0 {
			d.finishReason = ev.Candidates[0].FinishReason
		}
		return d, nil
	})
}
