package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/howard-nolan/llmrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicSendMessage(t *testing.T) {
	var got anthropicRequest
	srv := jsonServer(t, http.StatusOK, `{
		"id": "msg_01",
		"model": "claude-haiku-4-5-20251001",
		"content": [
			{"type": "text", "text": "Hello"},
			{"type": "tool_use", "text": ""},
			{"type": "text", "text": " there"}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 3}
	}`, func(r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	p := NewAnthropicProvider(config.ProviderConfig{APIKey: "ak-test", BaseURL: srv.URL}, testOptions())
	cfg := DefaultGenerationConfig()
	cfg.SystemPrompt = "  Answer in French.  "

	resp, err := p.SendMessage(context.Background(), "", "Hi", cfg)
	require.NoError(t, err)

	assert.Equal(t, "Hello there", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, "claude-haiku-4-5-20251001", resp.Model)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, resp.Usage)

	assert.Equal(t, "Answer in French.", got.System)
	assert.Equal(t, 1024, got.MaxTokens)
	assert.Nil(t, got.TopP, "top_p is left out at its default")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestAnthropicStream(t *testing.T) {
	body := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_01\",\"model\":\"claude-haiku-4-5\",\"usage\":{\"input_tokens\":8,\"output_tokens\":1}}}\n\n" +
		"event: content_block_start\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
		"event: ping\n" +
		"data: {\"type\":\"ping\"}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n" +
		"event: content_block_stop\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	srv := sseServer(t, body, func(r *http.Request) {
		var req anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
	})

	p := NewAnthropicProvider(config.ProviderConfig{APIKey: "ak-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(context.Background(), "", "Hi", DefaultGenerationConfig())
	require.NoError(t, err)

	contents, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world"}, contents)
}

func TestAnthropicStreamCarriesUsageAndStopReason(t *testing.T) {
	body := "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":3}}\n\n" +
		"data: {\"type\":\"message_stop\"}\n\n"
	srv := sseServer(t, body, nil)

	p := NewAnthropicProvider(config.ProviderConfig{APIKey: "ak-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(context.Background(), "", "Hi", DefaultGenerationConfig())
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hi", chunks[0].Content)
	assert.Equal(t, "end_turn", chunks[0].FinishReason)
	assert.Equal(t, &Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}, chunks[0].Usage)
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	body := "event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
		"event: error\n" +
		"data: {\"type\":\"error\",\"error\":{\"type\":\"rate_limit_error\",\"message\":\"Number of requests has exceeded your rate limit\"}}\n\n"
	srv := sseServer(t, body, nil)

	p := NewAnthropicProvider(config.ProviderConfig{APIKey: "ak-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(context.Background(), "", "Hi", DefaultGenerationConfig())
	require.NoError(t, err)

	contents, err := collect(t, ch)
	assert.Equal(t, []string{"Hel"}, contents)
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestAnthropicRequestTopP(t *testing.T) {
	cfg := DefaultGenerationConfig()
	cfg.TopP = 0.9
	cfg.MaxTokens = 0

	req := toAnthropicRequest("claude-sonnet-4-5", "Hi", cfg)
	require.NotNil(t, req.TopP)
	assert.Equal(t, 0.9, *req.TopP)
	assert.Equal(t, 1024, req.MaxTokens)
}
