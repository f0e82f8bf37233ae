package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/howard-nolan/llmrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// configured returns a provider config with a key and an address that
// must never be dialled.
func configured(apiKey string) config.ProviderConfig {
	return config.ProviderConfig{APIKey: apiKey, BaseURL: "http://127.0.0.1:1"}
}

func TestOpenAISendMessageReplay(t *testing.T) {
	// testdata/openai_send.yaml holds a recorded chat completion.
	rec, err := recorder.New("testdata/openai_send",
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithMatcher(func(r *http.Request, i cassette.Request) bool {
			return r.Method == i.Method && r.URL.String() == i.URL
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Stop() })

	opts := testOptions()
	opts.Client = rec.GetDefaultClient()
	p := NewOpenAI(config.ProviderConfig{APIKey: "sk-test", BaseURL: "https://api.openai.com/v1"}, opts)

	resp, err := p.SendMessage(context.Background(), "", "Say hi", DefaultGenerationConfig())
	require.NoError(t, err)

	assert.Equal(t, "Test response", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model, "the model the upstream reports serving")
	assert.Equal(t, Usage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11}, resp.Usage)
}

func TestOpenAISendMessageRequestShape(t *testing.T) {
	var got chatRequest
	srv := jsonServer(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`, func(r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	p := NewOpenAI(config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}, testOptions())
	cfg := DefaultGenerationConfig()
	cfg.SystemPrompt = "Be brief."

	_, err := p.SendMessage(context.Background(), "gpt-4o", "Hello", cfg)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "Be brief."}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "Hello"}, got.Messages[1])
	assert.Equal(t, 1024, got.MaxTokens)
}

func TestOpenAISendMessageStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindAuthentication},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadRequest, KindInvalidRequest},
		{http.StatusBadGateway, KindUpstream},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := jsonServer(t, tt.status, `{"error":{"message":"nope"}}`, nil)
			p := NewOpenAI(config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}, testOptions())

			resp, err := p.SendMessage(context.Background(), "", "Hello", DefaultGenerationConfig())
			assert.Nil(t, resp)

			pe, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, "nope", pe.Message)
		})
	}
}

func TestSendMessageUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	p := NewMistral(config.ProviderConfig{APIKey: "m-key", BaseURL: srv.URL}, testOptions())
	_, err := p.SendMessage(context.Background(), "", "Hello", DefaultGenerationConfig())

	assert.Equal(t, KindUnreachable, KindOf(err))
}

func TestSendMessageNotConfigured(t *testing.T) {
	var hits atomic.Int32
	srv := jsonServer(t, http.StatusOK, `{}`, func(*http.Request) { hits.Add(1) })

	p := NewGroq(config.ProviderConfig{BaseURL: srv.URL}, testOptions())
	assert.False(t, p.IsConfigured())

	_, err := p.SendMessage(context.Background(), "", "Hello", DefaultGenerationConfig())
	assert.Equal(t, KindAuthentication, KindOf(err))

	_, err = p.StreamMessage(context.Background(), "", "Hello", DefaultGenerationConfig())
	assert.Equal(t, KindAuthentication, KindOf(err))

	assert.Zero(t, hits.Load(), "no request may be sent without a key")
}

func TestGroqStream(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: [DONE]\n\n"
	srv := sseServer(t, body, func(r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "llama-3.3-70b-versatile", req.Model)
	})

	p := NewGroq(config.ProviderConfig{APIKey: "gsk-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(context.Background(), "", "Hello", DefaultGenerationConfig())
	require.NoError(t, err)

	contents, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi"}, contents)
}

func TestStreamSkipsMalformedAndEmptyDeltas(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {not valid json\n\n" +
		": keep-alive\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"after done\"}}]}\n\n"
	srv := sseServer(t, body, nil)

	p := NewXAI(config.ProviderConfig{APIKey: "xai-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(context.Background(), "", "Hello", DefaultGenerationConfig())
	require.NoError(t, err)

	contents, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, contents)
}

func TestStreamUsageRidesOnLastChunk(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n" +
		"data: [DONE]\n\n"
	srv := sseServer(t, body, nil)

	p := NewMistral(config.ProviderConfig{APIKey: "m-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(context.Background(), "", "Hello", DefaultGenerationConfig())
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, StreamChunk{Content: "Hel"}, chunks[0])
	assert.Equal(t, StreamChunk{
		Content:      "lo",
		FinishReason: "stop",
		Usage:        &Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}, chunks[1])
}

func TestStreamInBandError(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n" +
		"data: {\"error\":{\"message\":\"model overloaded\"}}\n\n"
	srv := sseServer(t, body, nil)

	p := NewGroq(config.ProviderConfig{APIKey: "gsk-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(context.Background(), "", "Hello", DefaultGenerationConfig())
	require.NoError(t, err)

	contents, err := collect(t, ch)
	assert.Equal(t, []string{"partial"}, contents)

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUpstream, pe.Kind)
	assert.Equal(t, "model overloaded", pe.Message)
}

func TestStreamStatusErrorBeforeFirstByte(t *testing.T) {
	srv := jsonServer(t, http.StatusTooManyRequests, `{"error":{"message":"quota"}}`, nil)

	p := NewGroq(config.ProviderConfig{APIKey: "gsk-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(context.Background(), "", "Hello", DefaultGenerationConfig())

	assert.Nil(t, ch)
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestStreamIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	opts := testOptions()
	opts.Timeout = 100 * time.Millisecond
	p := NewGroq(config.ProviderConfig{APIKey: "gsk-test", BaseURL: srv.URL}, opts)

	ch, err := p.StreamMessage(context.Background(), "", "Hello", DefaultGenerationConfig())
	require.NoError(t, err)

	contents, err := collect(t, ch)
	assert.Equal(t, []string{"Hi"}, contents)

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnreachable, pe.Kind)
	assert.Equal(t, "upstream timed out", pe.Message)
}

func TestStreamCallerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// The adapter releases a chunk once the next one arrives, so two
		// are needed before "Hi" reaches the caller.
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewGroq(config.ProviderConfig{APIKey: "gsk-test", BaseURL: srv.URL}, testOptions())
	ch, err := p.StreamMessage(ctx, "", "Hello", DefaultGenerationConfig())
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "Hi", first.Content)

	cancel()
	contents, err := collect(t, ch)
	assert.Empty(t, contents)
	assert.NoError(t, err, "a cancelled caller gets no error chunk")
}

func TestTestConnectionUsesCallerKey(t *testing.T) {
	var req chatRequest
	srv := jsonServer(t, http.StatusOK, `{"choices":[{"message":{"content":"H"}}]}`, func(r *http.Request) {
		assert.Equal(t, "Bearer caller-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	})

	p := NewOpenAI(config.ProviderConfig{APIKey: "configured-key", BaseURL: srv.URL}, testOptions())
	res := p.TestConnection(context.Background(), "caller-key", "")

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.GreaterOrEqual(t, res.ResponseTimeMs, int64(0))
	assert.Equal(t, 1, req.MaxTokens)
}

func TestTestConnectionReportsFailure(t *testing.T) {
	srv := jsonServer(t, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided"}}`, nil)

	p := NewOpenAI(config.ProviderConfig{BaseURL: srv.URL}, testOptions())
	res := p.TestConnection(context.Background(), "bad-key", "")

	assert.False(t, res.Success)
	assert.Equal(t, "Authentication failed: Incorrect API key provided", res.Error)
}
