package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/howard-nolan/llmrelay/internal/provider"
	"github.com/howard-nolan/llmrelay/internal/relay"
	"github.com/howard-nolan/llmrelay/internal/stream"
	"github.com/samber/lo"
)

// chatBody is the JSON body of POST /chat and POST /chat/stream.
// message stays raw so a non-string can be told apart from a missing one;
// config is either an object or, like the query form, a JSON string.
type chatBody struct {
	Message  json.RawMessage `json:"message"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Config   json.RawMessage `json:"config"`
}

// providerInfo is one entry of GET /providers.
type providerInfo struct {
	provider.Descriptor
	Configured bool `json:"configured"`
}

// testConnectionBody is the JSON body of POST /providers/{id}/test.
type testConnectionBody struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model"`
}

var errBadBody = &relay.ValidationError{
	Title:   "Invalid request",
	Field:   "body",
	Message: "request body must be a JSON object",
}

// handleHealth is a liveness check that also lists configured providers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	configured := lo.FilterMap(s.relay.Registry().Providers(), func(p provider.Provider, _ int) (string, bool) {
		return p.Descriptor().ID, p.IsConfigured()
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": configured,
	})
}

// handleChatStream serves GET and POST /chat/stream as an SSE feed.
// Every failure, including a malformed request, is reported in-band as
// an error event. The SSE headers go out before the input is checked, so
// from here on the status is always 200 and the client learns about a bad
// request from the first event rather than from the status line.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	in, decodeErr := decodeInput(r)

	sw, err := stream.NewWriter(r.Context(), w)
	if err != nil {
		s.log.Error().Err(err).Msg("cannot stream response")
		writeError(w, http.StatusInternalServerError, stream.ErrorEvent{Error: "Streaming unsupported", Kind: string(provider.KindUpstream)})
		return
	}

	if decodeErr != nil {
		_ = sw.Error(relay.ErrorEvent(decodeErr, "", ""))
		return
	}
	outcome := s.relay.Stream(r.Context(), sw, in)
	s.log.Debug().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("provider", in.Provider).
		Str("outcome", string(outcome)).
		Int("events", sw.Events()).
		Msg("stream closed")
}

// handleChat serves POST /chat: one complete reply as JSON.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err == nil {
		var resp *provider.ChatResponse
		resp, err = s.relay.Send(r.Context(), in)
		if err == nil {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn().Err(err).Str("provider", in.Provider).Msg("chat request failed")
	}
	writeError(w, status, relay.ErrorEvent(err, in.Provider, in.Model))
}

// handleListProviders returns every registered provider in order.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	infos := lo.Map(s.relay.Registry().Providers(), func(p provider.Provider, _ int) providerInfo {
		return providerInfo{Descriptor: p.Descriptor(), Configured: p.IsConfigured()}
	})
	writeJSON(w, http.StatusOK, infos)
}

// handleListModels returns one provider's model catalogue.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}

	models, err := p.ListModels(r.Context())
	if err != nil {
		writeError(w, statusFor(err), relay.ErrorEvent(err, p.Descriptor().ID, ""))
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// handleTestConnection checks a caller-supplied key against the provider.
// The outcome is always 200 with success false on failure.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var body testConnectionBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, relay.ErrorEvent(errBadBody, p.Descriptor().ID, ""))
		return
	}

	writeJSON(w, http.StatusOK, p.TestConnection(r.Context(), body.APIKey, body.Model))
}

// lookup resolves the {id} URL parameter, answering 404 when unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (provider.Provider, bool) {
	id := chi.URLParam(r, "id")
	p, ok := s.relay.Registry().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, stream.ErrorEvent{
			Error:              "Unknown provider",
			Kind:               relay.KindValidation,
			Provider:           id,
			AvailableProviders: s.relay.Registry().IDs(),
		})
	}
	return p, ok
}

// decodeInput reads a chat request from the query string (GET) or the
// JSON body (POST).
func decodeInput(r *http.Request) (relay.Input, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		in := relay.Input{
			Provider: q.Get("provider"),
			Model:    q.Get("model"),
			Config:   json.RawMessage(q.Get("config")),
		}
		if q.Has("message") {
			msg := q.Get("message")
			in.Message = &msg
		}
		return in, nil
	}

	var body chatBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return relay.Input{}, errBadBody
	}

	in := relay.Input{Provider: body.Provider, Model: body.Model, Config: body.Config}
	if len(body.Message) > 0 && body.Message[0] == '"' {
		var msg string
		if err := json.Unmarshal(body.Message, &msg); err == nil {
			in.Message = &msg
		}
	}
	if len(body.Config) > 0 && body.Config[0] == '"' {
		var raw string
		if err := json.Unmarshal(body.Config, &raw); err == nil {
			in.Config = json.RawMessage(raw)
		}
	}
	return in, nil
}

// statusFor maps a relay or provider error onto an HTTP status.
func statusFor(err error) int {
	var ve *relay.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	switch provider.KindOf(err) {
	case provider.KindInvalidRequest:
		return http.StatusBadRequest
	case provider.KindAuthentication:
		return http.StatusUnauthorized
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindUnreachable:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, ev stream.ErrorEvent) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	writeJSON(w, status, ev)
}
