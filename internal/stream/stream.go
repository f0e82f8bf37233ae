// Package stream writes relay events to the client as Server-Sent Events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/howard-nolan/llmrelay/internal/provider"
)

// ---------------------------------------------------------------------------
// Wire events
// ---------------------------------------------------------------------------

// Every event is written as one "data: {json}\n\n" block. There are three
// shapes, told apart by their keys:
//
//	data: {"content":"Hi","provider":"groq","model":"...","conversationId":"..."}
//	data: {"done":true}
//	data: {"error":"Rate limit exceeded","kind":"rate_limited",...}

// ChunkEvent carries one content delta.
type ChunkEvent struct {
	Content        string          `json:"content"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	ConversationID string          `json:"conversationId"`
	Usage          *provider.Usage `json:"usage,omitempty"`
	FinishReason   string          `json:"finishReason,omitempty"`
}

// DoneEvent terminates a successful stream.
type DoneEvent struct {
	Done bool `json:"done"`
}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Error              string   `json:"error"`
	Kind               string   `json:"kind"`
	Message            string   `json:"message,omitempty"`
	Provider           string   `json:"provider,omitempty"`
	Model              string   `json:"model,omitempty"`
	AvailableProviders []string `json:"availableProviders,omitempty"`
	Timestamp          string   `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

// ErrClosed is returned once the client has gone away or a previous write
// failed. Nothing more is written after that.
var ErrClosed = errors.New("stream closed")

// Writer emits events on one SSE response. It is not safe for concurrent
// use; a relay call owns its Writer.
type Writer struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
	events  int
}

// NewWriter sends the SSE headers and flushes them so the client sees the
// stream open before the first token arrives. ctx is the request context;
// once it is cancelled the Writer stops writing.
func NewWriter(ctx context.Context, w http.ResponseWriter) (*Writer, error) {
	// Without Flush every event would sit in the server's buffer until
	// the handler returns.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{ctx: ctx, w: w, flusher: flusher}, nil
}

// Alive reports whether the client is still there and every write so far
// has succeeded.
func (s *Writer) Alive() bool {
	return s.err == nil && s.ctx.Err() == nil
}

// Events returns how many events were written.
func (s *Writer) Events() int {
	return s.events
}

// Chunk writes a content delta.
func (s *Writer) Chunk(ev ChunkEvent) error {
	return s.send(ev)
}

// Done writes the {"done":true} terminator.
func (s *Writer) Done() error {
	return s.send(DoneEvent{Done: true})
}

// Error writes an error event, stamping it with the current time if the
// caller left Timestamp empty.
func (s *Writer) Error(ev ErrorEvent) error {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return s.send(ev)
}

// send writes one event block and flushes it.
//
// The first failure is sticky. Once the request context is cancelled or a
// write returns an error, s.err is set and every later call returns it
// without touching the connection. A write that failed halfway may have
// left a partial "data:" line on the wire, and writing another event
// after it would splice two payloads into one unparseable line, so the
// stream is treated as closed from then on. Callers check Alive before
// doing upstream work so a vanished client stops the relay early. A
// marshal failure is not sticky since nothing reached the wire.
func (s *Writer) send(v any) error {
	if s.err != nil {
		return s.err
	}
	if err := s.ctx.Err(); err != nil {
		s.err = fmt.Errorf("%w: %w", ErrClosed, err)
		return s.err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling SSE event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.err = fmt.Errorf("%w: writing SSE event: %w", ErrClosed, err)
		return s.err
	}
	s.flusher.Flush()
	s.events++
	return nil
}
