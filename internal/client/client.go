// Package client consumes the relay's SSE feed from Go. Client speaks the
// HTTP API; Conversation layers a chat transcript on top of it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/howard-nolan/llmrelay/internal/framing"
	"github.com/howard-nolan/llmrelay/internal/provider"
	"github.com/howard-nolan/llmrelay/internal/stream"
	"github.com/rs/zerolog"
)

// Request is one chat turn.
type Request struct {
	Message  string
	Provider string
	Model    string
	Config   *provider.GenerationConfig // nil uses the server defaults
}

// Event is one decoded relay event. Exactly one field is set.
type Event struct {
	Chunk *stream.ChunkEvent
	Done  bool
	Error *stream.ErrorEvent
	Err   error // the connection failed mid-stream
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for dropped events.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client talks to one relay server.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New returns a Client for the relay at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream opens GET /chat/stream and decodes its events. The channel is
// closed when the server ends the response or ctx is cancelled;
// cancelling ctx also tears down the connection.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	q := url.Values{}
	q.Set("message", req.Message)
	q.Set("provider", req.Provider)
	if req.Model != "" {
		q.Set("model", req.Model)
	}
	if req.Config != nil {
		cfg, err := json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		q.Set("config", string(cfg))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chat/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connecting to relay: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("relay returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reader := framing.NewReader(resp.Body, framing.WithDiscardHook(func(payload string) {
			c.log.Warn().Str("payload", payload).Msg("dropped malformed relay event")
		}))
		for {
			rec, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					select {
					case ch <- Event{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}

			ev, err := decodeEvent(rec)
			if err != nil {
				c.log.Warn().Err(err).Msg("dropped unrecognized relay event")
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// decodeEvent tells the three event shapes apart by their keys.
func decodeEvent(rec json.RawMessage) (Event, error) {
	var shape struct {
		Done  bool            `json:"done"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(rec, &shape); err != nil {
		return Event{}, err
	}

	switch {
	case shape.Done:
		return Event{Done: true}, nil
	case len(shape.Error) > 0:
		var ev stream.ErrorEvent
		if err := json.Unmarshal(rec, &ev); err != nil {
			return Event{}, err
		}
		return Event{Error: &ev}, nil
	default:
		var ev stream.ChunkEvent
		if err := json.Unmarshal(rec, &ev); err != nil {
			return Event{}, err
		}
		return Event{Chunk: &ev}, nil
	}
}

// ProviderInfo is one entry of GET /providers.
type ProviderInfo struct {
	provider.Descriptor
	Configured bool `json:"configured"`
}

// Providers lists the relay's providers.
func (c *Client) Providers(ctx context.Context) ([]ProviderInfo, error) {
	var out []ProviderInfo
	return out, c.getJSON(ctx, "/providers", &out)
}

// Models lists one provider's models.
func (c *Client) Models(ctx context.Context, providerID string) ([]provider.ModelInfo, error) {
	var out []provider.ModelInfo
	return out, c.getJSON(ctx, "/providers/"+url.PathEscape(providerID)+"/models", &out)
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var ev stream.ErrorEvent
		if json.NewDecoder(resp.Body).Decode(&ev) == nil && ev.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, ev.Error)
		}
		return fmt.Errorf("relay returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
