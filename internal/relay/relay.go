// Package relay turns one chat request into a stream of SSE events: it
// validates the request, picks native or simulated streaming for the
// chosen provider, and reports failures as a single error event.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmrelay/internal/metrics"
	"github.com/howard-nolan/llmrelay/internal/provider"
	"github.com/howard-nolan/llmrelay/internal/stream"
	"github.com/rs/zerolog"
)

// KindValidation is the error kind of events for rejected requests.
const KindValidation = "validation_error"

// Strategy names how a reply reaches the client.
type Strategy string

const (
	StrategyNative    Strategy = "native"
	StrategySimulated Strategy = "simulated"
	StrategyNone      Strategy = "none" // rejected before dispatch
)

// Outcome is how a relay call ended.
type Outcome string

const (
	OutcomeDone         Outcome = "done"
	OutcomeError        Outcome = "error"
	OutcomeRejected     Outcome = "rejected"
	OutcomeDisconnected Outcome = "disconnected"
)

// Emitter receives relay events. *stream.Writer is the production
// implementation.
type Emitter interface {
	Alive() bool
	Chunk(stream.ChunkEvent) error
	Done() error
	Error(stream.ErrorEvent) error
}

// Options tunes a Relay. A zero TokenDelay replays simulated tokens with
// no pause; the other zero values pick the defaults.
type Options struct {
	TokenDelay         time.Duration // pause between simulated tokens
	MaxMessageBytes    int
	MaxSystemPromptLen int
	Logger             zerolog.Logger
}

// Relay dispatches chat requests to providers. It holds no per-request
// state and is safe for concurrent use.
type Relay struct {
	registry        *provider.Registry
	tokenDelay      time.Duration
	maxMessageBytes int
	maxSystemPrompt int
	log             zerolog.Logger
	newID           func() string
}

// New returns a Relay over reg.
func New(reg *provider.Registry, opts Options) *Relay {
	r := &Relay{
		registry:        reg,
		tokenDelay:      opts.TokenDelay,
		maxMessageBytes: opts.MaxMessageBytes,
		maxSystemPrompt: opts.MaxSystemPromptLen,
		log:             opts.Logger,
		newID:           uuid.NewString,
	}
	if r.tokenDelay < 0 {
		r.tokenDelay = 0
	}
	if r.maxMessageBytes <= 0 {
		r.maxMessageBytes = 8192
	}
	if r.maxSystemPrompt <= 0 {
		r.maxSystemPrompt = provider.DefaultSystemPromptLen
	}
	return r
}

// Registry returns the provider registry the relay dispatches to.
func (r *Relay) Registry() *provider.Registry {
	return r.registry
}

// Stream runs one relay call, writing every event to em. Exactly one
// terminal event ({done:true} or an error) is written unless the client
// goes away first.
func (r *Relay) Stream(ctx context.Context, em Emitter, in Input) Outcome {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	req, err := r.Validate(in)
	if err != nil {
		r.log.Debug().Err(err).Str("provider", in.Provider).Msg("request rejected")
		_ = em.Error(ErrorEvent(err, in.Provider, in.Model))
		metrics.StreamsTotal.WithLabelValues(providerLabel(r.registry, in.Provider), string(StrategyNone), string(OutcomeRejected)).Inc()
		return OutcomeRejected
	}

	// Stops the adapter goroutine if we return before the channel closes.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	desc := req.Provider.Descriptor()
	c := call{
		Relay:  r,
		req:    req,
		em:     em,
		convID: r.newID(),
		model:  provider.ResolveModel(ctx, req.Provider, req.Model),
	}
	c.log = r.log.With().
		Str("conversation_id", c.convID).
		Str("provider", desc.ID).
		Str("model", c.model).
		Logger()

	var (
		strategy Strategy
		outcome  Outcome
	)
	if s, ok := provider.AsStreamer(req.Provider); ok {
		strategy = StrategyNative
		outcome = c.native(ctx, s)
	} else {
		strategy = StrategySimulated
		outcome = c.simulated(ctx)
	}

	c.log.Debug().Str("strategy", string(strategy)).Str("outcome", string(outcome)).Int("chunks", c.chunks).Msg("relay finished")
	metrics.StreamsTotal.WithLabelValues(desc.ID, string(strategy), string(outcome)).Inc()
	return outcome
}

// Send runs a single-shot call for POST /chat.
func (r *Relay) Send(ctx context.Context, in Input) (*provider.ChatResponse, error) {
	req, err := r.Validate(in)
	if err != nil {
		return nil, err
	}
	resp, err := req.Provider.SendMessage(ctx, req.Model, req.Message, req.Config)
	if err != nil {
		return nil, err
	}
	metrics.RecordUsage(resp.Provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

// call is the state of one dispatched relay call.
type call struct {
	*Relay
	req    *Request
	em     Emitter
	convID string
	model  string
	chunks int
	log    zerolog.Logger
}

func (c *call) native(ctx context.Context, s provider.Streamer) Outcome {
	ch, err := s.StreamMessage(ctx, c.model, c.req.Message, c.req.Config)
	if err != nil {
		return c.fail(ctx, err)
	}

	for chunk := range ch {
		if chunk.Err != nil {
			return c.fail(ctx, chunk.Err)
		}
		if !c.emit(chunk.Content, chunk.Usage, chunk.FinishReason, StrategyNative) {
			return OutcomeDisconnected
		}
	}
	return c.done()
}

// simulated buffers the whole reply, then replays it a token at a time.
func (c *call) simulated(ctx context.Context) Outcome {
	resp, err := c.req.Provider.SendMessage(ctx, c.model, c.req.Message, c.req.Config)
	if err != nil {
		return c.fail(ctx, err)
	}
	metrics.RecordUsage(resp.Provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if resp.Model != "" {
		c.model = resp.Model
	}

	tokens := Tokenize(resp.Content)
	for i, tok := range tokens {
		if i > 0 && !sleep(ctx, c.tokenDelay) {
			return OutcomeDisconnected
		}

		var (
			usage  *provider.Usage
			finish string
		)
		if i == len(tokens)-1 {
			usage = &resp.Usage
			finish = resp.FinishReason
		}
		if !c.emit(tok, usage, finish, StrategySimulated) {
			return OutcomeDisconnected
		}
	}
	return c.done()
}

// emit writes one chunk event. It reports false once the client is gone.
func (c *call) emit(content string, usage *provider.Usage, finish string, strategy Strategy) bool {
	if !c.em.Alive() {
		return false
	}
	err := c.em.Chunk(stream.ChunkEvent{
		Content:        content,
		Provider:       c.req.Provider.Descriptor().ID,
		Model:          c.model,
		ConversationID: c.convID,
		Usage:          usage,
		FinishReason:   finish,
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("client went away")
		return false
	}
	c.chunks++
	metrics.ChunksTotal.WithLabelValues(c.req.Provider.Descriptor().ID, string(strategy)).Inc()
	return true
}

func (c *call) done() Outcome {
	if !c.em.Alive() {
		return OutcomeDisconnected
	}
	if err := c.em.Done(); err != nil {
		return OutcomeDisconnected
	}
	return OutcomeDone
}

// fail reports err as the single error event of the call. A failure caused
// by the client leaving is not reported.
func (c *call) fail(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil || !c.em.Alive() {
		return OutcomeDisconnected
	}
	c.log.Warn().Err(err).Str("kind", string(provider.KindOf(err))).Msg("upstream call failed")
	if werr := c.em.Error(ErrorEvent(err, c.req.Provider.Descriptor().ID, c.model)); werr != nil {
		return OutcomeDisconnected
	}
	return OutcomeError
}

// ErrorEvent shapes err for the wire. Validation failures get kind
// validation_error; provider failures keep their classified kind.
func ErrorEvent(err error, providerID, model string) stream.ErrorEvent {
	var ve *ValidationError
	if errors.As(err, &ve) {
		ev := stream.ErrorEvent{
			Error:              ve.Title,
			Kind:               KindValidation,
			Message:            ve.Message,
			AvailableProviders: ve.AvailableProviders,
		}
		if ve.Field != "message" {
			ev.Provider = providerID
		}
		return ev
	}

	ev := stream.ErrorEvent{
		Error:    "Upstream error",
		Kind:     string(provider.KindUpstream),
		Message:  err.Error(),
		Provider: providerID,
		Model:    model,
	}
	if pe, ok := provider.AsError(err); ok {
		ev.Error = pe.Title()
		ev.Kind = string(pe.Kind)
		ev.Message = pe.Message
	}
	return ev
}

// providerLabel keeps arbitrary client input out of metric labels.
func providerLabel(reg *provider.Registry, id string) string {
	if _, ok := reg.Get(id); ok {
		return id
	}
	return "unknown"
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
