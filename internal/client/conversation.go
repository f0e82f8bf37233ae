package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/howard-nolan/llmrelay/internal/provider"
	"github.com/rs/zerolog"
)

// Role says who authored a bubble.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNothingToRetry = errors.New("no failed message to retry")
)

// errEndedEarly is shown when the server closes a stream with neither a
// done nor an error event.
const errEndedEarly = "Connection closed before the reply finished"

// Bubble is one entry of the transcript.
type Bubble struct {
	Role        Role
	Content     string
	Typing      bool // reply still arriving
	Error       string
	Retryable   bool
	Interrupted bool // superseded by a newer message
	Provider    string
	Model       string
	Usage       *provider.Usage
	Timestamp   time.Time
}

// Streamer opens one relay stream. *Client implements it.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// OnChange registers fn to receive a copy of the transcript after every
// change. Calls are serialized and arrive in the order the changes were
// made. fn runs on the goroutine that made the change, must not block for
// long, and must not call back into the Conversation except Snapshot.
func OnChange(fn func([]Bubble)) ConversationOption {
	return func(c *Conversation) { c.onChange = fn }
}

// WithGenerationConfig sets the config sent with every turn.
func WithGenerationConfig(cfg *provider.GenerationConfig) ConversationOption {
	return func(c *Conversation) { c.config = cfg }
}

// WithConversationLogger sets the logger for stream failures.
func WithConversationLogger(log zerolog.Logger) ConversationOption {
	return func(c *Conversation) { c.log = log }
}

// Conversation is a chat transcript fed by relay streams. At most one turn
// is open at a time: sending while a reply is still arriving cancels it,
// and anything the old stream still delivers is ignored.
//
// Every turn gets a number from a counter bumped by Send, Retry and
// Close. The goroutine reading a stream carries the number it was started
// with and every event it applies is checked against the current value
// under mu. Cancelling the old context is not enough on its own: events
// already buffered on the old channel, or decoded just before the cancel
// landed, would otherwise still reach the transcript and write into a
// bubble that now belongs to a newer reply.
//
// Two locks are involved. mu guards the transcript. notifyMu is taken
// first and held until onChange returns, so a snapshot taken under mu can
// never be overtaken by a later one on its way to the listener.
type Conversation struct {
	streamer Streamer
	config   *provider.GenerationConfig
	onChange func([]Bubble)
	log      zerolog.Logger

	notifyMu sync.Mutex

	mu       sync.Mutex
	provider string
	model    string
	bubbles  []Bubble
	turn     uint64
	open     int // index of the typing bubble, -1 when none
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConversation starts an empty transcript talking to providerID.
func NewConversation(s Streamer, providerID, model string, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		streamer: s,
		provider: providerID,
		model:    model,
		open:     -1,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetProvider switches the provider and model used by later turns.
func (c *Conversation) SetProvider(providerID, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = providerID
	c.model = model
}

// Send appends message as a user bubble and starts streaming the reply.
// It does not wait for the reply.
func (c *Conversation) Send(message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.bubbles = append(c.bubbles, Bubble{
		Role:      RoleUser,
		Content:   message,
		Timestamp: time.Now(),
	})
	snap := c.start(message)
	c.mu.Unlock()

	c.notify(snap)
	return nil
}

// Retry resends the user message whose reply failed. The error bubble is
// replaced by a fresh reply; no new user bubble is added.
func (c *Conversation) Retry() error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	n := len(c.bubbles)
	if n < 2 || c.open >= 0 {
		c.mu.Unlock()
		return ErrNothingToRetry
	}
	last, prev := c.bubbles[n-1], c.bubbles[n-2]
	if last.Role != RoleAssistant || !last.Retryable || prev.Role != RoleUser {
		c.mu.Unlock()
		return ErrNothingToRetry
	}

	c.bubbles = c.bubbles[:n-1]
	snap := c.start(prev.Content)
	c.mu.Unlock()

	c.notify(snap)
	return nil
}

// Snapshot returns a copy of the transcript.
func (c *Conversation) Snapshot() []Bubble {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Wait blocks until every stream started so far has finished.
func (c *Conversation) Wait() {
	c.wg.Wait()
}

// Close cancels the open turn, if any, and waits for it to finish.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.interrupt()
	c.turn++
	c.mu.Unlock()
	c.Wait()
}

// start opens a new turn for message. It interrupts the open turn first,
// then bumps the turn counter so the old reader's remaining events fail
// the check in apply. The reader goroutine is handed the index of its
// bubble rather than a pointer because later appends may reallocate the
// slice. c.mu must be held.
func (c *Conversation) start(message string) []Bubble {
	c.interrupt()

	c.turn++
	c.bubbles = append(c.bubbles, Bubble{
		Role:     RoleAssistant,
		Typing:   true,
		Provider: c.provider,
		Model:    c.model,
	})
	c.open = len(c.bubbles) - 1

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	req := Request{Message: message, Provider: c.provider, Model: c.model, Config: c.config}
	c.wg.Add(1)
	go c.run(ctx, c.turn, c.open, req)

	return c.snapshot()
}

// interrupt cancels the open turn and marks its bubble as interrupted,
// keeping whatever content already arrived. It does not bump the turn
// counter; callers do. c.mu must be held.
func (c *Conversation) interrupt() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.open >= 0 {
		b := &c.bubbles[c.open]
		b.Typing = false
		b.Interrupted = true
		b.Timestamp = time.Now()
		c.open = -1
	}
}

func (c *Conversation) run(ctx context.Context, turn uint64, idx int, req Request) {
	defer c.wg.Done()

	events, err := c.streamer.Stream(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Str("provider", req.Provider).Msg("stream failed to open")
		}
		c.apply(turn, idx, func(b *Bubble) bool {
			c.failBubble(b, err.Error())
			return true
		})
		return
	}

	finished := false
	for ev := range events {
		if finished {
			continue
		}
		c.apply(turn, idx, func(b *Bubble) bool {
			switch {
			case ev.Chunk != nil:
				b.Content += ev.Chunk.Content
				if ev.Chunk.Provider != "" {
					b.Provider = ev.Chunk.Provider
				}
				if ev.Chunk.Model != "" {
					b.Model = ev.Chunk.Model
				}
				if ev.Chunk.Usage != nil {
					u := *ev.Chunk.Usage
					b.Usage = &u
				}
				return false
			case ev.Done:
				b.Typing = false
				b.Timestamp = time.Now()
				finished = true
				return true
			case ev.Error != nil:
				msg := ev.Error.Error
				if ev.Error.Message != "" {
					msg += ": " + ev.Error.Message
				}
				c.failBubble(b, msg)
				finished = true
				return true
			case ev.Err != nil:
				c.failBubble(b, ev.Err.Error())
				finished = true
				return true
			}
			return false
		})
	}

	if !finished {
		c.apply(turn, idx, func(b *Bubble) bool {
			c.failBubble(b, errEndedEarly)
			return true
		})
	}
}

func (c *Conversation) failBubble(b *Bubble, msg string) {
	b.Typing = false
	b.Error = msg
	b.Retryable = true
	b.Timestamp = time.Now()
}

// apply runs fn against the bubble at idx if turn is still current. fn
// reports whether the turn is over, in which case the turn's context is
// released. Events from a superseded turn are dropped without a
// notification.
func (c *Conversation) apply(turn uint64, idx int, fn func(*Bubble) bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if turn != c.turn || idx >= len(c.bubbles) {
		c.mu.Unlock()
		return
	}
	if fn(&c.bubbles[idx]) {
		c.open = -1
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	snap := c.snapshot()
	c.mu.Unlock()

	c.notify(snap)
}

func (c *Conversation) snapshot() []Bubble {
	out := make([]Bubble, len(c.bubbles))
	copy(out, c.bubbles)
	return out
}

func (c *Conversation) notify(snap []Bubble) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}
