package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/howard-nolan/llmrelay/internal/provider"
)

// Input is one chat request as it arrives from the client, before any
// checking. Message is nil when the client sent none or sent a non-string.
type Input struct {
	Message  *string
	Provider string
	Model    string
	Config   json.RawMessage // GenerationConfig as JSON; empty means defaults
}

// Request is a validated Input, ready for dispatch.
type Request struct {
	Message  string
	Provider provider.Provider
	Model    string
	Config   provider.GenerationConfig
}

// ValidationError rejects a request before any upstream call.
type ValidationError struct {
	Title              string // short, user-facing
	Field              string // message, provider or config
	Message            string
	AvailableProviders []string // set for unknown providers
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Sanitize drops invalid UTF-8 and control characters other than newline
// and tab, then trims surrounding whitespace.
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// ParseConfig decodes raw over the defaults and validates the result.
// Fields the client leaves out keep their default value.
func ParseConfig(raw json.RawMessage, maxSystemPrompt int) (provider.GenerationConfig, error) {
	cfg := provider.DefaultGenerationConfig()

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return cfg, nil
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, &ValidationError{
			Title:   "Invalid configuration",
			Field:   "config",
			Message: "config must be a JSON object of generation settings",
		}
	}
	cfg.SystemPrompt = Sanitize(cfg.SystemPrompt)

	if err := cfg.Validate(maxSystemPrompt); err != nil {
		return cfg, &ValidationError{
			Title:   "Invalid configuration",
			Field:   "config",
			Message: err.Error(),
		}
	}
	return cfg, nil
}

// Validate checks in against the registry and the relay's limits.
func (r *Relay) Validate(in Input) (*Request, error) {
	if in.Message == nil {
		return nil, &ValidationError{Title: "Invalid request", Field: "message", Message: "message is required and must be a string"}
	}
	msg := Sanitize(*in.Message)
	if msg == "" {
		return nil, &ValidationError{Title: "Invalid request", Field: "message", Message: "message cannot be empty"}
	}
	if len(msg) > r.maxMessageBytes {
		return nil, &ValidationError{
			Title:   "Invalid request",
			Field:   "message",
			Message: fmt.Sprintf("message exceeds %d bytes", r.maxMessageBytes),
		}
	}

	p, ok := r.registry.Get(in.Provider)
	if !ok {
		return nil, &ValidationError{
			Title:              "Unknown provider",
			Field:              "provider",
			Message:            fmt.Sprintf("provider %q is not supported", in.Provider),
			AvailableProviders: r.registry.IDs(),
		}
	}
	if !p.IsConfigured() {
		return nil, &ValidationError{
			Title:   "Provider not configured",
			Field:   "provider",
			Message: fmt.Sprintf("%s is not configured on this server", p.Descriptor().DisplayName),
		}
	}

	cfg, err := ParseConfig(in.Config, r.maxSystemPrompt)
	if err != nil {
		return nil, err
	}

	return &Request{
		Message:  msg,
		Provider: p,
		Model:    strings.TrimSpace(in.Model),
		Config:   cfg,
	}, nil
}
