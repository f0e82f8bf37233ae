package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Kind classifies an adapter failure.
type Kind string

const (
	KindAuthentication Kind = "authentication_failed"
	KindRateLimited    Kind = "rate_limited"
	KindInvalidRequest Kind = "invalid_request"
	KindUnreachable    Kind = "unreachable"
	KindUpstream       Kind = "upstream_error"
)

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int    // upstream HTTP status, 0 for transport failures
	Message    string // upstream or local detail
	Err        error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Title())
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Title is the short user-facing description of the kind.
func (e *Error) Title() string {
	switch e.Kind {
	case KindAuthentication:
		return "Authentication failed"
	case KindRateLimited:
		return "Rate limit exceeded"
	case KindInvalidRequest:
		return "Invalid request"
	case KindUnreachable:
		return "Provider unreachable"
	default:
		return "Upstream error"
	}
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of a classified error, or KindUpstream for
// anything else.
func KindOf(err error) Kind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return KindUpstream
}

// statusError translates a non-2xx upstream response.
func statusError(provider string, status int, body []byte) *Error {
	e := &Error{
		Provider:   provider,
		StatusCode: status,
		Message:    upstreamMessage(body),
	}
	switch status {
	case http.StatusUnauthorized:
		e.Kind = KindAuthentication
	case http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case http.StatusBadRequest:
		e.Kind = KindInvalidRequest
	default:
		e.Kind = KindUpstream
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// redactURL strips the request URL from a *url.Error. Both
// http.NewRequest and Client.Do wrap failures in one, and the URL may
// carry an API key (Google takes its key as ?key=).
func redactURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// requestError classifies a failure to build the upstream request: a body
// that does not encode, or a base URL that does not parse. Nothing was
// sent, but the caller still gets a kind like any other adapter failure.
func requestError(provider string, err error) *Error {
	return &Error{
		Kind:     KindUpstream,
		Provider: provider,
		Message:  "invalid upstream request",
		Err:      redactURL(err),
	}
}

// transportError classifies a failure to reach the upstream at all.
// Refused connections, DNS failures and timeouts are all Unreachable.
func transportError(provider string, err error) *Error {
	err = redactURL(err)

	msg := "could not reach upstream"
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "upstream timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "upstream timed out"
	case errors.Is(err, context.Canceled):
		msg = "request cancelled"
	}
	return &Error{Kind: KindUnreachable, Provider: provider, Message: msg, Err: err}
}

// notConfigured is returned when the adapter has no credential.
func notConfigured(provider string) *Error {
	return &Error{
		Kind:     KindAuthentication,
		Provider: provider,
		Message:  "API key is not configured",
	}
}

// upstreamMessage pulls a human-readable message out of an error body.
// Vendors disagree on the shape:
//
//	{"error":{"message":"..."}}   OpenAI, Anthropic, Google, Groq, xAI
//	{"error":"..."}               LM Studio, some proxies
//	{"message":"..."}             Mistral
//	[{"error":{"message":"..."}}] Google streaming endpoints
func upstreamMessage(body []byte) string {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return ""
	}

	type errorBody struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}

	var eb errorBody
	if body[0] == '[' {
		var list []errorBody
		if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
			eb = list[0]
		}
	} else if err := json.Unmarshal(body, &eb); err != nil {
		return truncate(string(body), 200)
	}

	if len(eb.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(eb.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var s string
		if err := json.Unmarshal(eb.Error, &s); err == nil && s != "" {
			return s
		}
	}
	if eb.Message != "" {
		return eb.Message
	}
	return eb.Detail
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
