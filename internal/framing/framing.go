// Package framing reassembles "data: <json>" event-stream lines from
// arbitrarily split upstream response bodies.
//
// Upstream streaming APIs send newline-delimited records:
//
//	data: {"choices":[{"delta":{"content":"Hi"}}]}
//
//	data: [DONE]
//
// but reads from an HTTP body can end anywhere, including inside the
// "data: " prefix or in the middle of a JSON value. The Parser keeps the
// unterminated tail between reads so the line sequence it sees is the
// same no matter how the bytes were chunked.
//
// Each read is scanned once. Only the bytes of the current read are
// searched for a newline and the held tail is joined onto the first line
// found, so a line delivered one byte at a time costs linear time. The
// tail is capped: a line that outgrows MaxLineBytes is dropped and
// counted as discarded, and parsing resumes after its newline.
package framing

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

const (
	dataPrefix = "data: "

	// DoneLine is the sentinel line that ends an upstream stream.
	DoneLine = "data: [DONE]"

	// MaxLineBytes is the default cap on a single line.
	MaxLineBytes = 1 << 20
)

// Parser is an incremental line parser. The zero value is ready to use.
// A Parser is owned by a single stream and is not safe for concurrent use.
type Parser struct {
	// carry holds the unterminated tail of the last chunk. It never
	// contains a '\n'.
	carry     []byte
	skipping  bool // inside an overlong line, waiting for its newline
	done      bool
	discarded int

	// MaxLine caps the length of one line. Zero means MaxLineBytes.
	MaxLine int

	// OnDiscard, if set, is called with the payload of every data line
	// dropped because it was not valid JSON.
	OnDiscard func(payload string)
}

// Feed consumes one raw chunk and returns the JSON payloads of every
// complete data line in it, in order. Once the [DONE] sentinel has been
// seen, the rest of the chunk and all later chunks are ignored.
func (p *Parser) Feed(chunk []byte) []json.RawMessage {
	if p.done {
		return nil
	}

	var out []json.RawMessage
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.hold(chunk)
			break
		}
		seg := chunk[:i]
		chunk = chunk[i+1:]

		if p.skipping {
			// The newline ends the overlong line that was already counted.
			p.skipping = false
			continue
		}

		var line string
		if len(p.carry) > 0 {
			line = string(p.carry) + string(seg)
			p.carry = p.carry[:0]
		} else {
			line = string(seg)
		}
		if len(line) > p.maxLine() {
			p.discarded++
			continue
		}

		rec, done := p.line(line)
		if done {
			p.finish()
			return out
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// hold keeps an unterminated tail for the next Feed, dropping it once it
// outgrows the line cap.
func (p *Parser) hold(b []byte) {
	if p.skipping {
		return
	}
	if len(p.carry)+len(b) > p.maxLine() {
		p.carry = nil
		p.skipping = true
		p.discarded++
		return
	}
	p.carry = append(p.carry, b...)
}

func (p *Parser) maxLine() int {
	if p.MaxLine > 0 {
		return p.MaxLine
	}
	return MaxLineBytes
}

// Flush handles end of body. A residual unterminated line is processed
// as if it had a trailing newline, then the parser completes.
func (p *Parser) Flush() []json.RawMessage {
	if p.done {
		return nil
	}
	rest := string(p.carry)
	p.finish()

	if rest == "" {
		return nil
	}
	if rec, _ := p.line(rest); rec != nil {
		return []json.RawMessage{rec}
	}
	return nil
}

// Reset abandons any buffered tail and marks the parser complete. Used
// when the underlying body fails.
func (p *Parser) Reset() {
	p.finish()
}

// Done reports whether the stream has completed.
func (p *Parser) Done() bool {
	return p.done
}

// Discarded returns how many lines were dropped, either as malformed
// JSON or for exceeding the line cap.
func (p *Parser) Discarded() int {
	return p.discarded
}

func (p *Parser) finish() {
	p.done = true
	p.carry = nil
	p.skipping = false
}

// line classifies one complete line. It returns the JSON payload for a
// valid data line, done=true for the sentinel, and nil otherwise.
func (p *Parser) line(line string) (json.RawMessage, bool) {
	line = strings.TrimSuffix(line, "\r")

	if line == DoneLine {
		return nil, true
	}
	if !strings.HasPrefix(line, dataPrefix) {
		// Blank separators, event:/id: fields and comments.
		return nil, false
	}

	payload := strings.TrimPrefix(line, dataPrefix)
	if !json.Valid([]byte(payload)) {
		// Partial or corrupt JSON mid-stream is expected; drop the line
		// and keep going.
		p.discarded++
		if p.OnDiscard != nil {
			p.OnDiscard(payload)
		}
		return nil, false
	}
	return json.RawMessage(payload), false
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// Option configures a Reader.
type Option func(*Reader)

// WithDiscardHook sets the callback invoked for every malformed data line.
func WithDiscardHook(fn func(payload string)) Option {
	return func(r *Reader) { r.parser.OnDiscard = fn }
}

// WithMaxLineBytes caps the length of one line.
func WithMaxLineBytes(n int) Option {
	return func(r *Reader) { r.parser.MaxLine = n }
}

// WithBufferSize sets the size of each read from the source. Mostly
// useful in tests to force small chunks.
func WithBufferSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

// Reader pulls records out of an event-stream body.
type Reader struct {
	src     io.Reader
	parser  *Parser
	buf     []byte
	pending []json.RawMessage
	err     error
}

// NewReader wraps src. The caller remains responsible for closing it.
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		src:    src,
		parser: &Parser{},
		buf:    make([]byte, 4096),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the next JSON record. It returns io.EOF once the stream
// has completed, either at the [DONE] sentinel or at end of body, and
// keeps returning it afterwards. Any other error comes from the source.
func (r *Reader) Next() (json.RawMessage, error) {
	for {
		if len(r.pending) > 0 {
			rec := r.pending[0]
			r.pending = r.pending[1:]
			return rec, nil
		}
		if r.err != nil {
			return nil, r.err
		}
		if r.parser.Done() {
			r.err = io.EOF
			continue
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.parser.Feed(r.buf[:n])...)
		}
		switch {
		case err == io.EOF:
			r.pending = append(r.pending, r.parser.Flush()...)
			r.err = io.EOF
		case err != nil:
			r.parser.Reset()
			r.err = err
		}
	}
}

// Discarded returns how many lines the parser dropped.
func (r *Reader) Discarded() int {
	return r.parser.Discarded()
}
