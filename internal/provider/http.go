package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/howard-nolan/llmrelay/internal/cache"
	"github.com/howard-nolan/llmrelay/internal/framing"
	"github.com/howard-nolan/llmrelay/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds connect, response headers, single-shot calls and
// idle gaps in a stream.
const DefaultTimeout = 30 * time.Second

// Options carries the shared dependencies every adapter constructor takes.
type Options struct {
	Client   *http.Client
	Timeout  time.Duration
	Logger   zerolog.Logger
	Cache    cache.Cache   // used by adapters that fetch catalogues
	CacheTTL time.Duration // zero means five minutes
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Client == nil {
		o.Client = NewHTTPClient(o.Timeout)
	}
	if o.Cache == nil {
		o.Cache = cache.NewMemory()
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	return o
}

// NewHTTPClient returns a client whose transport gives up on connects and
// response headers after timeout. It sets no overall Client.Timeout,
// since that would also cut off long-running streams.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// ---------------------------------------------------------------------------
// base: plumbing shared by every adapter
// ---------------------------------------------------------------------------

type base struct {
	desc    Descriptor
	apiKey  string
	client  *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

func newBase(desc Descriptor, apiKey string, opts Options) base {
	return base{
		desc:    desc,
		apiKey:  apiKey,
		client:  opts.Client,
		timeout: opts.Timeout,
		log:     opts.Logger.With().Str("provider", desc.ID).Logger(),
	}
}

func (b *base) Descriptor() Descriptor { return b.desc }

func (b *base) IsConfigured() bool {
	return !b.desc.RequiresAPIKey || b.apiKey != ""
}

func (b *base) model(model string) string {
	if model == "" {
		return b.desc.DefaultModel
	}
	return model
}

// fail records a classified error and returns it.
func (b *base) fail(err *Error) *Error {
	metrics.UpstreamErrorsTotal.WithLabelValues(b.desc.ID, string(err.Kind)).Inc()
	b.log.Debug().Err(err).Str("kind", string(err.Kind)).Msg("upstream call failed")
	return err
}

// post sends a JSON body and returns the response if the status is 2xx.
// Any other status is read, closed and classified.
func (b *base) post(ctx context.Context, url string, header http.Header, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, b.fail(requestError(b.desc.ID, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, b.fail(requestError(b.desc.ID, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	return b.do(req)
}

func (b *base) do(req *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.fail(transportError(b.desc.ID, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, b.fail(statusError(b.desc.ID, resp.StatusCode, errBody))
	}
	return resp, nil
}

// postJSON is the single-shot path: POST, then decode the whole reply
// into dst, all under one deadline.
func (b *base) postJSON(ctx context.Context, url string, header http.Header, body, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	resp, err := b.post(ctx, url, header, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		if ctx.Err() != nil {
			return b.fail(transportError(b.desc.ID, ctx.Err()))
		}
		return b.fail(&Error{
			Kind:       KindUpstream,
			Provider:   b.desc.ID,
			StatusCode: resp.StatusCode,
			Message:    "malformed response body",
			Err:        err,
		})
	}
	metrics.UpstreamLatency.WithLabelValues(b.desc.ID, "send").Observe(time.Since(start).Seconds())
	return nil
}

// getJSON fetches url and decodes the reply into dst.
func (b *base) getJSON(ctx context.Context, url string, header http.Header, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return b.fail(requestError(b.desc.ID, err))
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return b.fail(&Error{Kind: KindUpstream, Provider: b.desc.ID, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err})
	}
	return nil
}

// testConnection times fn and folds any error into the result.
func (b *base) testConnection(ctx context.Context, fn func(ctx context.Context) error) ConnectionResult {
	start := time.Now()
	err := fn(ctx)
	res := ConnectionResult{
		Success:        err == nil,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		if pe, ok := AsError(err); ok {
			res.Error = pe.Title()
			if pe.Message != "" {
				res.Error += ": " + pe.Message
			}
		}
	}
	return res
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// delta is what an adapter extracts from one upstream record.
type delta struct {
	content      string
	finishReason string
	usage        *Usage
}

var (
	// errSkip marks a record that parsed as JSON but not into the
	// adapter's event shape. It is counted like a malformed line.
	errSkip = errors.New("unrecognized stream record")

	// errStop marks an upstream end-of-message event.
	errStop = errors.New("end of upstream message")
)

// extractFunc converts one record into a delta. It returns errSkip,
// errStop, or a *Error for in-band upstream failures.
type extractFunc func(rec json.RawMessage) (delta, error)

// openStream POSTs body and, on a 2xx reply, starts a goroutine that runs
// the response through the frame parser and sends every non-empty content
// delta on the returned channel.
//
// Upstreams report usage and the finish reason on records that carry no
// text (Anthropic's message_delta, the last OpenAI chunk). To get those to
// the client without ever emitting an empty chunk, the most recent content
// chunk is held back until the next one arrives or the stream ends, and
// any metadata seen in between is attached to it. The client therefore
// lags the upstream by one record, and the last chunk it receives carries
// usage and finish reason, the same as a simulated stream.
func (b *base) openStream(ctx context.Context, url string, header http.Header, body any, extract extractFunc) (<-chan StreamChunk, error) {
	// The watchdog cancels this context when upstream goes quiet for
	// longer than the timeout.
	streamCtx, cancel := context.WithCancel(ctx)

	start := time.Now()
	resp, err := b.post(streamCtx, url, header, body)
	if err != nil {
		cancel()
		return nil, err
	}
	metrics.UpstreamLatency.WithLabelValues(b.desc.ID, "stream").Observe(time.Since(start).Seconds())

	dog := newIdleWatchdog(b.timeout, cancel)
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer cancel()
		defer dog.stop()
		defer resp.Body.Close()

		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var held *StreamChunk
		flush := func() bool {
			if held == nil {
				return true
			}
			c := *held
			held = nil
			return send(c)
		}
		// failWith delivers whatever content was already received before
		// the error, so the client sees the partial reply and then one
		// error.
		failWith := func(pe *Error) {
			if flush() {
				send(StreamChunk{Err: b.fail(pe)})
			}
		}

		reader := framing.NewReader(&watchedBody{r: resp.Body, dog: dog},
			framing.WithDiscardHook(func(payload string) {
				metrics.ParseDiscardsTotal.WithLabelValues(b.desc.ID).Inc()
				b.log.Debug().Str("payload", truncate(payload, 120)).Msg("discarded malformed stream line")
			}),
		)
		defer func() {
			if n := reader.Discarded(); n > 0 {
				b.log.Debug().Int("discarded", n).Msg("stream finished with malformed lines")
			}
		}()

		for {
			rec, err := reader.Next()
			if errors.Is(err, io.EOF) {
				flush()
				return
			}
			if err != nil {
				if dog.fired() {
					err = context.DeadlineExceeded
				}
				if ctx.Err() == nil {
					failWith(transportError(b.desc.ID, err))
				}
				return
			}

			d, err := extract(rec)
			switch {
			case errors.Is(err, errStop):
				flush()
				return
			case errors.Is(err, errSkip):
				metrics.ParseDiscardsTotal.WithLabelValues(b.desc.ID).Inc()
				continue
			case err != nil:
				var pe *Error
				if !errors.As(err, &pe) {
					pe = &Error{Kind: KindUpstream, Provider: b.desc.ID, Err: err}
				}
				failWith(pe)
				return
			}

			if d.usage != nil {
				metrics.RecordUsage(b.desc.ID, d.usage.PromptTokens, d.usage.CompletionTokens)
			}
			if d.content == "" {
				// Metadata only. Nothing precedes the first content
				// chunk that a client could display it on, so it is
				// dropped in that case.
				if held != nil {
					if d.finishReason != "" {
						held.FinishReason = d.finishReason
					}
					if d.usage != nil {
						held.Usage = d.usage
					}
				}
				continue
			}
			if !flush() {
				return
			}
			held = &StreamChunk{Content: d.content, FinishReason: d.finishReason, Usage: d.usage}
		}
	}()

	return ch, nil
}

// idleWatchdog cancels a stream when no bytes arrive for timeout.
//
// A streamed reply can legitimately run for minutes, so the client-wide
// timeout cannot bound it. What the watchdog bounds instead is silence:
// every successful read pushes the deadline out again, and only an
// upstream that stops sending mid-reply trips it. When it fires it
// cancels the request context, which unblocks the pending body read with
// a context error. The reader goroutine then asks fired() to tell this
// case apart from the caller going away, because only the former is
// reported to the client as a timeout.
type idleWatchdog struct {
	timer   *time.Timer
	timeout time.Duration
	hit     atomic.Bool
}

func newIdleWatchdog(timeout time.Duration, cancel context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.hit.Store(true)
		cancel()
	})
	return w
}

func (w *idleWatchdog) kick()       { w.timer.Reset(w.timeout) }
func (w *idleWatchdog) stop()       { w.timer.Stop() }
func (w *idleWatchdog) fired() bool { return w.hit.Load() }

// watchedBody resets the watchdog on every read that returns data. A read
// that returns only an error leaves the deadline alone, so an upstream
// trickling empty reads still times out.
type watchedBody struct {
	r   io.Reader
	dog *idleWatchdog
}

func (wb *watchedBody) Read(p []byte) (int, error) {
	n, err := wb.r.Read(p)
	if n > 0 {
		wb.dog.kick()
	}
	return n, err
}
