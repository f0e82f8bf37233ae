package framing

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n" +
	"\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo \\\"w\\\"\"}}]}\n" +
	"\n" +
	": keep-alive comment\n" +
	"event: ignored\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"orld\"}}]}\n" +
	"\n" +
	"data: [DONE]\n" +
	"\n"

// deltas pulls choices[0].delta.content out of each record, mimicking
// what the OpenAI-compatible adapters do.
func deltas(t *testing.T, recs []json.RawMessage) []string {
	t.Helper()
	var out []string
	for _, rec := range recs {
		var ev struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal(rec, &ev))
		if len(ev.Choices) > 0 && ev.Choices[0].Delta.Content != "" {
			out = append(out, ev.Choices[0].Delta.Content)
		}
	}
	return out
}

// feedAll runs chunks through a fresh parser and returns every record
// plus whether the parser completed before Flush.
func feedAll(chunks ...string) ([]json.RawMessage, *Parser) {
	p := &Parser{}
	var recs []json.RawMessage
	for _, c := range chunks {
		recs = append(recs, p.Feed([]byte(c))...)
	}
	recs = append(recs, p.Flush()...)
	return recs, p
}

func TestParser_WholeInput(t *testing.T) {
	recs, p := feedAll(sample)
	assert.Equal(t, []string{"Hel", `lo "w"`, "orld"}, deltas(t, recs))
	assert.True(t, p.Done())
	assert.Zero(t, p.Discarded())
}

func TestParser_EverySplitPoint(t *testing.T) {
	want := deltas(t, func() []json.RawMessage { r, _ := feedAll(sample); return r }())

	for i := 0; i <= len(sample); i++ {
		recs, _ := feedAll(sample[:i], sample[i:])
		assert.Equal(t, want, deltas(t, recs), "split at byte %d", i)
	}
}

func TestParser_EveryDoubleSplit(t *testing.T) {
	want := []string{"Hel", `lo "w"`, "orld"}

	for i := 0; i <= len(sample); i++ {
		for j := i; j <= len(sample); j++ {
			recs, _ := feedAll(sample[:i], sample[i:j], sample[j:])
			require.Equal(t, want, deltas(t, recs), "split at %d and %d", i, j)
		}
	}
}

func TestParser_ByteAtATime(t *testing.T) {
	chunks := make([]string, 0, len(sample))
	for i := 0; i < len(sample); i++ {
		chunks = append(chunks, sample[i:i+1])
	}
	recs, p := feedAll(chunks...)
	assert.Equal(t, []string{"Hel", `lo "w"`, "orld"}, deltas(t, recs))
	assert.True(t, p.Done())
}

func TestParser_SentinelShortCircuit(t *testing.T) {
	p := &Parser{}
	recs := p.Feed([]byte(
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
			"data: [DONE]\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"after\"}}]}\n" +
			"data: {\"choices\":[{\"delta\":{\"con",
	))
	assert.Equal(t, []string{"a"}, deltas(t, recs))
	assert.True(t, p.Done())

	// Nothing after the sentinel is processed, and flushing does not
	// resurrect the buffered tail.
	assert.Empty(t, p.Feed([]byte("tent\":\"late\"}}]}\n")))
	assert.Empty(t, p.Flush())
}

func TestParser_MalformedJSONIsDiscarded(t *testing.T) {
	var dropped []string
	p := &Parser{OnDiscard: func(payload string) { dropped = append(dropped, payload) }}

	var recs []json.RawMessage
	assert.NotPanics(t, func() {
		recs = p.Feed([]byte(
			"data: {not valid json\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n",
		))
	})
	assert.Equal(t, []string{"ok"}, deltas(t, recs))
	assert.Equal(t, 1, p.Discarded())
	assert.Equal(t, []string{"{not valid json"}, dropped)
}

func TestParser_FlushResidualLine(t *testing.T) {
	recs, p := feedAll("data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}")
	assert.Equal(t, []string{"tail"}, deltas(t, recs))
	assert.True(t, p.Done())

	// A sentinel without a trailing newline also completes cleanly.
	recs, p = feedAll("data: [DONE]")
	assert.Empty(t, recs)
	assert.True(t, p.Done())
}

func TestParser_CRLF(t *testing.T) {
	recs, p := feedAll("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n\r\ndata: [DONE]\r\n")
	assert.Equal(t, []string{"x"}, deltas(t, recs))
	assert.True(t, p.Done())
}

func TestParser_CarryNeverHoldsNewline(t *testing.T) {
	p := &Parser{}
	for i := 0; i < len(sample); i += 7 {
		end := min(i+7, len(sample))
		p.Feed([]byte(sample[i:end]))
		assert.NotContains(t, string(p.carry), "\n")
	}
}

func TestParser_OverlongLineIsDropped(t *testing.T) {
	p := &Parser{MaxLine: 64}
	long := "data: {\"choices\":[{\"delta\":{\"content\":\"" + strings.Repeat("x", 200) + "\"}}]}"

	var recs []json.RawMessage
	// The overlong line arrives in pieces, so the cap trips on the held
	// tail rather than on a complete line.
	for i := 0; i < len(long); i += 50 {
		recs = append(recs, p.Feed([]byte(long[i:min(i+50, len(long))]))...)
	}
	assert.Empty(t, recs)
	assert.LessOrEqual(t, len(p.carry), 64)

	recs = append(recs, p.Feed([]byte("\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n"))...)
	recs = append(recs, p.Flush()...)
	assert.Equal(t, []string{"ok"}, deltas(t, recs), "parsing resumes after the dropped line")
	assert.Equal(t, 1, p.Discarded())

	// A complete line over the cap in a single chunk is dropped too.
	p = &Parser{MaxLine: 64}
	recs = p.Feed([]byte(long + "\ndata: {}\n"))
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{}`, string(recs[0]))
	assert.Equal(t, 1, p.Discarded())
}

func TestParser_LongLineByteAtATime(t *testing.T) {
	text := strings.Repeat("abcdefgh", 16<<10)
	line := "data: {\"choices\":[{\"delta\":{\"content\":\"" + text + "\"}}]}\n\n"

	p := &Parser{}
	var recs []json.RawMessage
	for i := 0; i < len(line); i++ {
		recs = append(recs, p.Feed([]byte{line[i]})...)
	}
	assert.Equal(t, []string{text}, deltas(t, recs))
	assert.Zero(t, p.Discarded())
}

func TestReader_MaxLineBytes(t *testing.T) {
	src := "data: " + strings.Repeat("y", 100) + "\ndata: {\"a\":1}\n"
	r := NewReader(strings.NewReader(src), WithMaxLineBytes(32), WithBufferSize(8))

	rec, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(rec))
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, r.Discarded())
}

func TestReader_CompletesOnce(t *testing.T) {
	r := NewReader(iotest.OneByteReader(strings.NewReader(sample)))

	var recs []json.RawMessage
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	assert.Equal(t, []string{"Hel", `lo "w"`, "orld"}, deltas(t, recs))

	// EOF is sticky.
	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_SmallBuffer(t *testing.T) {
	r := NewReader(strings.NewReader(sample), WithBufferSize(3))

	var recs []json.RawMessage
	for {
		rec, err := r.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		recs = append(recs, rec)
	}
	assert.Equal(t, []string{"Hel", `lo "w"`, "orld"}, deltas(t, recs))
}

func TestReader_SourceError(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.MultiReader(
		strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\ndata: {\"cho"),
		iotest.ErrReader(boom),
	)
	r := NewReader(src)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, deltas(t, []json.RawMessage{rec}))

	_, err = r.Next()
	assert.ErrorIs(t, err, boom)
	assert.True(t, r.parser.Done())
	assert.Empty(t, r.parser.carry)
}

func TestReader_DiscardHook(t *testing.T) {
	var n int
	r := NewReader(strings.NewReader("data: {oops\ndata: {}\n"), WithDiscardHook(func(string) { n++ }))

	rec, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(rec))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Discarded())
}
