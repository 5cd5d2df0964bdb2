package telemetry

import (
	"errors"
	"io"
	"net/http"
	"time"
)

// Fetch outcomes that depend on how the response body was consumed.
const (
	// outcomeTruncated marks a body whose read failed before EOF, such as
	// a stalled or reset artwork transfer.
	outcomeTruncated = "truncated"
	// outcomeAbandoned marks a successful response closed before EOF,
	// such as a fetch rejected for exceeding the size limit.
	outcomeAbandoned = "abandoned"
)

// InstrumentedTransport records one fetch metric per catalog or artwork
// request, attributed to the channel the request was made for.
type InstrumentedTransport struct {
	base   http.RoundTripper
	source string
}

// NewInstrumentedTransport wraps base, labelling metrics with source
// ("catalog" or "artwork"). A nil base means http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, source string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, source: source}
}

// RoundTrip implements http.RoundTripper. The channel is read from the
// request context once, so a body closed after the request context is
// gone is still attributed correctly.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f := &fetch{
		req:     req,
		source:  t.source,
		channel: ChannelFromContext(req.Context()),
		start:   time.Now(),
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if req.Context().Err() != nil {
			f.finish("canceled")
		} else {
			f.finish("error")
		}
		return nil, err
	}

	f.status = statusOutcome(resp.StatusCode)
	resp.Body = &instrumentedBody{ReadCloser: resp.Body, fetch: f}
	return resp, nil
}

// statusOutcome maps a status code to the outcome label. Missing content
// gets its own label because the fetcher treats it as permanent.
func statusOutcome(status int) string {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return "not_found"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// fetch is the state of one request from RoundTrip to body close.
type fetch struct {
	req     *http.Request
	source  string
	channel string
	start   time.Time
	status  string
	bytes   int64
	done    bool
}

func (f *fetch) finish(outcome string) {
	if f.done {
		return
	}
	f.done = true
	RecordFetch(f.req.Context(), f.source, f.channel, time.Since(f.start), f.bytes, outcome)
}

// instrumentedBody counts body bytes and records the fetch on Close with
// an outcome that reflects whether the transfer reached EOF.
type instrumentedBody struct {
	io.ReadCloser
	*fetch
	eof     bool
	readErr bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	switch {
	case errors.Is(err, io.EOF):
		b.eof = true
	case err != nil:
		b.readErr = true
	}
	return n, err
}

// outcome is the label for a body being closed now.
func (b *instrumentedBody) outcome() string {
	switch {
	case b.readErr:
		return outcomeTruncated
	case !b.eof && b.status == "success":
		return outcomeAbandoned
	default:
		return b.status
	}
}

func (b *instrumentedBody) Close() error {
	b.finish(b.outcome())
	return b.ReadCloser.Close()
}
