package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/telemetry"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxObjectSize bounds a single artwork download.
	DefaultMaxObjectSize = 64 << 20
	// DefaultHeaderTimeout bounds the wait for response headers.
	DefaultHeaderTimeout = 30 * time.Second
	// DefaultIdleTimeout bounds the gap between two reads of a body that
	// is making progress. A slow transfer never times out as a whole.
	DefaultIdleTimeout = 30 * time.Second
)

var (
	// ErrTooLarge is returned when an artwork exceeds the configured size limit.
	ErrTooLarge = fmt.Errorf("%w: object too large", framecache.ErrPermanent)
	// ErrStalled is returned when a body delivers nothing for the idle timeout.
	ErrStalled = errors.New("download stalled")
)

// Fetcher opens the content behind an artwork URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher fetches http, https and file URLs.
type HTTPFetcher struct {
	client        *http.Client
	limiter       *rate.Limiter
	maxSize       int64
	headerTimeout time.Duration
	idleTimeout   time.Duration
}

var _ Fetcher = (*HTTPFetcher)(nil)

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// WithBytesPerSecond caps the read rate of downloads. Zero disables the cap.
func WithBytesPerSecond(n int64) FetcherOption {
	return func(f *HTTPFetcher) {
		if n <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(n), int(min(n, 256<<10)))
	}
}

// WithMaxObjectSize bounds the size of a single download.
func WithMaxObjectSize(n int64) FetcherOption {
	return func(f *HTTPFetcher) {
		f.maxSize = n
	}
}

// WithTimeouts sets the response header timeout and the body idle
// timeout. Zero keeps the default; a negative idle timeout disables it.
func WithTimeouts(header, idle time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		if header > 0 {
			f.headerTimeout = header
		}
		if idle != 0 {
			f.idleTimeout = idle
		}
	}
}

// NewTransport returns a transport that serves file:// URLs from the local
// filesystem in addition to http and https, instrumented as source.
func NewTransport(source string) http.RoundTripper {
	return newTransport(source, DefaultHeaderTimeout)
}

func newTransport(source string, headerTimeout time.Duration) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = headerTimeout
	t.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
	return telemetry.NewInstrumentedTransport(t, source)
}

// NewHTTPFetcher creates a fetcher. The client has no overall timeout: a
// bandwidth-capped body may take as long as it needs while it progresses.
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		maxSize:       DefaultMaxObjectSize,
		headerTimeout: DefaultHeaderTimeout,
		idleTimeout:   DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Transport: newTransport("artwork", f.headerTimeout)}
	}
	return f
}

// Fetch issues a GET for url. Missing content is reported as
// framecache.ErrPermanent; other failures are transient.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("%w: %v", framecache.ErrPermanent, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if err := statusError(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if f.maxSize > 0 && resp.ContentLength > f.maxSize {
		_ = resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("fetching %s: %w (%d bytes)", url, ErrTooLarge, resp.ContentLength)
	}

	body := newIdleBody(reqCtx, resp.Body, f.idleTimeout, cancel)
	var r io.Reader = body
	if f.maxSize > 0 {
		r = &maxReader{r: r, remaining: f.maxSize}
	}
	if f.limiter != nil {
		r = &limitedReader{ctx: ctx, r: r, limiter: f.limiter}
	}
	return readCloser{Reader: r, Closer: body}, nil
}

// idleBody cancels the request when a single read of the body blocks for
// the idle timeout. Time spent outside Read, such as bandwidth pacing, does
// not count.
type idleBody struct {
	ctx    context.Context
	body   io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	cancel context.CancelCauseFunc
}

func newIdleBody(ctx context.Context, body io.ReadCloser, idle time.Duration, cancel context.CancelCauseFunc) *idleBody {
	b := &idleBody{ctx: ctx, body: body, idle: idle, cancel: cancel}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, func() { cancel(ErrStalled) })
		b.timer.Stop()
	}
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.idle)
	}
	n, err := b.body.Read(p)
	if b.timer != nil {
		b.timer.Stop()
	}
	if err != nil && err != io.EOF && errors.Is(context.Cause(b.ctx), ErrStalled) {
		// Replaces the context error so the failure is not taken for a
		// caller cancellation.
		err = fmt.Errorf("%w: no data for %s", ErrStalled, b.idle)
	}
	return n, err
}

func (b *idleBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.body.Close()
	b.cancel(nil)
	return err
}

// StatusError is an unexpected upstream HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: %w", framecache.ErrPermanent, &StatusError{Code: code})
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return &StatusError{Code: code}
	case code >= 400:
		return fmt.Errorf("%w: %w", framecache.ErrPermanent, &StatusError{Code: code})
	default:
		return &StatusError{Code: code}
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// limitedReader paces reads through a token bucket.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if b := l.limiter.Burst(); len(p) > b {
		p = p[:b]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type maxReader struct {
	r         io.Reader
	remaining int64
}

func (m *maxReader) Read(p []byte) (int, error) {
	if m.remaining <= 0 {
		// Read one more byte to tell an exact fit from an overflow.
		var one [1]byte
		n, err := m.r.Read(one[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > m.remaining {
		p = p[:m.remaining]
	}
	n, err := m.r.Read(p)
	m.remaining -= int64(n)
	return n, err
}
