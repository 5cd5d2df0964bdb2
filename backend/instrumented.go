package backend

import (
	"context"
	"errors"
	"io"
	"time"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/telemetry"
)

// InstrumentedBackend records a backend_operations metric for every call to
// the wrapped Backend. Byte counts cover the data that actually moved: the
// reader consumed by a write, or the object body read before Close.
type InstrumentedBackend struct {
	Backend
	name string
}

// NewInstrumentedBackend labels the metrics of b with name.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{Backend: b, name: name}
}

// Unwrap returns the wrapped backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.Backend
}

func (ib *InstrumentedBackend) observe(ctx context.Context, op string, start time.Time, n int64, outcome string) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcome, time.Since(start), n)
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{Reader: r}
	err := ib.Backend.Write(ctx, key, cr)
	ib.observe(ctx, "write", start, cr.n, outcome(err))
	return err
}

func (ib *InstrumentedBackend) WriteIfAbsent(ctx context.Context, key string, r io.Reader) (bool, error) {
	start := time.Now()
	cr := &countingReader{Reader: r}
	written, err := ib.Backend.WriteIfAbsent(ctx, key, cr)
	o := outcome(err)
	if err == nil && !written {
		o = "exists"
	}
	ib.observe(ctx, "write_if_absent", start, cr.n, o)
	return written, err
}

// Read records the operation when the returned body is closed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.Backend.Read(ctx, key)
	if err != nil {
		ib.observe(ctx, "read", start, 0, outcome(err))
		return nil, err
	}
	return &observedBody{ReadCloser: rc, done: func(n int64) {
		ib.observe(ctx, "read", start, n, "success")
	}}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.Backend.Delete(ctx, key)
	ib.observe(ctx, "delete", start, 0, outcome(err))
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := ib.Backend.Exists(ctx, key)
	ib.observe(ctx, "exists", start, 0, outcome(err))
	return ok, err
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (Info, error) {
	start := time.Now()
	info, err := ib.Backend.Stat(ctx, key)
	ib.observe(ctx, "stat", start, info.Size, outcome(err))
	return info, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.Backend.List(ctx, prefix)
	ib.observe(ctx, "list", start, 0, outcome(err))
	return keys, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case framecache.IsCanceled(err):
		return "canceled"
	default:
		return "error"
	}
}

type countingReader struct {
	io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.Reader.Read(p)
	cr.n += int64(n)
	return n, err
}

// observedBody counts the bytes read and calls done once on Close.
type observedBody struct {
	io.ReadCloser
	n    int64
	done func(int64)
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *observedBody) Close() error {
	if b.done != nil {
		b.done(b.n)
		b.done = nil
	}
	return b.ReadCloser.Close()
}

var _ Backend = (*InstrumentedBackend)(nil)
