// Package download fills the vault with the artworks that registered
// channels know about but do not yet have locally.
//
// A Manager runs one background worker that walks the channels round-robin
// and downloads a single artwork at a time. Concurrent requests for the same
// content key from other callers are collapsed by a Downloader.
package download

import (
	"context"
	"log/slog"

	framecache "github.com/wolfeidau/frame-cache"
	"golang.org/x/sync/singleflight"
)

// Result describes an artwork after a download attempt.
type Result struct {
	Hash framecache.Hash
	Size int64
	// Exists is set when the vault already held the object.
	Exists bool
}

// DownloadFunc fetches one artwork into the vault. Its context outlives the
// caller that started it.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader collapses concurrent downloads of one content key into a
// single transfer. Waiters that give up leave the transfer running.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New returns a Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do runs fn unless a download of key is already running, in which case it
// waits for that one. shared reports whether the result came from another
// caller's transfer. A caller whose ctx ends first gets ctx.Err().
func (d *Downloader) Do(ctx context.Context, key framecache.ContentKey, fn DownloadFunc) (res *Result, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key.String(), func() (any, error) {
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Shared {
			d.logger.Debug("joined in-flight download", "key", key.ShortString())
		}
		if r.Err != nil {
			return nil, r.Shared, r.Err
		}
		return r.Val.(*Result), r.Shared, nil
	}
}
