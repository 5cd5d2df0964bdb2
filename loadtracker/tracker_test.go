package loadtracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/backend"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(t *testing.T) (*Tracker, *backend.Filesystem, *fakeClock) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(fs, WithClock(clock.Now)), fs, clock
}

func TestThreeLoadFailuresAreTerminal(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	key := framecache.KeyFor("broken")

	require.True(t, tr.CanDownload(ctx, key))

	rec, err := tr.RecordFailure(ctx, key, "decode error")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)
	require.False(t, rec.Terminal)
	require.True(t, tr.CanDownload(ctx, key))

	_, err = tr.RecordFailure(ctx, key, "decode error")
	require.NoError(t, err)
	rec, err = tr.RecordFailure(ctx, key, "decode error again")
	require.NoError(t, err)
	require.Equal(t, MaxLoadAttempts, rec.Attempts)
	require.True(t, rec.Terminal)
	require.Equal(t, "decode error again", rec.Reason)
	require.False(t, tr.CanDownload(ctx, key))

	// A fourth strike keeps the counter bounded.
	rec, err = tr.RecordFailure(ctx, key, "still broken")
	require.NoError(t, err)
	require.Equal(t, MaxLoadAttempts, rec.Attempts)

	require.NoError(t, tr.Clear(ctx, key))
	require.True(t, tr.CanDownload(ctx, key))
	_, err = tr.Get(ctx, key)
	require.ErrorIs(t, err, framecache.ErrNotFound)
}

func TestRecordPersistsAcrossInstances(t *testing.T) {
	tr, fs, clock := newTestTracker(t)
	ctx := context.Background()
	key := framecache.KeyFor("persisted")

	for range MaxLoadAttempts {
		_, err := tr.RecordFailure(ctx, key, "bad")
		require.NoError(t, err)
	}

	a, b, c := key.Shard()
	_, err := os.Stat(filepath.Join(fs.Root(), a, b, c, key.String()+".ltf"))
	require.NoError(t, err)

	reopened := New(fs, WithClock(clock.Now))
	require.False(t, reopened.CanDownload(ctx, key))
	rec, err := reopened.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, clock.t.Unix(), rec.LastFailure)
}

func TestDownloadBackoffLadder(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()
	key := framecache.KeyFor("flaky")
	cause := errors.New("connection reset")

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, d := range want {
		rec, err := tr.RecordDownloadFailure(ctx, key, cause)
		require.NoError(t, err)
		require.Equal(t, i+1, rec.DownloadAttempts)
		require.Equal(t, framecache.ClassTransient, rec.ErrorClass)
		require.Equal(t, clock.t.Add(d).Unix(), rec.RetryAfter)
		require.False(t, rec.Terminal)

		v, at := tr.Check(ctx, key)
		require.Equal(t, Deferred, v)
		require.Equal(t, time.Unix(rec.RetryAfter, 0), at)

		clock.Advance(d)
		v, _ = tr.Check(ctx, key)
		require.Equal(t, Allowed, v)
	}

	// The fifth failure starts the long cooldown and resets the ladder.
	rec, err := tr.RecordDownloadFailure(ctx, key, cause)
	require.NoError(t, err)
	require.Equal(t, 0, rec.DownloadAttempts)
	require.Equal(t, clock.t.Add(Cooldown).Unix(), rec.RetryAfter)
	require.False(t, rec.Terminal)
	require.True(t, tr.CanDownload(ctx, key))
}

func TestPermanentDownloadFailureBlocks(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	key := framecache.KeyFor("gone")

	rec, err := tr.RecordDownloadFailure(ctx, key, fmt.Errorf("fetch: %w", framecache.ErrPermanent))
	require.NoError(t, err)
	require.True(t, rec.Terminal)
	require.Equal(t, 0, rec.Attempts)
	require.Equal(t, framecache.ClassPermanent, rec.ErrorClass)

	v, _ := tr.Check(ctx, key)
	require.Equal(t, Blocked, v)
}

func TestRecordDownloadFailureRejectsNil(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	_, err := tr.RecordDownloadFailure(context.Background(), framecache.KeyFor("x"), nil)
	require.ErrorIs(t, err, framecache.ErrInvalidArgument)
}

func TestBackoff(t *testing.T) {
	require.Equal(t, time.Second, Backoff(0))
	require.Equal(t, time.Second, Backoff(1))
	require.Equal(t, 2*time.Second, Backoff(2))
	require.Equal(t, 16*time.Second, Backoff(5))
	require.Equal(t, MaxBackoff, Backoff(6))
	require.Equal(t, MaxBackoff, Backoff(40))
}

func TestCorruptRecordTreatedAsClean(t *testing.T) {
	tr, fs, _ := newTestTracker(t)
	ctx := context.Background()
	key := framecache.KeyFor("torn")

	path := fs.Path(recordKey(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"attempts": 2, "termi`), 0o644))

	require.True(t, tr.CanDownload(ctx, key))
	rec, err := tr.RecordFailure(ctx, key, "bad")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)
}

func TestMissingFieldsDecodeAsZero(t *testing.T) {
	tr, fs, _ := newTestTracker(t)
	ctx := context.Background()
	key := framecache.KeyFor("old-format")

	path := fs.Path(recordKey(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"attempts": 1, "error_class": "bogus"}`), 0o644))

	rec, err := tr.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)
	require.False(t, rec.Terminal)
	require.Equal(t, framecache.ClassNone, rec.ErrorClass)
}

func TestForgetReloadsFromDisk(t *testing.T) {
	tr, fs, _ := newTestTracker(t)
	ctx := context.Background()
	key := framecache.KeyFor("forget")

	_, err := tr.RecordFailure(ctx, key, "bad")
	require.NoError(t, err)
	require.NoError(t, fs.Delete(ctx, recordKey(key)))

	// Still cached until forgotten.
	_, err = tr.Get(ctx, key)
	require.NoError(t, err)

	tr.Forget(key)
	_, err = tr.Get(ctx, key)
	require.ErrorIs(t, err, framecache.ErrNotFound)
}
