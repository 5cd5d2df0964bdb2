package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/backend"
	"github.com/wolfeidau/frame-cache/channelcache"
	"github.com/wolfeidau/frame-cache/loadtracker"
	"github.com/wolfeidau/frame-cache/vault"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	return io.NopCloser(strings.NewReader("content of " + url)), nil
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[url] = err
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var testResolver = ResolverFunc(func(_ context.Context, channelID string, e channelcache.Entry) (string, error) {
	return fmt.Sprintf("mem://%s/%d", channelID, e.PostID), nil
})

type testEnv struct {
	registry *channelcache.Registry
	vault    *vault.Vault
	tracker  *loadtracker.Tracker
	fetcher  *fakeFetcher
	manager  *Manager
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	files, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	objects, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		vault:   vault.New(objects),
		fetcher: &fakeFetcher{},
		now:     time.Unix(1_700_000_000, 0),
	}
	clock := func() time.Time { return env.now }
	env.tracker = loadtracker.New(objects, loadtracker.WithClock(clock))
	env.registry = channelcache.NewRegistry(files, env.vault)
	cfg := DefaultConfig()
	cfg.Now = clock
	env.manager = NewManager(env.registry, env.vault, env.tracker, env.fetcher, testResolver, cfg)
	return env
}

func artwork(post int32, address string) channelcache.Entry {
	addr := uuid.NewSHA1(uuid.NameSpaceURL, []byte(address))
	return channelcache.Entry{
		PostID:     post,
		Kind:       channelcache.KindArtwork,
		Format:     framecache.FormatPNG,
		CreatedAt:  uint32(post),
		ModifiedAt: 1,
		Address:    addr,
	}
}

func (env *testEnv) channel(t *testing.T, id string, entries ...channelcache.Entry) *channelcache.Cache {
	t.Helper()
	c, err := env.registry.Acquire(context.Background(), id)
	require.NoError(t, err)
	c.MergePosts(context.Background(), entries)
	return c
}

func TestManagerRoundRobinAcrossChannels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.channel(t, "a", artwork(1, "a1"), artwork(2, "a2"))
	b := env.channel(t, "b", artwork(10, "b10"))
	env.manager.SetChannels([]string{"a", "b"})

	for range 3 {
		found, _ := env.manager.step(ctx)
		require.True(t, found)
	}
	found, retryAt := env.manager.step(ctx)
	require.False(t, found)
	require.True(t, retryAt.IsZero())

	require.Equal(t, []string{"mem://a/1", "mem://b/10", "mem://a/2"}, env.fetcher.Calls())
	require.Equal(t, 2, a.AvailableCount())
	require.Equal(t, 1, b.AvailableCount())
	require.False(t, a.Dirty(), "cache is saved after each download")

	e, _ := a.Artwork(1)
	require.True(t, env.vault.Exists(ctx, e.Key(), e.Format))
	owners, err := env.vault.Owners(ctx, e.Key())
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, owners)

	info, err := env.vault.Stat(ctx, e.Key())
	require.NoError(t, err)
	require.Equal(t, "mem://a/1", info.SourceURL)
	require.Equal(t, framecache.HashBytes([]byte("content of mem://a/1")), info.ContentHash)
}

func TestManagerTransientFailureDefers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.channel(t, "a", artwork(1, "a1"), artwork(2, "a2"))
	env.manager.SetChannels([]string{"a"})
	env.fetcher.fail("mem://a/1", errors.New("connection reset"))

	found, _ := env.manager.step(ctx)
	require.True(t, found)
	e1, _ := c.Artwork(1)
	rec, err := env.tracker.Get(ctx, e1.Key())
	require.NoError(t, err)
	require.Equal(t, 1, rec.DownloadAttempts)
	require.Equal(t, framecache.ClassTransient, rec.ErrorClass)
	require.False(t, rec.Terminal)

	found, _ = env.manager.step(ctx)
	require.True(t, found)
	require.True(t, c.IsAvailable(2))

	found, retryAt := env.manager.step(ctx)
	require.False(t, found)
	require.True(t, retryAt.Equal(env.now.Add(loadtracker.InitialBackoff)), "retry at %s", retryAt)

	// Once the backoff elapses the artwork is retried and the record cleared.
	env.now = env.now.Add(2 * time.Second)
	delete(env.fetcher.errs, "mem://a/1")
	found, _ = env.manager.step(ctx)
	require.True(t, found)
	require.True(t, c.IsAvailable(1))
	_, err = env.tracker.Get(ctx, e1.Key())
	require.ErrorIs(t, err, framecache.ErrNotFound)
}

func TestManagerPermanentFailureBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.channel(t, "a", artwork(1, "a1"))
	env.manager.SetChannels([]string{"a"})
	env.fetcher.fail("mem://a/1", fmt.Errorf("fetching: %w", framecache.ErrPermanent))

	found, _ := env.manager.step(ctx)
	require.True(t, found)

	e, _ := c.Artwork(1)
	require.False(t, env.tracker.CanDownload(ctx, e.Key()))

	env.now = env.now.Add(time.Hour)
	found, retryAt := env.manager.step(ctx)
	require.False(t, found)
	require.True(t, retryAt.IsZero())
	require.Len(t, env.fetcher.Calls(), 1)

	err := env.manager.Ensure(ctx, "a", e)
	require.ErrorIs(t, err, framecache.ErrPermanent)
}

func TestManagerSharedContentIsNotFetchedTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.channel(t, "a", artwork(1, "shared"))
	b := env.channel(t, "b", artwork(7, "shared"))
	env.manager.SetChannels([]string{"a", "b"})

	found, _ := env.manager.step(ctx)
	require.True(t, found)
	found, _ = env.manager.step(ctx)
	require.False(t, found)

	require.Len(t, env.fetcher.Calls(), 1)
	require.True(t, a.IsAvailable(1))
	require.True(t, b.IsAvailable(7))

	e, _ := b.Artwork(7)
	owners, err := env.vault.Owners(ctx, e.Key())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, owners)
}

func TestManagerExhaustionPauses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.channel(t, "a", artwork(1, "a1"))
	env.manager.SetChannels([]string{"a"})
	env.fetcher.fail("mem://a/1", fmt.Errorf("writing: %w", syscall.ENOSPC))

	found, _ := env.manager.step(ctx)
	require.True(t, found)

	e, _ := c.Artwork(1)
	_, err := env.tracker.Get(ctx, e.Key())
	require.ErrorIs(t, err, framecache.ErrNotFound, "exhaustion does not count against the artwork")
	require.Equal(t, defaultExhaustionPause, env.manager.pauseRemaining())

	env.manager.Rescan()
	require.Zero(t, env.manager.pauseRemaining())
}

func TestManagerCursorWrapsToStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.channel(t, "a", artwork(1, "a1"), artwork(2, "a2"))
	env.manager.SetChannels([]string{"a"})

	found, _ := env.manager.step(ctx)
	require.True(t, found)
	require.Equal(t, 1, env.manager.cursors["a"])

	// The downloaded artwork is evicted behind the cursor.
	_, err := c.Evict(ctx, 0)
	require.NoError(t, err)
	require.False(t, c.IsAvailable(1))

	found, _ = env.manager.step(ctx)
	require.True(t, found)
	found, _ = env.manager.step(ctx)
	require.True(t, found)
	require.True(t, c.IsAvailable(1))
	require.True(t, c.IsAvailable(2))
}

func TestManagerSetChannelsKeepsCursors(t *testing.T) {
	env := newTestEnv(t)
	env.manager.cursors["a"] = 5
	env.manager.cursors["b"] = 3

	env.manager.SetChannels([]string{"a", "c"})
	require.Equal(t, map[string]int{"a": 5}, env.manager.cursors)
	require.Equal(t, []string{"a", "c"}, env.manager.Channels())

	env.manager.Rescan()
	require.Empty(t, env.manager.cursors)
}

func TestManagerPlaybackInitiated(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.manager.MarkPlaybackInitiated())
	require.False(t, env.manager.MarkPlaybackInitiated())
	env.manager.ResetPlaybackInitiated()
	require.True(t, env.manager.MarkPlaybackInitiated())
}

func TestManagerEnsure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.channel(t, "a", artwork(1, "a1"))
	e, _ := c.Artwork(1)

	require.NoError(t, env.manager.Ensure(ctx, "a", e))
	require.True(t, c.IsAvailable(1))
	require.False(t, env.manager.IsBusy())

	_, ok := env.manager.ActiveChannel()
	require.False(t, ok)

	err := env.manager.Ensure(ctx, "missing", e)
	require.ErrorIs(t, err, framecache.ErrNotFound)

	err = env.manager.Ensure(ctx, "a", channelcache.Entry{PostID: 3, Kind: channelcache.KindPlaylist})
	require.ErrorIs(t, err, framecache.ErrInvalidArgument)
}

func TestManagerWorkerDownloadsAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	c := env.channel(t, "a", artwork(1, "a1"), artwork(2, "a2"))

	var mu sync.Mutex
	var got []string
	env.manager.OnAvailable(func(_ context.Context, channelID string, e channelcache.Entry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, fmt.Sprintf("%s/%d", channelID, e.PostID))
	})

	env.manager.Start(context.Background())
	env.manager.SetChannels([]string{"a"})

	require.Eventually(t, func() bool {
		return c.AvailableCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	env.manager.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a/1", "a/2"}, got)
}
