package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/frame-cache/channelcache"
	"github.com/wolfeidau/frame-cache/gc"
	"github.com/wolfeidau/frame-cache/source"
)

func newTestConfig(t *testing.T) Config {
	t.Helper()
	art := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(art, "sunset.png"), []byte("png bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(art, "loop.gif"), []byte("gif bytes"), 0o644))

	return Config{
		Address:     "127.0.0.1:0",
		StoragePath: t.TempDir(),
		Channels: []source.Definition{
			{ID: "local", Kind: source.KindLocal, Dir: art, Order: "original"},
		},
		GC:     gc.Config{Interval: time.Hour, StartupDelay: time.Hour},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// newTestServer creates a server that is never run.
func newTestServer(t *testing.T, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := newTestConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.WeightMode = "loudest"
	_, err := New(cfg)
	require.Error(t, err)

	cfg = newTestConfig(t)
	cfg.Channels[0].Order = "sideways"
	_, err = New(cfg)
	require.Error(t, err)
}

func TestChannelEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	channels := decode[[]map[string]any](t, rec)
	require.Len(t, channels, 1)
	assert.Equal(t, "local", channels[0]["id"])
	assert.Equal(t, true, channels[0]["refresh_pending"])

	rec = do(t, h, http.MethodGet, "/v1/channels/local", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local", decode[map[string]any](t, rec)["kind"])

	rec = do(t, h, http.MethodGet, "/v1/channels/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/channels/local/refresh", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/channels/missing/refresh", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaybackWithNothingAvailable(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/playback/next"},
		{http.MethodPost, "/v1/playback/previous"},
		{http.MethodGet, "/v1/playback/current"},
	} {
		rec := do(t, h, tc.method, tc.path, "")
		require.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		require.Contains(t, decode[map[string]string](t, rec)["error"], "not found")
	}
}

func TestPublishValidation(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/artworks/events", `{"post_id": 5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/artworks/events", `{"channel_id": "local", "post_id": 5, "extra": 1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/artworks/events", `{"channel_id": "nope", "post_id": 5}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/artworks/events", `{"channel_id": "local", "post_id": 5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	require.Len(t, stats["nae_pool"], 1)
}

func TestArtworkRefValidation(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/artworks/local/not-a-number", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/artworks/missing/1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/artworks/local/1/load-failure", `{"reason": "decode"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceOnlineFlag(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.StartOffline = true })
	h := s.Handler()

	stats := decode[map[string]any](t, do(t, h, http.MethodGet, "/stats", ""))
	require.Equal(t, false, stats["online"])

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/device/online", "").Code)
	require.True(t, s.events.Online.IsSet())

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/device/offline", "").Code)
	require.False(t, s.events.Online.IsSet())
}

func TestGCEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/admin/gc/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/admin/gc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[map[string]any](t, rec)
	require.NotContains(t, result, "errors")

	rec = do(t, h, http.MethodGet, "/admin/gc/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEqual(t, "0001-01-01T00:00:00Z", decode[map[string]any](t, rec)["started_at"])
}

func TestGCDisabled(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.GC = gc.Config{} })
	rec := do(t, s.Handler(), http.MethodPost, "/admin/gc", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthWired(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.AuthToken = "secret" })
	h := s.Handler()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/channels", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/channels", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

// TestServePlaysLocalChannel runs the whole pipeline: the local channel is
// refreshed, its files are copied into the vault and playback starts.
func TestServePlaysLocalChannel(t *testing.T) {
	s, err := New(newTestConfig(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	get := func(method, path, body string) (int, []byte) {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, base+path, r)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, data
	}

	var current itemResponse
	require.Eventually(t, func() bool {
		code, data := get(http.MethodGet, "/v1/playback/current", "")
		if code != http.StatusOK {
			return false
		}
		return json.Unmarshal(data, &current) == nil
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, "local", current.ChannelID)

	code, data := get(http.MethodGet, current.URL, "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, []string{"png bytes", "gif bytes"}, string(data))

	code, _ = get(http.MethodPost, "/v1/playback/next", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = get(http.MethodPost, "/v1/playback/previous", "")
	require.Equal(t, http.StatusOK, code)

	ref := fmt.Sprintf("/v1/artworks/local/%d", current.PostID)
	code, _ = get(http.MethodPost, "/v1/artworks/events", fmt.Sprintf(`{"channel_id":"local","post_id":%d}`, current.PostID))
	require.Equal(t, http.StatusAccepted, code)

	code, data = get(http.MethodPost, ref+"/load-failure", `{"reason":"decode error"}`)
	require.Equal(t, http.StatusOK, code)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	require.EqualValues(t, 1, rec["attempts"])
	require.Equal(t, false, rec["terminal"])

	code, _ = get(http.MethodPost, ref+"/load-success", "")
	require.Equal(t, http.StatusNoContent, code)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestShutdownPersistsCachesAfterDeadline(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StartOffline = true
	cfg.Channels = []source.Definition{{
		ID:          "remote",
		Kind:        source.KindRemote,
		URL:         "http://127.0.0.1:1/catalog",
		ArtworkBase: "http://127.0.0.1:1/art/",
	}}
	s, err := New(cfg)
	require.NoError(t, err)

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	s.scheduler.Start(workCtx)
	s.downloads.Start(workCtx)

	cache, ok := s.registry.Get("remote")
	require.True(t, ok)
	res := cache.MergePosts(context.Background(), []channelcache.Entry{
		{PostID: 9, Kind: channelcache.KindPlaylist, TotalCount: 3},
	})
	require.Equal(t, 1, res.Added)
	require.True(t, cache.Dirty())

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_ = s.Shutdown(expired)

	require.False(t, cache.Dirty())
	reloaded := channelcache.New("remote", s.files, s.vault)
	require.NoError(t, reloaded.Load(context.Background()))
	require.Equal(t, 1, reloaded.Len())
}

func TestDeriveArea(t *testing.T) {
	tests := map[string]string{
		"/health":             "internal",
		"/metrics":            "internal",
		"/admin/gc":           "admin",
		"/v1/channels/local":  "channels",
		"/v1/playback/next":   "playback",
		"/v1/artworks/events": "artworks",
		"/v1/device/online":   "device",
		"/favicon.ico":        "unknown",
	}
	for path, want := range tests {
		require.Equal(t, want, deriveArea(path), path)
	}
}
