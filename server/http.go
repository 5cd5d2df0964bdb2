// Package server wires the frame cache together and serves its HTTP
// status and playback control API.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/frame-cache/backend"
	"github.com/wolfeidau/frame-cache/channelcache"
	"github.com/wolfeidau/frame-cache/download"
	"github.com/wolfeidau/frame-cache/events"
	"github.com/wolfeidau/frame-cache/gc"
	"github.com/wolfeidau/frame-cache/loadtracker"
	"github.com/wolfeidau/frame-cache/playstate"
	"github.com/wolfeidau/frame-cache/scheduler"
	"github.com/wolfeidau/frame-cache/source"
	"github.com/wolfeidau/frame-cache/telemetry"
	"github.com/wolfeidau/frame-cache/vault"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for storage. The vault, channel caches
	// and playback state live in subdirectories of it.
	StoragePath string

	// Channels are registered with the scheduler at startup.
	Channels []source.Definition

	// WeightMode is equal, manual or proportional. Default: equal.
	WeightMode string

	// DefaultDwell is the display duration of items without their own.
	// Default: 30s.
	DefaultDwell time.Duration

	// RefreshInterval is how often each channel is refreshed. Default: 1h.
	RefreshInterval time.Duration

	// MaxArtworks caps the number of downloaded artworks per channel.
	// Default: 1024. A negative value disables the cap.
	MaxArtworks int

	// MinFreeBytes is the free space storage-pressure eviction restores.
	// Default: 32 MiB.
	MinFreeBytes uint64

	// DownloadBytesPerSecond caps download bandwidth. Zero is unlimited.
	DownloadBytesPerSecond int64

	// MaxObjectSize bounds a single download. Zero uses the fetcher default.
	MaxObjectSize int64

	// GC configures vault garbage collection. A zero Interval disables it.
	GC gc.Config

	// StartOffline leaves the online flag clear until POST
	// /v1/device/online is called. Remote refreshes wait until then.
	StartOffline bool

	// AuthToken, when set, is required as a Bearer token on every
	// endpoint except /health and /metrics.
	AuthToken string

	// ShutdownTimeout bounds graceful shutdown. Default: 5s.
	ShutdownTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the frame cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	files     *backend.Filesystem
	objects   *backend.Filesystem
	vault     *vault.Vault
	tracker   *loadtracker.Tracker
	registry  *channelcache.Registry
	state     *playstate.Store
	events    *events.Set
	downloads *download.Manager
	scheduler *scheduler.Scheduler
	gc        *gc.Manager
}

// New creates a new server with the given configuration. Channels are
// registered before it returns; background workers start with Run.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./frame-cache"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	weightMode, err := scheduler.ParseWeightMode(cfg.WeightMode)
	if err != nil {
		return nil, err
	}

	// Initialize storage backends
	files, err := backend.NewFilesystem(filepath.Join(cfg.StoragePath, "channels"))
	if err != nil {
		return nil, fmt.Errorf("creating channel backend: %w", err)
	}
	objects, err := backend.NewFilesystem(filepath.Join(cfg.StoragePath, "vault"))
	if err != nil {
		return nil, fmt.Errorf("creating vault backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(objects, "vault")

	v := vault.New(instrumented, vault.WithLogger(cfg.Logger))
	tracker := loadtracker.New(instrumented, loadtracker.WithLogger(cfg.Logger))
	registry := channelcache.NewRegistry(files, v, channelcache.WithLogger(cfg.Logger))

	state, err := playstate.Open(filepath.Join(cfg.StoragePath, "playstate.db"), playstate.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("opening playback state: %w", err)
	}

	ev := &events.Set{}
	ev.StorageReady.Set()
	if !cfg.StartOffline {
		ev.Online.Set()
	}

	fetcherOpts := []download.FetcherOption{download.WithBytesPerSecond(cfg.DownloadBytesPerSecond)}
	if cfg.MaxObjectSize > 0 {
		fetcherOpts = append(fetcherOpts, download.WithMaxObjectSize(cfg.MaxObjectSize))
	}

	// The scheduler resolves artwork URLs for the download manager and
	// drives it in turn, so the resolver closes over it.
	var sched *scheduler.Scheduler
	resolver := download.ResolverFunc(func(ctx context.Context, channelID string, e channelcache.Entry) (string, error) {
		return sched.ArtworkURL(ctx, channelID, e)
	})

	dlCfg := download.DefaultConfig()
	if cfg.MinFreeBytes > 0 {
		dlCfg.MinFreeBytes = cfg.MinFreeBytes
	}
	dlCfg.Logger = cfg.Logger
	downloads := download.NewManager(registry, v, tracker, download.NewHTTPFetcher(fetcherOpts...), resolver, dlCfg)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.WeightMode = weightMode
	if cfg.DefaultDwell > 0 {
		schedCfg.DefaultDwell = cfg.DefaultDwell
	}
	if cfg.RefreshInterval > 0 {
		schedCfg.RefreshInterval = cfg.RefreshInterval
	}
	if cfg.MinFreeBytes > 0 {
		schedCfg.MinFreeBytes = cfg.MinFreeBytes
	}
	schedCfg.MaxArtworks = cfg.MaxArtworks
	schedCfg.State = state
	schedCfg.Events = ev
	schedCfg.Logger = cfg.Logger
	schedCfg.OnPlay = func(it scheduler.Item) {
		cfg.Logger.Info("now playing",
			"channel", it.ChannelID,
			"post_id", it.Entry.PostID,
			"via", it.Via,
			"dwell", it.Dwell,
		)
	}
	sched = scheduler.New(registry, v, tracker, downloads, schedCfg)
	downloads.OnAvailable(sched.ArtworkAvailable)

	var gcMgr *gc.Manager
	if cfg.GC.Interval > 0 {
		gcMgr = gc.New(v, registry, tracker, cfg.GC,
			gc.WithLogger(cfg.Logger),
			gc.WithMetrics(otel.GetMeterProvider().Meter("github.com/wolfeidau/frame-cache/gc")),
		)
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		files:     files,
		objects:   objects,
		vault:     v,
		tracker:   tracker,
		registry:  registry,
		state:     state,
		events:    ev,
		downloads: downloads,
		scheduler: sched,
		gc:        gcMgr,
	}

	if err := s.registerChannels(context.Background()); err != nil {
		_ = state.Close()
		return nil, err
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) registerChannels(ctx context.Context) error {
	client := &http.Client{
		Transport: download.NewTransport("catalog"),
		Timeout:   time.Minute,
	}
	for _, d := range s.config.Channels {
		src, err := source.New(d, client)
		if err != nil {
			return fmt.Errorf("channel %s: %w", d.ID, err)
		}
		order, err := scheduler.ParseOrder(d.Order)
		if err != nil {
			return fmt.Errorf("channel %s: %w", d.ID, err)
		}
		err = s.scheduler.Register(ctx, scheduler.ChannelConfig{
			ID:     d.ID,
			Source: src,
			Weight: d.Weight,
			Order:  order,
			Dwell:  d.Dwell,
		})
		if err != nil {
			return fmt.Errorf("registering channel %s: %w", d.ID, err)
		}
	}
	s.logger.Info("channels registered", "count", len(s.config.Channels))
	return nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Scheduler, download and vault stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Channels
	mux.HandleFunc("GET /v1/channels", s.handleListChannels)
	mux.HandleFunc("GET /v1/channels/{id}", s.handleGetChannel)
	mux.HandleFunc("POST /v1/channels/{id}/refresh", s.handleRefreshChannel)

	// Playback
	mux.HandleFunc("POST /v1/playback/next", s.handleNext)
	mux.HandleFunc("POST /v1/playback/previous", s.handlePrevious)
	mux.HandleFunc("GET /v1/playback/current", s.handleCurrent)

	// Artworks
	mux.HandleFunc("POST /v1/artworks/events", s.handlePublish)
	mux.HandleFunc("GET /v1/artworks/{channel}/{post}", s.handleArtworkFile)
	mux.HandleFunc("POST /v1/artworks/{channel}/{post}/load-failure", s.handleLoadFailure)
	mux.HandleFunc("POST /v1/artworks/{channel}/{post}/load-success", s.handleLoadSuccess)

	// Device conditions
	mux.HandleFunc("POST /v1/device/online", s.handleOnline)
	mux.HandleFunc("POST /v1/device/offline", s.handleOffline)

	// Garbage collection
	mux.HandleFunc("POST /admin/gc", s.handleGCRun)
	mux.HandleFunc("GET /admin/gc/status", s.handleGCStatus)
}

// Handler returns the HTTP handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set endpoint, channel, etc.
		r = telemetry.InjectTags(r)
		telemetry.SetArea(r, deriveArea(r.URL.Path))
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"area", tags.Area,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Channel != "" {
			attrs = append(attrs, "channel", tags.Channel)
		}

		if tags.Area == "internal" {
			s.logger.Debug("http request", attrs...)
		} else {
			s.logger.Info("http request", attrs...)
		}

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Run starts the background workers and the HTTP listener, and blocks
// until ctx is canceled or the listener fails. Workers are stopped and
// state is flushed before it returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	s.scheduler.Start(workCtx)
	s.downloads.Start(workCtx)
	if s.gc != nil {
		s.gc.Start(workCtx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops the HTTP server and the background workers, then
// persists channel caches and closes the playback state. Caches are saved
// even when ctx has already expired; the playback state is only closed
// once the workers have exited.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.events.Shutdown.Set()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.scheduler.Stop()
		s.downloads.Stop()
	}()

	// Flushing state gets its own grace period so an expired shutdown
	// deadline does not throw away dirty caches.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	workersDone := true
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("workers still stopping after shutdown deadline")
		select {
		case <-stopped:
		case <-persistCtx.Done():
			workersDone = false
			errs = append(errs, fmt.Errorf("stopping workers: %w", ctx.Err()))
		}
	}

	if s.gc != nil {
		if err := s.gc.Stop(persistCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping gc: %w", err))
		}
	}
	if err := s.registry.SaveAll(persistCtx); err != nil {
		errs = append(errs, fmt.Errorf("saving channel caches: %w", err))
	}
	if !workersDone {
		s.logger.Warn("leaving playback state open, workers did not exit")
		return errors.Join(errs...)
	}
	if err := s.state.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing playback state: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases resources of a server that was never run.
func (s *Server) Close() error {
	return s.state.Close()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveArea classifies a request path for logs and metrics.
func deriveArea(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/admin/"):
		return "admin"
	case strings.HasPrefix(path, "/v1/channels"):
		return "channels"
	case strings.HasPrefix(path, "/v1/playback/"):
		return "playback"
	case strings.HasPrefix(path, "/v1/artworks/"):
		return "artworks"
	case strings.HasPrefix(path, "/v1/device/"):
		return "device"
	default:
		return "unknown"
	}
}
