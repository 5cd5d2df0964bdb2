// Command frame-cache runs the content cache and playback scheduler of a
// digital art frame.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/frame-cache/gc"
	"github.com/wolfeidau/frame-cache/server"
	"github.com/wolfeidau/frame-cache/source"
	"github.com/wolfeidau/frame-cache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info" env:"FRAME_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text" env:"FRAME_CACHE_LOG_FORMAT"`
}

// Logger builds the slog logger selected by the flags.
func (g *Globals) Logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return slog.New(handler), nil
}

// ServeCmd runs the cache, the scheduler and the HTTP API.
type ServeCmd struct {
	Address      string `help:"Address to listen on." default:":8080" env:"FRAME_CACHE_ADDRESS"`
	Storage      string `help:"Storage directory path." default:"./frame-cache" type:"path" env:"FRAME_CACHE_STORAGE"`
	ChannelsFile string `help:"TOML file defining the channels." name:"channels" type:"existingfile" env:"FRAME_CACHE_CHANNELS"`
	AuthToken    string `help:"Bearer token required by the API (empty disables auth)." env:"FRAME_CACHE_AUTH_TOKEN"`

	WeightMode      string        `help:"How channel weights are derived (equal, manual, proportional)." enum:"equal,manual,proportional" default:"equal"`
	Dwell           time.Duration `help:"Default display duration of an artwork." default:"30s"`
	RefreshInterval time.Duration `help:"How often each channel is refreshed." default:"1h"`
	MaxArtworks     int           `help:"Maximum downloaded artworks per channel (-1 for no cap)." default:"1024"`
	MinFreeBytes    uint64        `help:"Free space storage-pressure eviction restores." default:"33554432"`
	BytesPerSecond  int64         `help:"Download bandwidth cap in bytes per second (0 for unlimited)." default:"0"`
	MaxObjectSize   int64         `help:"Largest artwork download in bytes (0 for the default)." default:"0"`
	StartOffline    bool          `help:"Wait for POST /v1/device/online before refreshing remote channels."`

	GCInterval     time.Duration `help:"How often vault garbage collection runs (0 disables it)." default:"1h" name:"gc-interval"`
	GCStartupDelay time.Duration `help:"Delay before the first garbage collection." default:"5m" name:"gc-startup-delay"`

	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics (empty disables export)." name:"otlp-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Run starts the server and blocks until SIGINT or SIGTERM.
func (c *ServeCmd) Run(g *Globals) error {
	logger, err := g.Logger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var channels []source.Definition
	if c.ChannelsFile != "" {
		channels, err = source.LoadDefinitions(c.ChannelsFile)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no channels file given, starting without channels")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "frame-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics", "error", err)
		}
	}()

	gcCfg := gc.DefaultConfig()
	gcCfg.Interval = c.GCInterval
	gcCfg.StartupDelay = c.GCStartupDelay

	srv, err := server.New(server.Config{
		Address:                c.Address,
		StoragePath:            c.Storage,
		Channels:               channels,
		WeightMode:             c.WeightMode,
		DefaultDwell:           c.Dwell,
		RefreshInterval:        c.RefreshInterval,
		MaxArtworks:            c.MaxArtworks,
		MinFreeBytes:           c.MinFreeBytes,
		DownloadBytesPerSecond: c.BytesPerSecond,
		MaxObjectSize:          c.MaxObjectSize,
		GC:                     gcCfg,
		StartOffline:           c.StartOffline,
		AuthToken:              c.AuthToken,
		ShutdownTimeout:        5 * time.Second,
		Logger:                 logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("server started",
		"address", srv.Address(),
		"storage", c.Storage,
		"channels", len(channels),
		"version", version,
	)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// ExampleChannelsCmd prints an example channels file.
type ExampleChannelsCmd struct{}

// Run writes the example to stdout.
func (ExampleChannelsCmd) Run() error {
	_, err := os.Stdout.Write(source.ExampleDefinitions())
	return err
}

// CLI is the command line of frame-cache.
type CLI struct {
	Globals

	Serve           ServeCmd           `cmd:"" default:"withargs" help:"Run the frame cache (default)."`
	ExampleChannels ExampleChannelsCmd `cmd:"" help:"Print an example channels file."`
	Version         kong.VersionFlag   `help:"Print the version and exit."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("frame-cache"),
		kong.Description("Content cache and playback scheduler for a digital art frame."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
