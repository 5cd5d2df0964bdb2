package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/frame-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	fetchDuration   metric.Float64Histogram
	fetchTotal      metric.Int64Counter
	fetchBytesTotal metric.Int64Counter

	downloadsTotal    metric.Int64Counter
	downloadDuration  metric.Float64Histogram
	vaultWriteSize    metric.Float64Histogram
	evictionsTotal    metric.Int64Counter
	loadFailuresTotal metric.Int64Counter
	picksTotal        metric.Int64Counter
	refreshTotal      metric.Int64Counter
	refreshDuration   metric.Float64Histogram

	// Garbage collector metrics
	gcDeletedTotal metric.Int64Counter
	gcDuration     metric.Float64Histogram

	channelEntries metric.Int64Gauge
	channelCached  metric.Int64Gauge
	naePoolEntries metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "frame-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"frame_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"frame_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"frame_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"frame_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"frame_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"frame_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"frame_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.fetchDuration, err = meter.Float64Histogram(
		"frame_cache_fetch_duration_seconds",
		metric.WithDescription("Duration of remote fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.fetchTotal, err = meter.Int64Counter(
		"frame_cache_fetch_total",
		metric.WithDescription("Total number of remote fetch requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.fetchBytesTotal, err = meter.Int64Counter(
		"frame_cache_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from remote sources"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.downloadsTotal, err = meter.Int64Counter(
		"frame_cache_downloads_total",
		metric.WithDescription("Artwork downloads by outcome"),
		metric.WithUnit("{download}"),
	); err != nil {
		return nil, err
	}

	if m.downloadDuration, err = meter.Float64Histogram(
		"frame_cache_download_duration_seconds",
		metric.WithDescription("Duration of artwork downloads"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120),
	); err != nil {
		return nil, err
	}

	if m.vaultWriteSize, err = meter.Float64Histogram(
		"frame_cache_vault_write_size_bytes",
		metric.WithDescription("Size of artwork files written to the vault"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	); err != nil {
		return nil, err
	}

	if m.evictionsTotal, err = meter.Int64Counter(
		"frame_cache_evictions_total",
		metric.WithDescription("Channel cache entries evicted"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.loadFailuresTotal, err = meter.Int64Counter(
		"frame_cache_load_failures_total",
		metric.WithDescription("Artwork load and download failures recorded"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}

	if m.picksTotal, err = meter.Int64Counter(
		"frame_cache_picks_total",
		metric.WithDescription("Artworks chosen by the play scheduler"),
		metric.WithUnit("{pick}"),
	); err != nil {
		return nil, err
	}

	if m.refreshTotal, err = meter.Int64Counter(
		"frame_cache_refresh_total",
		metric.WithDescription("Channel refresh runs by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.refreshDuration, err = meter.Float64Histogram(
		"frame_cache_refresh_duration_seconds",
		metric.WithDescription("Duration of channel refresh runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.gcDeletedTotal, err = meter.Int64Counter(
		"frame_cache_gc_deleted_total",
		metric.WithDescription("Files deleted by the garbage collector"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, err
	}

	if m.gcDuration, err = meter.Float64Histogram(
		"frame_cache_gc_duration_seconds",
		metric.WithDescription("Duration of garbage collector phases"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.channelEntries, err = meter.Int64Gauge(
		"frame_cache_channel_entries",
		metric.WithDescription("Entries in each channel cache"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.channelCached, err = meter.Int64Gauge(
		"frame_cache_channel_available_entries",
		metric.WithDescription("Entries in each channel cache whose file is on disk"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.naePoolEntries, err = meter.Int64Gauge(
		"frame_cache_nae_pool_entries",
		metric.WithDescription("Entries in the new-artwork-event pool"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Area and endpoint are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	area := "unknown"
	endpoint := ""
	if tags := GetTags(r); tags != nil {
		if tags.Area != "" {
			area = tags.Area
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := metric.WithAttributes(
		attribute.String("area", area),
		attribute.String("status_class", statusClass),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	if endpoint != "" {
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("area", area),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
		))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordFetch records a remote fetch request. channel may be empty for
// requests made outside any channel.
func RecordFetch(ctx context.Context, source, channel string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	kvs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	if channel != "" {
		kvs = append(kvs, attribute.String("channel", channel))
	}
	attrs := metric.WithAttributes(kvs...)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.fetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordDownload records the outcome of one download attempt.
// outcome is "success", "exists", "transient", "permanent", "exhausted" or "canceled".
func RecordDownload(ctx context.Context, channel, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	)
	globalMetrics.downloadsTotal.Add(ctx, 1, attrs)
	globalMetrics.downloadDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordVaultWrite records a file written to the vault.
func RecordVaultWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}
	globalMetrics.vaultWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("result", result)))
}

// RecordEviction records entries removed from a channel cache.
// reason is "count", "storage" or "reconcile".
func RecordEviction(ctx context.Context, channel, reason string, count int) {
	if globalMetrics == nil || count <= 0 {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("reason", reason),
	))
}

// RecordLoadFailure records a failure reported to the load tracker.
// kind is "load" or "download".
func RecordLoadFailure(ctx context.Context, kind string, terminal bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.loadFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("terminal", strconv.FormatBool(terminal)),
	))
}

// RecordPick records one scheduler decision. via is "nae", "swrr" or "none".
func RecordPick(ctx context.Context, channel, via string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.picksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("via", via),
	))
}

// RecordRefresh records one channel refresh run.
func RecordRefresh(ctx context.Context, channel, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	)
	globalMetrics.refreshTotal.Add(ctx, 1, attrs)
	globalMetrics.refreshDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGCPhase records one garbage collector phase's deleted count and duration.
// Called unconditionally per phase.
func RecordGCPhase(ctx context.Context, phase string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	globalMetrics.gcDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.gcDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateChannelState updates the per-channel size gauges.
func UpdateChannelState(ctx context.Context, channel string, entries, available int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	globalMetrics.channelEntries.Record(ctx, int64(entries), attrs)
	globalMetrics.channelCached.Record(ctx, int64(available), attrs)
}

// UpdateNAEPool updates the new-artwork-event pool gauge.
func UpdateNAEPool(ctx context.Context, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.naePoolEntries.Record(ctx, int64(entries))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
