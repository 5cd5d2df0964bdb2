package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/playback/next", nil)
	r = InjectTags(r)
	SetArea(r, "playback")

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "frame_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "area", "playback"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "frame_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "frame_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/channels/all/refresh", nil)
	r = InjectTags(r)
	SetArea(r, "channels")
	SetEndpoint(r, "refresh")

	RecordHTTP(context.Background(), r, http.StatusAccepted, 12, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "frame_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "area", "channels"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "refresh"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r = InjectTags(r)
	SetArea(r, "internal")

	RecordHTTP(context.Background(), r, http.StatusOK, 15, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "frame_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "area", "internal"))

	detailDps := findCounter(rm, "frame_cache_http_requests_by_endpoint_total")
	require.Empty(t, detailDps)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "frame_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "area", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHelpers_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// None of these may panic before InitMetrics.
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 10)
	RecordDownload(ctx, "all", "success", time.Second)
	RecordVaultWrite(ctx, 10, true)
	RecordEviction(ctx, "all", "count", 3)
	RecordLoadFailure(ctx, "load", false)
	RecordPick(ctx, "all", "swrr")
	RecordRefresh(ctx, "all", "success", time.Second)
	RecordGCPhase(ctx, "temp", 1, time.Millisecond)
	UpdateChannelState(ctx, "all", 1, 1)
	UpdateNAEPool(ctx, 1)
}

func TestRecordEviction_SkipsZero(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEviction(ctx, "all", "count", 0)
	RecordEviction(ctx, "all", "storage", 16)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "frame_cache_evictions_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 16, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "reason", "storage"))
}

func TestRecordPickAndLoadFailure(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPick(ctx, "all", "nae")
	RecordPick(ctx, "all", "nae")
	RecordLoadFailure(ctx, "download", true)

	rm := collectMetrics(t, reader)

	picks := findCounter(rm, "frame_cache_picks_total")
	require.Len(t, picks, 1)
	require.EqualValues(t, 2, picks[0].Value)
	require.True(t, hasAttr(picks[0].Attributes, "via", "nae"))

	failures := findCounter(rm, "frame_cache_load_failures_total")
	require.Len(t, failures, 1)
	require.True(t, hasAttr(failures[0].Attributes, "kind", "download"))
	require.True(t, hasAttr(failures[0].Attributes, "terminal", "true"))
}

func TestRecordGCPhase(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordGCPhase(context.Background(), "orphan_ltf", 4, 20*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "frame_cache_gc_deleted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 4, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "phase", "orphan_ltf"))

	hist := findHistogram(rm, "frame_cache_gc_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestUpdateChannelState(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	UpdateChannelState(ctx, "all", 10, 4)
	UpdateChannelState(ctx, "all", 12, 7)

	rm := collectMetrics(t, reader)
	entries := findGauge(rm, "frame_cache_channel_entries")
	require.Len(t, entries, 1)
	require.EqualValues(t, 12, entries[0].Value)

	available := findGauge(rm, "frame_cache_channel_available_entries")
	require.Len(t, available, 1)
	require.EqualValues(t, 7, available[0].Value)
}

func TestPrometheusHandler_NotFoundWithoutInit(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
