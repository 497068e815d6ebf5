package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMeterProvider(t *testing.T) (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	return provider, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// sumFor returns the counter value for the data point carrying attr, or the
// total over all points when attr is empty
func sumFor(t *testing.T, m metricdata.Metrics, attr attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		if attr.Key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attr.Key); ok && v.Emit() == attr.Value.Emit() {
			total += dp.Value
		}
	}
	return total
}

func TestNewOTelMetricsWithProvider(t *testing.T) {
	provider, _ := setupTestMeterProvider(t)

	m, err := NewOTelMetricsWithProvider(provider)
	require.NoError(t, err)
	assert.NotNil(t, m.cacheHits)
	assert.NotNil(t, m.resolutionDuration)
	assert.NotNil(t, m.httpDuration)
}

func TestNewOTelMetrics_GlobalProvider(t *testing.T) {
	m, err := NewOTelMetrics()
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordCacheHit()
		m.RecordCheck(true)
	}, "the no-op global provider accepts recordings")
}

func TestOTelMetrics_ResolverEvents(t *testing.T) {
	provider, reader := setupTestMeterProvider(t)
	m, err := NewOTelMetricsWithProvider(provider)
	require.NoError(t, err)

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordResolution("role", 4*time.Millisecond)
	m.RecordResolution("legacy", time.Millisecond)
	m.RecordInvalidation("role", 5)
	m.RecordInvalidation("all", 0)
	m.RecordCheck(true)
	m.RecordCheck(false)
	m.RecordCheck(false)
	m.RecordTruncatedWalk()

	got := collect(t, reader)
	none := attribute.KeyValue{}

	assert.Equal(t, int64(2), sumFor(t, got["authz.cache.hits"], none))
	assert.Equal(t, int64(1), sumFor(t, got["authz.cache.misses"], none))
	assert.Equal(t, int64(1), sumFor(t, got["authz.resolutions"], attribute.String("authz.path", "role")))
	assert.Equal(t, int64(1), sumFor(t, got["authz.resolutions"], attribute.String("authz.path", "legacy")))
	assert.Equal(t, int64(2), sumFor(t, got["authz.cache.invalidations"], none))
	assert.Equal(t, int64(5), sumFor(t, got["authz.cache.invalidated_users"], attribute.String("authz.scope", "role")))
	assert.Equal(t, int64(2), sumFor(t, got["authz.checks"], attribute.Bool("authz.allowed", false)))
	assert.Equal(t, int64(1), sumFor(t, got["authz.hierarchy.truncated_walks"], none))

	hist, ok := got["authz.resolution.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestOTelMetrics_RecordHTTPRequest(t *testing.T) {
	provider, reader := setupTestMeterProvider(t)
	m, err := NewOTelMetricsWithProvider(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordHTTPRequest(ctx, "GET", "/rbac/roles", 200, 10*time.Millisecond)
	m.RecordHTTPRequest(ctx, "POST", "/rbac/roles", 409, 5*time.Millisecond)

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, got["http.server.requests"], attribute.Int("http.status_code", 409)))
	assert.Equal(t, int64(2), sumFor(t, got["http.server.requests"], attribute.String("http.route", "/rbac/roles")))

	hist, ok := got["http.server.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, hist.DataPoints, 2)
}
