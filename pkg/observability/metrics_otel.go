package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/haulbase/haulbase"

// OTelMetrics records resolver events as OpenTelemetry instruments. It is
// the OTLP counterpart of Metrics.
type OTelMetrics struct {
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	resolutions        metric.Int64Counter
	resolutionDuration metric.Float64Histogram
	invalidations      metric.Int64Counter
	invalidatedUsers   metric.Int64Counter
	checks             metric.Int64Counter
	truncatedWalks     metric.Int64Counter
	httpRequests       metric.Int64Counter
	httpDuration       metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithProvider(otel.GetMeterProvider())
}

// NewOTelMetricsWithProvider creates instruments on provider
func NewOTelMetricsWithProvider(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter(meterName)

	m := &OTelMetrics{}
	var err error

	if m.cacheHits, err = meter.Int64Counter(
		"authz.cache.hits",
		metric.WithDescription("Permission sets served from cache"),
		metric.WithUnit("{hit}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	if m.cacheMisses, err = meter.Int64Counter(
		"authz.cache.misses",
		metric.WithDescription("Permission lookups that required a computation"),
		metric.WithUnit("{miss}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	if m.resolutions, err = meter.Int64Counter(
		"authz.resolutions",
		metric.WithDescription("Permission set computations"),
		metric.WithUnit("{resolution}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create resolutions counter: %w", err)
	}

	if m.resolutionDuration, err = meter.Float64Histogram(
		"authz.resolution.duration",
		metric.WithDescription("Permission set computation time"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create resolution duration histogram: %w", err)
	}

	if m.invalidations, err = meter.Int64Counter(
		"authz.cache.invalidations",
		metric.WithDescription("Cache invalidations"),
		metric.WithUnit("{invalidation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create invalidations counter: %w", err)
	}

	if m.invalidatedUsers, err = meter.Int64Counter(
		"authz.cache.invalidated_users",
		metric.WithDescription("Users whose cached permissions were dropped"),
		metric.WithUnit("{user}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create invalidated users counter: %w", err)
	}

	if m.checks, err = meter.Int64Counter(
		"authz.checks",
		metric.WithDescription("Permission checks"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}

	if m.truncatedWalks, err = meter.Int64Counter(
		"authz.hierarchy.truncated_walks",
		metric.WithDescription("Role hierarchy walks that stopped early"),
		metric.WithUnit("{walk}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create truncated walks counter: %w", err)
	}

	if m.httpRequests, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

// RecordCacheHit counts a permission set served from cache
func (m *OTelMetrics) RecordCacheHit() {
	m.cacheHits.Add(context.Background(), 1)
}

// RecordCacheMiss counts a lookup that required a computation
func (m *OTelMetrics) RecordCacheMiss() {
	m.cacheMisses.Add(context.Background(), 1)
}

// RecordResolution records one permission set computation
func (m *OTelMetrics) RecordResolution(path string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("authz.path", path))
	m.resolutions.Add(ctx, 1, attrs)
	m.resolutionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordInvalidation records one invalidation and how many users it touched
func (m *OTelMetrics) RecordInvalidation(scope string, users int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("authz.scope", scope))
	m.invalidations.Add(ctx, 1, attrs)
	m.invalidatedUsers.Add(ctx, int64(users), attrs)
}

// RecordCheck records a permission check result
func (m *OTelMetrics) RecordCheck(allowed bool) {
	m.checks.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("authz.allowed", allowed)))
}

// RecordTruncatedWalk counts a hierarchy walk that stopped early
func (m *OTelMetrics) RecordTruncatedWalk() {
	m.truncatedWalks.Add(context.Background(), 1)
}

// RecordHTTPRequest records an HTTP request
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}
