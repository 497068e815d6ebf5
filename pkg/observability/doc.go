// Package observability provides logging, metrics, tracing, health probes
// and shutdown handling for the authorization service.
//
// # Logging
//
// Logger wraps logrus and carries request-scoped fields:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Info("resolved permissions")
//
// # Metrics
//
// Metrics (Prometheus) and OTelMetrics (OpenTelemetry) both satisfy the
// resolver's metrics recorder, so either can be handed to
// rbac.WithMetrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	resolver := rbac.NewResolver(store, rbac.WithMetrics(metrics))
//
// # Tracing
//
// InitOTel installs OTLP/gRPC trace and metric providers globally. It
// returns nil providers when disabled, which ShutdownOTel accepts.
//
// # Health and shutdown
//
// HealthChecker serves /health/live and /health/ready. ShutdownManager
// drains HTTP servers and runs cleanup functions on SIGINT/SIGTERM.
package observability
