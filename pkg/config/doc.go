// Package config loads service configuration from defaults, an optional
// YAML file and HAULBASE_-prefixed environment variables, in that order.
//
// # Keys
//
// Server:
//
//	HAULBASE_HOST="0.0.0.0"
//	HAULBASE_PORT="8080"
//	HAULBASE_HEALTH_PORT="9090"
//	HAULBASE_SHUTDOWN_TIMEOUT="30s"
//
// Database and Redis:
//
//	HAULBASE_POSTGRES_URL="postgres://localhost/haulbase?sslmode=disable"
//	HAULBASE_POSTGRES_MAX_OPEN_CONNS="25"
//	HAULBASE_RUN_MIGRATIONS="true"
//	HAULBASE_REDIS_URL="redis://localhost:6379/0"
//
// Permission cache:
//
//	HAULBASE_AUTHZ_CACHE_BACKEND="memory"  # memory, redis, broadcast
//	HAULBASE_AUTHZ_CACHE_TTL="5m"
//	HAULBASE_AUTHZ_CACHE_SIZE="10000"
//	HAULBASE_AUTHZ_INVALIDATION_CHANNEL="authz:invalidations"
//	HAULBASE_AUTHZ_CACHE_FLUSH_SCHEDULE="@every 1h"
//
// Observability:
//
//	HAULBASE_LOG_LEVEL="info"  # debug, info, warn, error
//	HAULBASE_LOG_FORMAT="json" # json, text
//	HAULBASE_METRICS_ENABLED="true"
//	HAULBASE_OTEL_ENABLED="false"
//	HAULBASE_OTEL_ENDPOINT="otel-collector:4317"
//
// The same keys are available in YAML under server, database, redis, authz
// and observability. Set HAULBASE_CONFIG_FILE to load one; Watch reloads it
// when it changes.
package config
