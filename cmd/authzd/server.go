package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/haulbase/haulbase/pkg/config"
	"github.com/haulbase/haulbase/pkg/httputil"
	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/permissions"
	"github.com/haulbase/haulbase/pkg/rbac"
)

const maxRequestBytes = 1 << 20

func newLogger(cfg config.ObservabilityConfig) *observability.Logger {
	if cfg.LogFormat == "text" {
		return observability.NewTextLogger(cfg.Level(), os.Stdout)
	}
	return observability.NewLogger(cfg.Level(), os.Stdout)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// buildCache returns the permission cache for the configured backend and
// the Redis client backing it, if any
func buildCache(ctx context.Context, cfg *config.Config, logger *observability.Logger) (rbac.PermissionCache, *redis.Client, error) {
	authz := cfg.Authz
	if authz.CacheBackend == config.CacheBackendMemory {
		return rbac.NewMemoryCache(authz.CacheSize, authz.CacheTTL), nil, nil
	}

	client, err := rbac.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}

	switch authz.CacheBackend {
	case config.CacheBackendRedis:
		return rbac.NewRedisCache(client, authz.RedisKeyPrefix, authz.CacheTTL), client, nil
	case config.CacheBackendBroadcast:
		local := rbac.NewMemoryCache(authz.CacheSize, authz.CacheTTL)
		return rbac.NewBroadcastCache(local, client, authz.InvalidationChannel, logger), client, nil
	default:
		client.Close()
		return nil, nil, fmt.Errorf("unknown cache backend: %s", authz.CacheBackend)
	}
}

// adminGuard requires roles.view for reads and roles.manage for writes on
// the admin API
func adminGuard(pm *rbac.PermissionMiddleware) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		read := pm.RequirePermission(permissions.RolesView)(next)
		write := pm.RequirePermission(permissions.RolesManage)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				read.ServeHTTP(w, r)
				return
			}
			write.ServeHTTP(w, r)
		})
	}
}

// newAPIHandler builds the admin API: traced, request-scoped, identified and
// permission-gated
func newAPIHandler(manager *rbac.Manager, metrics *observability.Metrics, logger *observability.Logger) http.Handler {
	router := mux.NewRouter()
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	admin := router.NewRoute().Subrouter()
	admin.Use(adminGuard(manager.GetMiddleware()))
	manager.RegisterRoutes(admin)

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.IdentityMiddleware,
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)(router)

	return otelhttp.NewHandler(handler, "authzd")
}

// newOpsHandler serves health probes and, when registry is non-nil, metrics
func newOpsHandler(checker *observability.HealthChecker, registry *prometheus.Registry) http.Handler {
	serveMux := http.NewServeMux()
	observability.RegisterHealthRoutes(serveMux, checker)
	if registry != nil {
		observability.RegisterMetricsEndpoint(serveMux, registry)
	}
	return serveMux
}
