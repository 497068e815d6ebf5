package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/haulbase/haulbase/pkg/config"
	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/rbac"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const dbStatsSchedule = "@every 15s"

func main() {
	configPath := flag.String("config", os.Getenv(config.ConfigFileEnv), "Path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "authzd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Observability.OTelServiceVersion == "dev" {
		cfg.Observability.OTelServiceVersion = version
	}

	logger := newLogger(cfg.Observability).WithField("service", "authzd")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}

	var (
		registry    *prometheus.Registry
		promMetrics *observability.Metrics
		recorders   observability.Recorders
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		promMetrics = observability.NewMetrics(registry)
		recorders = append(recorders, promMetrics)
	}
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return err
		}
		recorders = append(recorders, otelMetrics)
	}

	cache, redisClient, err := buildCache(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return err
	}

	manager := rbac.NewManager(db, rbac.Config{
		CacheTTL:      cfg.Authz.CacheTTL,
		CacheSize:     cfg.Authz.CacheSize,
		FlushSchedule: cfg.Authz.CacheFlushSchedule,
		RunMigrations: cfg.Database.RunMigrations,
	},
		rbac.WithManagerLogger(logger),
		rbac.WithResolverOptions(rbac.WithCache(cache), rbac.WithMetrics(recorders)),
	)
	if err := manager.Initialize(ctx); err != nil {
		return err
	}
	if bc, ok := cache.(*rbac.BroadcastCache); ok {
		if err := bc.Start(ctx); err != nil {
			return err
		}
	}
	if err := manager.Start(); err != nil {
		return err
	}

	sampler := cron.New()
	if promMetrics != nil {
		if _, err := sampler.AddFunc(dbStatsSchedule, func() {
			promMetrics.RecordDBStats(db.Stats())
		}); err != nil {
			return fmt.Errorf("failed to schedule db stats: %w", err)
		}
	}
	sampler.Start()

	if configPath != "" {
		watcher, err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			logger.SetLevel(next.Observability.Level())
			logger.WithField("log_level", next.Observability.LogLevel).Info("Applied config change; other settings need a restart")
		})
		if err != nil {
			logger.WithError(err).Warn("Config file will not be reloaded")
		} else {
			defer watcher.Close()
		}
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      newAPIHandler(manager, promMetrics, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	opsServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     newOpsHandler(observability.NewHealthChecker(db, redisClient, version), registry),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, opsServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		<-sampler.Stop().Done()
		if err := manager.Stop(ctx); err != nil {
			return err
		}
		if bc, ok := cache.(*rbac.BroadcastCache); ok {
			if err := bc.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close invalidation subscriber")
			}
		}
		if redisClient != nil {
			redisClient.Close()
		}
		return db.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	for _, srv := range []*http.Server{apiServer, opsServer} {
		go func(srv *http.Server) {
			defer observability.RecoverPanic(logger, "http server")
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).WithField("addr", srv.Addr).Error("Server failed")
				cancel()
			}
		}(srv)
	}

	logger.WithFields(map[string]interface{}{
		"version":       version,
		"cache_backend": cfg.Authz.CacheBackend,
		"cache_ttl":     cfg.Authz.CacheTTL.String(),
	}).Info("authzd started")

	return shutdown.WaitForShutdown(ctx)
}
