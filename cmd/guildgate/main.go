package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/guildtools/guildgate/pkg/audit"
	"github.com/guildtools/guildgate/pkg/config"
	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/ops"
	"github.com/guildtools/guildgate/pkg/security"
	"github.com/guildtools/guildgate/pkg/store"
	"github.com/guildtools/guildgate/pkg/store/memory"
	mongostore "github.com/guildtools/guildgate/pkg/store/mongo"
	postgresstore "github.com/guildtools/guildgate/pkg/store/postgres"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "guildgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment itself is authoritative.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"version": version,
		"store":   cfg.Store.Backend,
		"cache":   cfg.Cache.Backend,
	}).Info("Starting guildgate")

	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}

	cache, err := openCache(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s cache: %w", cfg.Cache.Backend, err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	health := observability.NewHealthChecker(version)
	health.AddProbe("store", st.Ping)
	if redisCache, ok := cache.(*security.RedisCache); ok {
		health.AddOptionalProbe("cache", redisCache.Ping)
	}

	opsServer := ops.NewServer(st, health, logger, metrics, ops.Options{
		AuthToken:          cfg.Server.AuthToken,
		RateLimitPerSecond: cfg.Server.RateLimitPerSecond,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
	})

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register("store", st.Close)
	if providers != nil {
		shutdown.Register("otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		})
	}

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	opsServer.Limiter().StartCleanup(cleanupCtx)

	scheduler, err := startRetention(cfg, st, metrics, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		shutdown.Register("retention scheduler", func(ctx context.Context) error {
			stopped := scheduler.Stop()
			select {
			case <-stopped.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if cfg.OverlayPath != "" {
		stopWatch, err := config.Watch(cfg.OverlayPath, logger, nil)
		if err != nil {
			logger.WithError(err).Warn("Config overlay watcher unavailable")
		} else {
			shutdown.Register("config watcher", func(ctx context.Context) error {
				stopWatch()
				return nil
			})
		}
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      opsServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthMux(health, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	shutdown.RegisterServer("ops server", apiServer)
	shutdown.RegisterServer("health server", healthServer)

	var g errgroup.Group
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("Ops API listening")
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(shutdown.WaitForShutdown)

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMongo:
		st, err := mongostore.New(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure mongo indexes: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		return postgresstore.Open(ctx, cfg.Store.PostgresURL, cfg.Store.PostgresMaxConns)
	default:
		return memory.New(), nil
	}
}

func openCache(cfg *config.Config, logger *observability.Logger) (security.Cache, error) {
	if cfg.Cache.Backend == config.CacheRedis {
		return security.NewRedisCache(
			cfg.Cache.RedisAddr,
			cfg.Cache.RedisPassword,
			cfg.Cache.RedisDB,
			cfg.Cache.RedisTTL,
			logger,
		)
	}
	return security.NewMemoryCache(), nil
}

// startRetention schedules the audit retention job. Returns (nil, nil) when
// retention is disabled.
func startRetention(cfg *config.Config, st store.Store, metrics *observability.Metrics, logger *observability.Logger) (*cron.Cron, error) {
	if !cfg.Retention.Enabled {
		logger.Info("Audit retention is disabled")
		return nil, nil
	}

	job := &audit.RetentionJob{
		Store:   st,
		Policy:  audit.RetentionPolicy{RetentionDays: cfg.Retention.Days, Archive: cfg.Retention.Archive},
		Log:     newRetentionLogger(),
		Metrics: metrics,
	}

	if cfg.Retention.Archive {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create archive metrics: %w", err)
		}
		archiver, err := audit.NewS3Archiver(context.Background(), audit.S3Config{
			Bucket:       cfg.Retention.ArchiveBucket,
			Region:       cfg.Retention.ArchiveRegion,
			Prefix:       cfg.Retention.ArchivePrefix,
			AccessKey:    cfg.Retention.S3AccessKey,
			SecretKey:    cfg.Retention.S3SecretKey,
			Endpoint:     cfg.Retention.S3Endpoint,
			UsePathStyle: cfg.Retention.S3UsePathStyle,
		}, otelMetrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 archiver: %w", err)
		}
		job.Archiver = archiver
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(cfg.Retention.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := job.Run(ctx); err != nil {
			logger.WithError(err).Error("Audit retention run failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule retention job: %w", err)
	}
	scheduler.Start()
	logger.WithFields(map[string]interface{}{
		"schedule": cfg.Retention.Schedule,
		"days":     cfg.Retention.Days,
		"archive":  cfg.Retention.Archive,
	}).Info("Audit retention scheduled")
	return scheduler, nil
}

func newRetentionLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

func healthMux(health *observability.HealthChecker, metrics *observability.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Liveness)
	mux.HandleFunc("/readyz", health.Readiness)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
