package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/perch-labs/switchyard/internal/config"
	"github.com/perch-labs/switchyard/internal/metrics"
	"github.com/perch-labs/switchyard/internal/provision"
	"github.com/perch-labs/switchyard/internal/resolver"
	"github.com/perch-labs/switchyard/internal/router"
	"github.com/perch-labs/switchyard/internal/server"
	"github.com/perch-labs/switchyard/internal/store/postgres"
	redisstore "github.com/perch-labs/switchyard/internal/store/redis"
	"github.com/perch-labs/switchyard/internal/switchboard"
	"github.com/perch-labs/switchyard/migrations"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("SWITCHYARD_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("SWITCHYARD_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to the registry database and apply its schema.
	registry, err := postgres.NewRegistry(ctx, cfg.Registry.DSN(), int32(cfg.Registry.MaxConns)) //nolint:gosec // bounds checked by validate
	if err != nil {
		return err
	}
	defer registry.Close()

	err = registry.Migrate(ctx)
	if err != nil {
		return err
	}

	// Connect to Redis: resolver cache + lifecycle event bus.
	redisClient, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	bus := redisstore.NewBus(redisClient)
	cache := redisstore.NewResolverCache(redisClient, cfg.Resolver.CacheTTL)

	// Resolver and per-tenant connection switchboard.
	res := resolver.New(registry, cache, cfg.Resolver.BaseDomain, cfg.Resolver.StaleAfter)

	backend := postgres.NewBackend(cfg.Stores)
	sb := switchboard.New(backend, switchboard.Config{
		AcquireTimeout: cfg.Stores.AcquireTimeout,
		IdleTenantTTL:  cfg.Stores.IdleTenantTTL,
		SweepInterval:  cfg.Stores.SweepInterval,
		OpenAttempts:   cfg.Stores.OpenAttempts,
		OpenBackoff:    cfg.Stores.OpenBackoff,
	})
	defer sb.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	metrics.RegisterPoolGauge(prometheus.DefaultRegisterer, sb.PoolCount)

	tenants := router.New(res, sb, m)

	// Provisioning executor and lifecycle worker.
	executor, err := postgres.NewExecutor(ctx, cfg.Stores)
	if err != nil {
		return err
	}
	defer executor.Close()

	worker := provision.NewWorker(registry, executor, bus, sb, m, provision.Config{
		PollInterval:          cfg.Provision.PollInterval,
		MaxAttempts:           cfg.Provision.MaxAttempts,
		BaseBackoff:           cfg.Provision.BaseBackoff,
		MaxBackoff:            cfg.Provision.MaxBackoff,
		RetentionWindow:       cfg.Provision.RetentionWindow,
		ExpectedSchemaVersion: migrations.TenantSchemaVersion,
	})

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Background loops: pool sweeper, provisioning worker, cache invalidation.
	go sb.Run(ctx)
	go worker.Run(ctx)
	go func() {
		if watchErr := res.WatchLifecycle(ctx, bus, redisstore.LifecycleChannel()); watchErr != nil {
			log.Error().Err(watchErr).Msg("lifecycle watcher stopped")
		}
	}()

	// Create HTTP server with both planes wired.
	srv := server.New(ctx, cfg, registry, tenants, bus)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("base_domain", cfg.Resolver.BaseDomain).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
