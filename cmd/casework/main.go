// Package main is the entry point for the casework engine host. It loads
// templates, wires the application store, data provider orchestrator and
// engine together, runs the pruning loop and serves the ops endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/casework/internal/config"
	"github.com/pitabwire/casework/internal/dataprovider"
	"github.com/pitabwire/casework/internal/idempotency"
	"github.com/pitabwire/casework/internal/observability"
	"github.com/pitabwire/casework/internal/template"
	"github.com/pitabwire/casework/internal/transport"
	"github.com/pitabwire/casework/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "casework", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load templates, validate, build registry.
	templates, err := buildTemplateRegistry(cfg.Templates, logger)
	if err != nil {
		logger.Error("template loading failed", zap.Error(err))
		return 1
	}
	metrics.SetTemplatesLoaded(len(templates.Types()))

	// Step 5: Initialize application store.
	store, storeCloser, err := buildApplicationStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("application store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Initialize idempotency store (optional).
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Build data provider orchestrator and engine.
	providers := dataprovider.NewRegistry()
	if err := checkProviderReferences(templates, providers, cfg.Templates.Strict, logger); err != nil {
		logger.Error("template provider check failed", zap.Error(err))
		return 1
	}
	orchOpts := dataprovider.OptionsFromConfig(cfg.Providers)
	orchOpts.Logger = logger
	orchOpts.Metrics = metrics
	orchestrator := dataprovider.NewOrchestrator(providers, orchOpts)

	engine := workflow.NewEngine(templates, store, orchestrator, workflow.Options{
		Logger:         logger,
		Metrics:        metrics,
		Idempotency:    idemStore,
		IdempotencyTTL: cfg.Idempotency.Store.DefaultTTL,
		ExpiryWarning:  cfg.Lifecycle.ExpiryWarning,
		RedactAnswers:  cfg.Observability.RedactAnswers,
	})

	// Step 8: Build ops HTTP router.
	readinessChecks := observability.ReadinessChecks{
		TemplatesLoaded:  func() bool { return len(templates.Types()) > 0 },
		ApplicationStore: store,
	}
	if idemStore != nil {
		readinessChecks.IdempotencyStore = idemStore
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Gatherer:  prometheus.DefaultGatherer,
		Readiness: readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Lifecycle.PruneEnabled {
		go engine.Pruner().Start(bgCtx, cfg.Lifecycle.PruneInterval)
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("templates", templates.Types()),
		zap.Strings("providers", providers.IDs()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildTemplateRegistry loads every template from the configured directories.
// Strict mode refuses to start on any invalid template; otherwise invalid
// templates are logged and skipped.
func buildTemplateRegistry(cfg config.TemplatesConfig, logger *zap.Logger) (*template.Registry, error) {
	loader := template.NewLoader()
	registry := template.NewRegistry()

	if cfg.Strict {
		tmpls, err := loader.LoadAll(cfg.Directories)
		if err != nil {
			return nil, err
		}
		if err := registry.Load(tmpls); err != nil {
			return nil, err
		}
		logger.Info("templates loaded", zap.Int("count", len(tmpls)), zap.String("checksum", registry.Checksum()))
		return registry, nil
	}

	tmpls, err := loader.LoadAllLenient(cfg.Directories, func(path string, err error) {
		logger.Warn("skipping template file", zap.String("path", path), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tmpls {
		if err := registry.RegisterTemplate(t); err != nil {
			logger.Warn("skipping invalid template",
				zap.String("type", t.Type),
				zap.String("source", t.SourceFile),
				zap.Error(err),
			)
		}
	}
	logger.Info("templates loaded", zap.Int("count", len(registry.Types())), zap.String("checksum", registry.Checksum()))
	return registry, nil
}

// checkProviderReferences verifies that every data provider id the loaded
// templates name is registered. Strict mode refuses to start on the first
// report; otherwise each one is logged as a warning.
func checkProviderReferences(templates *template.Registry, providers *dataprovider.Registry, strict bool, logger *zap.Logger) error {
	verrs := templates.CheckProviders(func(id string) bool {
		_, ok := providers.Get(id)
		return ok
	})
	if len(verrs) == 0 {
		return nil
	}
	if strict {
		return &template.ValidationError{TypeID: "*", Errors: verrs}
	}
	for _, v := range verrs {
		logger.Warn("template references unknown data provider",
			zap.String("path", v.Path),
			zap.String("code", v.Code),
			zap.String("message", v.Message),
		)
	}
	return nil
}

// buildApplicationStore creates the application store for the configured
// driver and applies schema migrations for the SQL drivers.
func buildApplicationStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory application store")
		return workflow.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("application store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("application store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("application store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("application store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("application store: migrate: %w", err)
		}
		logger.Info("using postgres application store")
		return store, pool.Close, nil
	case "sqlite":
		store, err := workflow.OpenSQLite(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("application store: %w", err)
		}
		logger.Info("using sqlite application store", zap.String("path", cfg.SQLitePath))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("sqlite close failed", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported application store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
