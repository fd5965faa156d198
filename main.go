package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/circuitbreaker"
	"github.com/deepdive-labs/deepdive/internal/config"
	"github.com/deepdive-labs/deepdive/internal/credibility"
	"github.com/deepdive-labs/deepdive/internal/fetch"
	"github.com/deepdive-labs/deepdive/internal/health"
	"github.com/deepdive-labs/deepdive/internal/httpapi"
	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/logging"
	"github.com/deepdive-labs/deepdive/internal/orchestrator"
	"github.com/deepdive-labs/deepdive/internal/phases"
	"github.com/deepdive-labs/deepdive/internal/pricing"
	"github.com/deepdive-labs/deepdive/internal/reports"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/search"
	"github.com/deepdive-labs/deepdive/internal/session"
	"github.com/deepdive-labs/deepdive/internal/streaming"
	"github.com/deepdive-labs/deepdive/internal/tracing"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfgMgr, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := cfgMgr.Config()

	appLog, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Close()
	logger := appLog.Logger
	zap.ReplaceGlobals(logger)
	logger.Info("Configuration loaded", zap.String("path", cfgMgr.Path()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	if err := pricing.LoadFile(cfg.Pricing.File); err != nil {
		logger.Warn("Failed to load pricing table, using defaults", zap.String("path", cfg.Pricing.File), zap.Error(err))
	}
	circuitbreaker.StartMetricsCollection(ctx, 10*time.Second)

	// Pipeline collaborators
	gateway := llm.NewHTTPGateway(cfg.LLM, logger)
	modelRouter, err := router.New(cfg.Models)
	if err != nil {
		logger.Fatal("Invalid model routing", zap.Error(err))
	}
	completions := router.NewClient(gateway, modelRouter, logger)
	searcher := search.NewChainFromConfig(cfg.Search, logger)
	if len(searcher.Backends()) == 0 {
		logger.Warn("No search backend is configured; every search will fail")
	}
	fetcher := fetch.New(cfg.Fetch, logger)
	scorer := credibility.Load(cfg.Credibility.File, logger)
	executor := phases.NewExecutor(completions, searcher, fetcher, scorer, cfg.Evaluation, logger)

	// Storage
	store, redisBackend, err := openSessionStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	if store != nil {
		store.Start(context.Background())
	}
	reportStore, err := openReportStore(ctx, cfg.Reports, logger)
	if err != nil {
		logger.Fatal("Failed to open report store", zap.Error(err))
	}

	streams := streaming.NewManager(streaming.Options{
		Capacity: cfg.Pipeline.StreamCapacity,
		Retain:   cfg.Pipeline.StreamRetain,
	}, logger)
	orch := orchestrator.New(executor, store, reportStore, streams, orchestrator.Config{
		PersistSessions:   cfg.Session.Persist,
		ResumeWindow:      cfg.Session.ResumeWindow,
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
		ReportBaseURL:     cfg.Pipeline.ReportBaseURL,
	}, logger)

	// Health
	hm := health.NewManager(logger)
	sessionsCheck := health.NewPingChecker("sessions", true, orch.Ping)
	if redisBackend != nil {
		sessionsCheck = sessionsCheck.WithBreaker(redisBackend.BreakerOpen)
	}
	mustRegister(hm, logger, sessionsCheck)
	if sqlStore, ok := reportStore.(*reports.SQLStore); ok {
		mustRegister(hm, logger, health.NewPingChecker("reports", false, sqlStore.Ping).WithBreaker(sqlStore.BreakerOpen))
	}
	mustRegister(hm, logger, health.NewBreakerChecker("llm", gateway.BreakerOpen))
	mustRegister(hm, logger, health.NewBreakerChecker("fetch", fetcher.BreakerOpen))

	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	httpapi.NewHandler(orch, reportStore, httpapi.Options{
		StreamTimeout: cfg.Pipeline.ClientTimeout,
		KeepAlive:     cfg.Pipeline.KeepAlive,
	}, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.Middleware(logger, mux),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	cfgMgr.Watch(logger, func(next *config.Config) {
		if err := logging.SetLevel(appLog.Level, next.Logging.Level); err != nil {
			logger.Warn("Ignoring log level change", zap.Error(err))
		}
		if next.Pricing.File == "" {
			pricing.Reload()
		} else if err := pricing.LoadFile(next.Pricing.File); err != nil {
			logger.Warn("Failed to reload pricing table", zap.String("path", next.Pricing.File), zap.Error(err))
		}
	})

	go func() {
		logger.Info("HTTP server listening",
			zap.String("address", cfg.Server.Addr),
			zap.Strings("search_backends", searcher.Backends()),
			zap.String("report_store", reportStore.Name()),
			zap.Bool("persist_sessions", cfg.Session.Persist),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down deepdive")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Jobs first, so open streams receive their final event before the
	// server waits on them
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to stop research jobs", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	if store != nil {
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("Failed to close session store", zap.Error(err))
		}
	}
	if err := reportStore.Close(); err != nil {
		logger.Error("Failed to close report store", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
}

// openSessionStore returns nil when persistence is off; the orchestrator
// then keeps sessions in a private in-memory store
func openSessionStore(cfg *config.Config, logger *zap.Logger) (session.Store, *session.RedisBackend, error) {
	if !cfg.Session.Persist {
		return nil, nil, nil
	}
	opts := cfg.Session.Options()
	if cfg.Session.Backend != "redis" {
		return session.NewMemoryStore(logger, opts), nil, nil
	}
	backend, err := session.NewRedisBackend(session.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Redis.TTL,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Session store connected", zap.String("backend", "redis"), zap.String("addr", cfg.Redis.Addr))
	return session.NewManager(backend, logger, opts), backend, nil
}

func openReportStore(ctx context.Context, cfg config.ReportsConfig, logger *zap.Logger) (reports.Store, error) {
	switch cfg.Driver {
	case "", "file":
		return reports.NewFileStore(cfg.Dir, logger)
	case "postgres", "sqlite3":
		return reports.OpenSQLStore(ctx, cfg.Driver, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown report driver %q", cfg.Driver)
	}
}

func mustRegister(hm *health.Manager, logger *zap.Logger, c health.Checker) {
	if err := hm.RegisterChecker(c); err != nil {
		logger.Fatal("Failed to register health check", zap.Error(err))
	}
}
