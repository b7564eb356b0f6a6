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

	"github.com/getsentry/sentry-go"

	"idmirror/internal/aggregation"
	"idmirror/internal/api"
	"idmirror/internal/config"
	"idmirror/internal/coordinator"
	"idmirror/internal/jobs"
	"idmirror/internal/observability"
	"idmirror/internal/query"
	"idmirror/internal/reconcile"
	"idmirror/internal/upstream"
	"idmirror/internal/validation"
)

func main() {
	configPath := flag.String("config", os.Getenv("IDMIRROR_CONFIG"), "path to a YAML config file")
	migrate := flag.String("migrate", "", "run migrations: 'up' to apply and show status")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "idmirror: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})

	// Initialize Sentry if DSN is provided
	sentryEnabled := false
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", "dev"),
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "environment", envOr("SENTRY_ENVIRONMENT", "production"))
			sentryEnabled = true
		}
	}

	if *migrate != "" {
		if *migrate != "up" {
			logger.Error("unknown migrate command", "command", *migrate)
			os.Exit(2)
		}
		status, err := migrationStatus(context.Background(), cfg.Storage)
		if err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations status", "driver", cfg.Storage.Driver, "status", status)
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("idmirror exited with error", "error", err)
		if sentryEnabled {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		os.Exit(1)
	}

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := selectStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	metrics := observability.NewMetrics(observability.MetricsConfig{
		Enabled:   true,
		Namespace: "idmirror",
		Version:   envOr("APP_VERSION", "dev"),
	})

	aggCfg := aggregation.Config{
		Engine:                  reconcile.NewEngine(store, logger),
		Metrics:                 metrics,
		Logger:                  logger,
		DefaultIssuanceCriteria: cfg.Legacy.DefaultIssuanceCriteria,
	}
	if cfg.PingFederate.BaseURL != "" {
		pf, err := upstream.NewPingFederate(cfg.PingFederate, logger)
		if err != nil {
			return fmt.Errorf("pingfederate client: %w", err)
		}
		aggCfg.Identity = pf
		logger.Info("identity provider configured", "base_url", cfg.PingFederate.BaseURL)
	} else {
		logger.Warn("pingfederate base url not set; saml, oidc and legacy aggregation disabled")
	}
	if cfg.ServiceNow.BaseURL != "" {
		sn, err := upstream.NewServiceNow(cfg.ServiceNow, logger)
		if err != nil {
			return fmt.Errorf("servicenow client: %w", err)
		}
		aggCfg.ITSM = sn
		logger.Info("itsm configured", "base_url", cfg.ServiceNow.BaseURL, "oauth", cfg.ServiceNow.ClientID != "")
	} else {
		logger.Warn("servicenow base url not set; applications and users aggregation disabled")
	}

	coord := coordinator.New()
	queue := jobs.NewMemoryQueue(cfg.Jobs.QueueCapacity)
	dispatcher := jobs.NewDispatcher(coord, queue, logger)
	pool := jobs.NewPool(jobs.PoolConfig{
		Workers:  cfg.Jobs.Workers,
		Queue:    queue,
		Runner:   aggregation.NewService(aggCfg),
		Releaser: dispatcher,
		Metrics:  metrics,
		Logger:   logger,
	})
	pool.Start(ctx)

	scheduler := jobs.NewScheduler(dispatcher, cfg.Jobs.Schedule.Intervals(), logger)
	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(schedulerDone)
	}()

	proxies, err := api.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	rateCfg := api.RateLimitConfig{
		RequestsPerSecond: cfg.HTTP.RateLimitRPS,
		Burst:             cfg.HTTP.RateLimitBurst,
		JobsPerSecond:     cfg.HTTP.JobRateLimitRPS,
		JobBurst:          cfg.HTTP.JobRateLimitBurst,
		Proxies:           proxies,
	}
	if rateCfg.Enabled() {
		logger.Info("rate limiting configured",
			"requests_per_second", rateCfg.RequestsPerSecond,
			"burst", rateCfg.Burst,
			"jobs_per_second", rateCfg.JobsPerSecond,
			"job_burst", rateCfg.JobBurst,
			"trusted_proxies", len(proxies.CIDRs),
		)
	} else {
		logger.Info("rate limiting disabled")
	}

	mux := http.NewServeMux()
	srv := api.NewServer(mux, api.Deps{
		Reader: query.NewService(coord, store, validation.Limits{
			DefaultPageSize: cfg.Paging.DefaultPageSize,
			MaxPageSize:     cfg.Paging.MaxPageSize,
		}),
		Jobs:    dispatcher,
		States:  coord,
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	})
	srv.RegisterRoutes()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(rateCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("idmirror listening", "addr", cfg.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
		stop()
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	logger.Info("shutting down server", "timeout", cfg.HTTP.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	<-schedulerDone
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("worker pool did not drain", "error", err)
	}
	if n := queue.Depth(); n > 0 {
		logger.Warn("dropping queued jobs", "count", n)
	}
	_ = queue.Close()
	return serveErr
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
