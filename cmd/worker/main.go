// The worker runs the scan orchestrator: it polls the external scanner,
// advances scan sessions through their phases, and aggregates findings.
// It exposes /metrics and /healthz on a separate listener but serves no
// API traffic.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siteguard/api/internal/app"
	"github.com/siteguard/api/internal/config"
	"github.com/siteguard/api/internal/infra/controller"
	"github.com/siteguard/api/internal/infra/llm"
	"github.com/siteguard/api/internal/infra/postgres"
	"github.com/siteguard/api/internal/infra/zap"
	"github.com/siteguard/api/pkg/logger"
	"github.com/siteguard/api/pkg/mailrelay"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting worker", "app", cfg.App.Name, "env", cfg.App.Env)

	db, err := postgres.Connect(ctx, &cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()
	log.Info("database connected")

	scanner := zap.NewClient(zap.Config{
		BaseURL:            cfg.Scanner.BaseURL,
		APIKey:             cfg.Scanner.APIKey,
		HTTPTimeout:        cfg.Scanner.HTTPTimeout,
		MaxAttempts:        cfg.Scanner.MaxAttempts,
		BaseDelay:          cfg.Scanner.BaseDelay,
		CallDelay:          cfg.Scanner.CallDelay,
		ContextSettleDelay: cfg.Scanner.ContextSettleDelay,
		RetrySettleDelay:   cfg.Scanner.RetrySettleDelay,
		RetryTriggers:      cfg.Scanner.RetryTriggers,
		Logger:             log,
	})

	if err := waitForScanner(ctx, scanner, &cfg.Scanner, log); err != nil {
		log.Error("scanner not ready", "error", err)
		return 1
	}

	var provider llm.Provider
	if cfg.Translator.IsConfigured() {
		chat, err := llm.NewChatProvider(llm.ChatConfig{
			Endpoint:   cfg.Translator.Endpoint,
			APIKey:     cfg.Translator.APIKey,
			Model:      cfg.Translator.Model,
			Timeout:    cfg.Translator.Timeout,
			MaxRetries: cfg.Translator.MaxRetries,
		})
		if err != nil {
			log.Error("failed to initialize translator", "error", err)
			return 1
		}
		provider = chat
		log.Info("translator initialized", "model", cfg.Translator.Model)
	} else {
		log.Warn("translator not configured, summaries fall back to raw descriptions")
	}

	aggregator := app.NewAlertAggregator(app.AggregatorConfig{
		Provider:    provider,
		Concurrency: cfg.Worker.EnrichmentConcurrency,
		MaxTokens:   cfg.Translator.MaxTokens,
		Temperature: cfg.Translator.Temperature,
		Logger:      log,
	})

	var notifier controller.Notifier
	if cfg.Mail.IsConfigured() && cfg.Mail.NotifyAddress != "" {
		sender := mailrelay.NewClient(mailrelay.Config{
			BaseURL:  cfg.Mail.BaseURL,
			FromName: cfg.Mail.FromName,
			Timeout:  cfg.Mail.Timeout,
		})
		notifier = app.NewScanNotifier(sender, cfg.Mail.NotifyAddress, log)
		log.Info("scan notifications enabled", "recipient", cfg.Mail.NotifyAddress)
	}

	repo := postgres.NewScanSessionRepository(db)
	orchestrator := controller.NewScanOrchestrator(&controller.ScanOrchestratorConfig{
		Repository: repo,
		Scanner:    scanner,
		Aggregator: aggregator,
		Notifier:   notifier,
		Interval:   cfg.Worker.TickInterval,
		Timeout:    cfg.Worker.TickTimeout,
		Logger:     log,
	})

	manager := controller.NewManager(&controller.ManagerConfig{
		Metrics: controller.NewPrometheusMetrics(""),
		Logger:  log,
	})
	manager.Register(orchestrator)

	if err := manager.Start(ctx); err != nil {
		log.Error("failed to start controllers", "error", err)
		return 1
	}

	metricsServer := newMetricsServer(cfg, db)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("worker started", "metrics_addr", cfg.Server.MetricsAddr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")
	cancel()

	if err := manager.Stop(); err != nil {
		log.Error("failed to stop controllers", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}

	log.Info("worker stopped")
	return 0
}

// waitForScanner blocks until the scanner answers a version probe, up to
// the configured number of attempts.
func waitForScanner(ctx context.Context, scanner *zap.Client, cfg *config.ScannerConfig, log *logger.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.ReadyMaxAttempts; attempt++ {
		version, err := scanner.Version(ctx)
		if err == nil {
			log.Info("scanner ready", "version", version, "attempt", attempt)
			return nil
		}
		lastErr = err

		log.Warn("scanner not ready, retrying",
			"attempt", attempt,
			"max_attempts", cfg.ReadyMaxAttempts,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.ReadyRetryDelay):
		}
	}
	return lastErr
}

func newMetricsServer(cfg *config.Config, db *postgres.DB) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:         cfg.Server.MetricsAddr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

func initLogger(cfg *config.Config) *logger.Logger {
	if cfg.App.IsProduction() {
		return logger.New(logger.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: os.Stdout,
		})
	}
	return logger.NewDevelopment()
}
