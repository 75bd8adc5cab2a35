package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/siteguard/api/internal/app"
	"github.com/siteguard/api/internal/config"
	"github.com/siteguard/api/internal/infra/http"
	"github.com/siteguard/api/internal/infra/http/handler"
	"github.com/siteguard/api/internal/infra/postgres"
	"github.com/siteguard/api/internal/infra/zap"
	"github.com/siteguard/api/pkg/logger"
	"github.com/siteguard/api/pkg/validator"
)

// @title           SiteGuard API
// @version         1.0
// @description     Web vulnerability scan orchestration API

// @host      localhost:8080
// @BasePath  /api/v1

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting application", "app", cfg.App.Name, "env", cfg.App.Env)

	db, err := postgres.Connect(ctx, &cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return 1
	}
	defer closeWithLog(db, "database", log)
	log.Info("database connected")

	applied, err := postgres.Migrate(ctx, db)
	if err != nil {
		log.Error("failed to run migrations", "error", err)
		return 1
	}
	if applied > 0 {
		log.Info("migrations applied", "count", applied)
	}

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

	repo := postgres.NewScanSessionRepository(db)
	svc := app.NewScanSessionService(repo, scanner, log)

	scans := handler.NewScanSessionHandler(svc, validator.New(), log)
	health := handler.NewHealthHandler(
		handler.WithDatabase(db),
		handler.WithScanner(handler.PingerFunc(func(ctx context.Context) error {
			_, err := scanner.Version(ctx)
			return err
		})),
	)

	server := http.NewServer(cfg, log)
	server.MountRoutes(scans, health)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", "error", err)
		}
	}()
	log.Info("application started", "http_addr", cfg.Server.Addr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return 1
	}

	log.Info("application stopped")
	return 0
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

type closer interface {
	Close() error
}

func closeWithLog(c closer, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}
