package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/notification-pipeline/internal/app"
	"github.com/kursadbilgin/notification-pipeline/internal/config"
	"github.com/kursadbilgin/notification-pipeline/internal/handler"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("notification api stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}
	defer store.Close() //nolint:errcheck

	q, err := app.OpenQueue(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("queue initialization failed: %w", err)
	}
	defer q.Close() //nolint:errcheck

	rdb, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	if rdb != nil {
		defer rdb.Close() //nolint:errcheck
	}

	registry, err := app.BuildProviders(ctx, cfg, rdb, logger)
	if err != nil {
		return fmt.Errorf("provider registry initialization failed: %w", err)
	}

	metrics := observability.NewMetrics()
	notifications, err := service.NewNotificationService(store.Notifications, q.Publisher, registry, cfg.MaxAttempts, logger)
	if err != nil {
		return err
	}
	notifications.SetMetrics(metrics)

	checker := service.NewHealthChecker(store.Notifications, q.Inspector, nil, cfg.WorkerLivenessThreshold)
	server := handler.NewApp("notification-api", checker, metrics, logger)
	if err := handler.RegisterNotificationRoutes(server, notifications); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("notification api started", zap.Int("port", cfg.APIPort))
		if err := server.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down notification api")
		return server.ShutdownWithTimeout(cfg.ShutdownGrace)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
