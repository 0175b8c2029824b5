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
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
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
		if errors.Is(err, domain.ErrIntegrity) {
			logger.Error("worker halted on an integrity violation", zap.Error(err))
		} else {
			logger.Error("notification worker stopped with error", zap.Error(err))
		}
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
	limiter, err := app.RateLimiter(cfg, rdb)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	backoff := service.Backoff{
		Base:           cfg.BackoffBase,
		Cap:            cfg.BackoffCap,
		JitterFraction: cfg.BackoffJitter,
	}
	metrics := observability.NewMetrics()

	workers, err := service.NewWorkerService(store.Notifications, store.Attempts, q.Consumer, registry, limiter, service.WorkerOptions{
		Concurrency:     cfg.WorkerConcurrency,
		DispatchTimeout: cfg.DispatchTimeout,
		ShutdownGrace:   cfg.ShutdownGrace,
		Backoff:         backoff,
	}, logger)
	if err != nil {
		return err
	}
	workers.SetMetrics(metrics)

	scheduler, err := service.NewScheduler(store.Notifications, q.Publisher, service.SchedulerOptions{
		Interval:         cfg.SchedulerInterval,
		Batch:            cfg.SchedulerBatch,
		PendingGrace:     cfg.PendingGrace,
		ClaimLease:       cfg.EffectiveClaimLease(),
		QueuedStuckAfter: cfg.QueuedStuckAfter,
		Backoff:          backoff,
	}, logger)
	if err != nil {
		return err
	}
	scheduler.SetMetrics(metrics)

	checker := service.NewHealthChecker(store.Notifications, q.Inspector, workers, cfg.WorkerLivenessThreshold)
	server := handler.NewApp("notification-worker", checker, metrics, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker pool started",
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.Strings("channels", channelNames(registry.Channels())),
		)
		return workers.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("scheduler started", zap.Duration("interval", cfg.SchedulerInterval))
		return scheduler.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("worker health listener started", zap.Int("port", cfg.WorkerPort))
		if err := server.Listen(fmt.Sprintf(":%d", cfg.WorkerPort)); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.ShutdownWithTimeout(cfg.ShutdownGrace)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("notification worker stopped")
	return nil
}

func channelNames(channels []domain.Channel) []string {
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.String())
	}
	return names
}
