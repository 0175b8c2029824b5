// Package app assembles stores, queues, providers and rate limiting from config. Both
// binaries share it so the API validates channels against the same registry the
// workers dispatch with.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/config"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	infraMongo "github.com/kursadbilgin/notification-pipeline/internal/infra/mongo"
	"github.com/kursadbilgin/notification-pipeline/internal/infra/postgresql"
	"github.com/kursadbilgin/notification-pipeline/internal/infra/postgresql/migrations"
	infraRedis "github.com/kursadbilgin/notification-pipeline/internal/infra/redis"
	"github.com/kursadbilgin/notification-pipeline/internal/provider"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/ratelimit"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	mongoConnectTimeout = 10 * time.Second
	mongoRetryAttempts  = 5
	mongoRetryInterval  = 2 * time.Second
)

// Store is the selected record store plus its attempt log.
type Store struct {
	Notifications repository.NotificationRepository
	Attempts      repository.AttemptRepository
	close         func() error
}

func (s *Store) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.DefaultPoolConfig())
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}
		logger.Info("postgres store ready")
		return &Store{
			Notifications: repository.NewGormNotificationRepo(db),
			Attempts:      repository.NewGormAttemptRepo(db),
			close:         sqlDB.Close,
		}, nil

	case config.StoreDriverMongo:
		db, err := infraMongo.NewMongo(ctx, infraMongo.Options{
			URI:            cfg.MongoURI,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: mongoConnectTimeout,
			RetryAttempts:  mongoRetryAttempts,
			RetryInterval:  mongoRetryInterval,
		})
		if err != nil {
			return nil, err
		}
		disconnect := func() error { return db.Client().Disconnect(context.Background()) }

		notifications := repository.NewMongoNotificationRepo(db)
		if err := notifications.EnsureIndexes(ctx); err != nil {
			_ = disconnect()
			return nil, err
		}
		logger.Info("mongo store ready", zap.String("database", cfg.MongoDatabase))
		return &Store{
			Notifications: notifications,
			Attempts:      repository.NewMongoAttemptRepo(db),
			close:         disconnect,
		}, nil

	case config.StoreDriverMemory:
		logger.Warn("using in-memory store, records are lost on exit")
		return &Store{
			Notifications: repository.NewMemoryNotificationRepo(),
			Attempts:      repository.NewMemoryAttemptRepo(),
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Queue bundles the publisher, consumer and inspector of one queue backend.
type Queue struct {
	Publisher queue.Publisher
	Consumer  queue.Consumer
	Inspector queue.Inspector
	close     func() error
}

func (q *Queue) Close() error {
	if q == nil || q.close == nil {
		return nil
	}
	return q.close()
}

func OpenQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverRabbitMQ:
		client, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, queue.Topology{
			WorkQueue:          cfg.WorkQueue,
			DeadLetterExchange: cfg.DeadLetterExchange,
			DeadLetterQueue:    cfg.DeadLetterQueue,
		})
		if err != nil {
			return nil, err
		}
		return &Queue{
			Publisher: queue.NewRabbitMQPublisher(client),
			Consumer:  queue.NewRabbitMQConsumer(client, cfg.Prefetch, logger),
			Inspector: client,
			close:     client.Close,
		}, nil

	case config.QueueDriverMemory:
		logger.Warn("using in-memory queue, deliveries are lost on exit")
		q := queue.NewMemoryQueue()
		return &Queue{Publisher: q, Consumer: q, Inspector: q, close: q.Close}, nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
}

// NeedsRedis reports whether the configuration uses Redis for rate limiting or inboxes.
func NeedsRedis(cfg *config.Config) bool {
	return cfg.RateLimitEnabled() ||
		cfg.EmailProvider == config.ProviderRedis ||
		cfg.SMSProvider == config.ProviderRedis ||
		cfg.InAppProvider == config.ProviderRedis
}

// OpenRedis connects when NeedsRedis, otherwise it returns nil.
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !NeedsRedis(cfg) {
		return nil, nil
	}
	return infraRedis.NewRedis(ctx, cfg.RedisURL)
}

// BuildProviders registers one provider per built-in channel as selected by config.
func BuildProviders(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	selections := []struct {
		channel domain.Channel
		kind    string
	}{
		{domain.ChannelEmail, cfg.EmailProvider},
		{domain.ChannelSMS, cfg.SMSProvider},
		{domain.ChannelInApp, cfg.InAppProvider},
	}

	for _, sel := range selections {
		p, err := newProvider(ctx, cfg, sel.kind, rdb, logger)
		if err != nil {
			return nil, fmt.Errorf("%s provider %q: %w", sel.channel, sel.kind, err)
		}
		if err := registry.Register(sel.channel, p); err != nil {
			return nil, err
		}
		logger.Info("provider registered", zap.String("channel", sel.channel.String()), zap.String("provider", sel.kind))
	}
	return registry, nil
}

func newProvider(ctx context.Context, cfg *config.Config, kind string, rdb *redis.Client, logger *zap.Logger) (provider.Provider, error) {
	switch kind {
	case config.ProviderLog:
		return provider.NewLogProvider(logger), nil
	case config.ProviderWebhook:
		p, err := provider.NewWebhookProvider(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		return p.WithSigningSecret(cfg.WebhookSecret), nil
	case config.ProviderSES:
		awsCfg, err := provider.LoadAWSConfig(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return provider.NewSESProviderFromConfig(awsCfg, cfg.EmailFrom)
	case config.ProviderSNS:
		awsCfg, err := provider.LoadAWSConfig(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return provider.NewSNSProviderFromConfig(awsCfg, cfg.SNSSenderID)
	case config.ProviderPostmark:
		return provider.NewPostmarkProviderFromTokens(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, cfg.EmailFrom, cfg.PostmarkStream)
	case config.ProviderRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis client is required")
		}
		return provider.NewRedisInboxProvider(rdb, cfg.InboxSize)
	}
	return nil, fmt.Errorf("unknown provider")
}

// RateLimiter returns the Redis-backed limiter when limits are configured.
func RateLimiter(cfg *config.Config, rdb *redis.Client) (ratelimit.RateLimiter, error) {
	if !cfg.RateLimitEnabled() {
		return ratelimit.Unlimited{}, nil
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required for rate limiting")
	}
	return infraRedis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec, cfg.ChannelRateLimits())
}
