package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"

	QueueDriverRabbitMQ = "rabbitmq"
	QueueDriverMemory   = "memory"

	ProviderLog      = "log"
	ProviderWebhook  = "webhook"
	ProviderSES      = "ses"
	ProviderPostmark = "postmark"
	ProviderSNS      = "sns"
	ProviderRedis    = "redis"
)

// claimLeaseSlack is added on top of dispatch timeout and shutdown grace when no
// explicit claim lease is configured.
const claimLeaseSlack = 30 * time.Second

type Config struct {
	StoreDriver   string `env:"STORE_DRIVER,default=postgres"`
	DatabaseDSN   string `env:"DATABASE_DSN"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE,default=notifications"`
	RedisURL      string `env:"REDIS_URL"`

	QueueDriver        string `env:"QUEUE_DRIVER,default=rabbitmq"`
	RabbitMQURL        string `env:"RABBITMQ_URL"`
	WorkQueue          string `env:"QUEUE_NAME,default=notifications.delivery"`
	DeadLetterExchange string `env:"DEAD_LETTER_EXCHANGE,default=notifications.dlx"`
	DeadLetterQueue    string `env:"DEAD_LETTER_QUEUE,default=notifications.dlq"`

	WorkerConcurrency       int           `env:"WORKER_CONCURRENCY,default=16"`
	Prefetch                int           `env:"WORKER_PREFETCH,default=10"`
	DispatchTimeout         time.Duration `env:"DISPATCH_TIMEOUT,default=30s"`
	ShutdownGrace           time.Duration `env:"SHUTDOWN_GRACE,default=10s"`
	WorkerLivenessThreshold time.Duration `env:"WORKER_LIVENESS_THRESHOLD,default=2m"`

	MaxAttempts   int           `env:"MAX_ATTEMPTS,default=5"`
	BackoffBase   time.Duration `env:"BACKOFF_BASE,default=1s"`
	BackoffCap    time.Duration `env:"BACKOFF_CAP,default=5m"`
	BackoffJitter float64       `env:"BACKOFF_JITTER,default=0.2"`

	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL,default=5s"`
	SchedulerBatch    int           `env:"SCHEDULER_BATCH,default=100"`
	PendingGrace      time.Duration `env:"PENDING_GRACE,default=30s"`
	ClaimLease        time.Duration `env:"CLAIM_LEASE"`
	QueuedStuckAfter  time.Duration `env:"QUEUED_STUCK_AFTER,default=10m"`

	RateLimitPerSec int `env:"RATE_LIMIT_PER_SEC,default=0"`
	RateLimitEmail  int `env:"RATE_LIMIT_EMAIL_PER_SEC"`
	RateLimitSMS    int `env:"RATE_LIMIT_SMS_PER_SEC"`
	RateLimitInApp  int `env:"RATE_LIMIT_IN_APP_PER_SEC"`

	EmailProvider        string `env:"EMAIL_PROVIDER,default=log"`
	SMSProvider          string `env:"SMS_PROVIDER,default=log"`
	InAppProvider        string `env:"IN_APP_PROVIDER,default=log"`
	AWSRegion            string `env:"AWS_REGION,default=us-east-1"`
	EmailFrom            string `env:"EMAIL_FROM"`
	SNSSenderID          string `env:"SNS_SENDER_ID"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkStream       string `env:"POSTMARK_MESSAGE_STREAM,default=outbound"`
	WebhookURL           string `env:"WEBHOOK_URL"`
	WebhookSecret        string `env:"WEBHOOK_SECRET"`
	InboxSize            int    `env:"INBOX_SIZE,default=100"`

	APIPort    int    `env:"API_PORT,default=8080"`
	WorkerPort int    `env:"WORKER_PORT,default=9091"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	c.StoreDriver = lower(c.StoreDriver)
	c.QueueDriver = lower(c.QueueDriver)
	c.EmailProvider = lower(c.EmailProvider)
	c.SMSProvider = lower(c.SMSProvider)
	c.InAppProvider = lower(c.InAppProvider)
}

// Validate checks that every selected driver has the settings it needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("DATABASE_DSN is required for the postgres store"))
		}
	case StoreDriverMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.QueueDriver {
	case QueueDriverRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required for the rabbitmq queue"))
		}
	case QueueDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_DRIVER %q", c.QueueDriver))
	}

	errs = append(errs, c.validateProvider("EMAIL_PROVIDER", c.EmailProvider, ProviderLog, ProviderWebhook, ProviderSES, ProviderPostmark)...)
	errs = append(errs, c.validateProvider("SMS_PROVIDER", c.SMSProvider, ProviderLog, ProviderWebhook, ProviderSNS)...)
	errs = append(errs, c.validateProvider("IN_APP_PROVIDER", c.InAppProvider, ProviderLog, ProviderWebhook, ProviderRedis)...)

	if c.RateLimitEnabled() && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required when rate limiting is enabled"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be at least 1"))
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		errs = append(errs, errors.New("BACKOFF_BASE must be positive and not above BACKOFF_CAP"))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		errs = append(errs, errors.New("BACKOFF_JITTER must be within [0, 1]"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_TIMEOUT must be positive"))
	}
	if c.ClaimLease > 0 && c.ClaimLease <= c.DispatchTimeout {
		errs = append(errs, errors.New("CLAIM_LEASE must exceed DISPATCH_TIMEOUT"))
	}

	return errors.Join(errs...)
}

func (c *Config) validateProvider(key string, value string, allowed ...string) []error {
	known := false
	for _, a := range allowed {
		if value == a {
			known = true
			break
		}
	}
	if !known {
		return []error{fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)}
	}

	var errs []error
	switch value {
	case ProviderWebhook:
		if c.WebhookURL == "" {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL is required for %s=webhook", key))
		}
	case ProviderSES:
		if c.EmailFrom == "" {
			errs = append(errs, fmt.Errorf("EMAIL_FROM is required for %s=ses", key))
		}
	case ProviderPostmark:
		if c.EmailFrom == "" || c.PostmarkServerToken == "" {
			errs = append(errs, fmt.Errorf("EMAIL_FROM and POSTMARK_SERVER_TOKEN are required for %s=postmark", key))
		}
	case ProviderRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required for %s=redis", key))
		}
	}
	return errs
}

// EffectiveClaimLease is how long a sending claim may stay untouched before the
// scheduler releases it.
func (c *Config) EffectiveClaimLease() time.Duration {
	if c.ClaimLease > 0 {
		return c.ClaimLease
	}
	return c.DispatchTimeout + c.ShutdownGrace + claimLeaseSlack
}

func (c *Config) RateLimitEnabled() bool {
	return c.RateLimitPerSec > 0 || len(c.ChannelRateLimits()) > 0
}

// ChannelRateLimits returns the per-channel overrides of RATE_LIMIT_PER_SEC.
func (c *Config) ChannelRateLimits() map[domain.Channel]int {
	limits := make(map[domain.Channel]int)
	if c.RateLimitEmail > 0 {
		limits[domain.ChannelEmail] = c.RateLimitEmail
	}
	if c.RateLimitSMS > 0 {
		limits[domain.ChannelSMS] = c.RateLimitSMS
	}
	if c.RateLimitInApp > 0 {
		limits[domain.ChannelInApp] = c.RateLimitInApp
	}
	return limits
}
