package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrFailedToConnect = errors.New("failed to connect to redis")

const (
	clientName       = "notification-pipeline"
	defaultPingLimit = 5 * time.Second
	connectAttempts  = 3
	connectInterval  = time.Second
)

// NewRedis parses url and pings the server, retrying a few times before giving up.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = clientName
	}

	client := redis.NewClient(opts)

	var lastErr error
	for attempt := range connectAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				_ = client.Close()
				return nil, errors.Join(ErrFailedToConnect, ctx.Err())
			case <-time.After(connectInterval):
			}
		}

		pingCtx, cancel := context.WithTimeout(ctx, defaultPingLimit)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return client, nil
		}
	}

	_ = client.Close()
	return nil, errors.Join(ErrFailedToConnect, lastErr)
}
