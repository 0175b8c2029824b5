package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var ErrFailedToConnect = errors.New("failed to connect to mongo")

type Options struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    uint64
	RetryAttempts  int
	RetryInterval  time.Duration
}

// NewMongo connects and pings, retrying up to RetryAttempts times.
func NewMongo(ctx context.Context, opts Options) (*mongo.Database, error) {
	if opts.Database == "" {
		return nil, fmt.Errorf("mongo database name is required")
	}
	attempts := max(opts.RetryAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrFailedToConnect, ctx.Err())
			case <-time.After(opts.RetryInterval):
			}
		}

		client, err := mongo.Connect(
			options.Client().
				ApplyURI(opts.URI).
				SetConnectTimeout(opts.ConnectTimeout).
				SetMaxPoolSize(opts.MaxPoolSize).
				SetRetryWrites(true).
				SetRetryReads(true),
		)
		if err != nil {
			lastErr = err
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		err = client.Ping(pingCtx, nil)
		cancel()
		if err == nil {
			return client.Database(opts.Database), nil
		}

		lastErr = err
		_ = client.Disconnect(context.Background())
	}

	return nil, errors.Join(ErrFailedToConnect, lastErr)
}
