package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

// Publisher hands delivery messages to the queue. A nil error means the message is
// durably accepted.
type Publisher interface {
	Publish(ctx context.Context, msg DeliveryMessage) error
	Close() error
}

// Delivery is one consumed message. Ack and Nack settle it; the first settlement wins
// and later calls are no-ops.
type Delivery interface {
	Message() DeliveryMessage
	Ack() error
	Nack(requeue bool) error
}

// MessageHandler processes a delivery. A returned error on an unsettled delivery
// requeues it; returning nil without settling leaves it unacknowledged.
type MessageHandler func(ctx context.Context, d Delivery) error

// Consumer streams deliveries to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

// Inspector reports queue reachability and backlog for health checks.
type Inspector interface {
	Ping(ctx context.Context) error
	Depth(ctx context.Context) (int, error)
}

// Topology names the work queue and its broker-level dead-letter route.
type Topology struct {
	WorkQueue          string
	DeadLetterExchange string
	DeadLetterQueue    string
}

func DefaultTopology() Topology {
	return Topology{
		WorkQueue:          "notifications.delivery",
		DeadLetterExchange: "notifications.dlx",
		DeadLetterQueue:    "notifications.dlq",
	}
}

// settlement makes ack/nack idempotent for a single delivery.
type settlement struct {
	mu      sync.Mutex
	settled bool
}

func (s *settlement) settle(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	s.settled = true
	return nil
}

func (s *settlement) isSettled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}
