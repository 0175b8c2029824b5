package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	deadLetterKey    = "dead"
)

var _ Inspector = (*RabbitMQ)(nil)

// RabbitMQ owns one broker connection. Channels are opened per operation, and the
// topology is declared once for every new connection.
type RabbitMQ struct {
	url      string
	topology Topology

	mu          sync.RWMutex
	reconnectMu sync.Mutex
	conn        *amqp.Connection
	declaredOn  *amqp.Connection
}

func NewRabbitMQ(ctx context.Context, url string, topology Topology) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if topology.WorkQueue == "" {
		topology = DefaultTopology()
	}

	r := &RabbitMQ{url: url, topology: topology}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ch, err := r.channel(dialCtx)
	if err != nil {
		return nil, err
	}
	_ = ch.Close()

	return r, nil
}

func (r *RabbitMQ) Topology() Topology {
	return r.topology
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declaredOn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

// Ping reports whether a broker connection is open or can be re-established before ctx ends.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	_, err := r.connection(ctx)
	return err
}

// Depth returns the number of ready messages on the work queue.
func (r *RabbitMQ) Depth(ctx context.Context) (int, error) {
	ch, err := r.channel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	q, err := ch.QueueDeclarePassive(r.topology.WorkQueue, true, false, false, false, r.workQueueArgs())
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %q: %w", r.topology.WorkQueue, err)
	}
	return q.Messages, nil
}

// channel opens a channel on a live connection. A failed open forces one redial.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		r.drop(conn)
		if conn, err = r.connection(ctx); err != nil {
			return nil, err
		}
		if ch, err = conn.Channel(); err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
		}
	}

	if err := r.ensureTopology(conn, ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}

func (r *RabbitMQ) ensureTopology(conn *amqp.Connection, ch *amqp.Channel) error {
	r.mu.RLock()
	done := r.declaredOn == conn
	r.mu.RUnlock()
	if done {
		return nil
	}

	if err := r.declareTopology(ch); err != nil {
		return err
	}

	r.mu.Lock()
	if r.conn == conn {
		r.declaredOn = conn
	}
	r.mu.Unlock()
	return nil
}

func (r *RabbitMQ) current() *amqp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

// drop forgets conn so the next caller redials.
func (r *RabbitMQ) drop(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.declaredOn = nil
	}
	r.mu.Unlock()
	_ = conn.Close()
}

// connection returns the live connection, dialing with exponential backoff until ctx ends.
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.current(); conn != nil {
		return conn, nil
	}

	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()

	if conn := r.current(); conn != nil {
		return conn, nil
	}

	wait := reconnectBackoff
	for {
		conn, err := amqp.DialConfig(r.url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": "notification-pipeline"},
		})
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.declaredOn = nil
			r.mu.Unlock()
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect canceled: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(wait):
		}

		wait = min(wait*2, maxBackoff)
	}
}

func (r *RabbitMQ) workQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    r.topology.DeadLetterExchange,
		"x-dead-letter-routing-key": deadLetterKey,
	}
}

// declareTopology declares the work queue and the broker-level dead-letter route that
// receives rejected poison messages.
func (r *RabbitMQ) declareTopology(ch *amqp.Channel) error {
	t := r.topology

	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlq %q: %w", t.DeadLetterQueue, err)
	}

	if err := ch.QueueBind(t.DeadLetterQueue, deadLetterKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dlq %q: %w", t.DeadLetterQueue, err)
	}

	if _, err := ch.QueueDeclare(t.WorkQueue, true, false, false, false, r.workQueueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", t.WorkQueue, err)
	}

	return nil
}
