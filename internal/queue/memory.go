package queue

import (
	"context"
	"sync"
)

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
	_ Inspector = (*MemoryQueue)(nil)
)

// MemoryQueue is an in-process queue with the same settlement semantics as the broker:
// an unsettled delivery goes back to the queue once its handler returns.
type MemoryQueue struct {
	mu     sync.Mutex
	ready  []DeliveryMessage
	dead   []DeliveryMessage
	closed bool
	notify chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Publish(ctx context.Context, msg DeliveryMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.ready = append(q.ready, msg)
	q.signal()
	return nil
}

func (q *MemoryQueue) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		msg, ok, closed := q.next()
		if closed {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}

		d := &memoryDelivery{msg: msg, queue: q}
		if err := handler(ctx, d); err != nil {
			_ = d.Nack(true)
		}
		if !d.isSettled() {
			q.requeue(msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

func (q *MemoryQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), nil
}

// DeadLettered returns the messages rejected without requeue.
func (q *MemoryQueue) DeadLettered() []DeliveryMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeliveryMessage(nil), q.dead...)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}

func (q *MemoryQueue) next() (DeliveryMessage, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return DeliveryMessage{}, false, true
	}
	if len(q.ready) == 0 {
		return DeliveryMessage{}, false, false
	}

	msg := q.ready[0]
	q.ready = q.ready[1:]
	if len(q.ready) > 0 {
		// wake the next idle consumer
		q.signal()
	}
	return msg, true, false
}

func (q *MemoryQueue) requeue(msg DeliveryMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.ready = append(q.ready, msg)
	q.signal()
}

func (q *MemoryQueue) deadLetter(msg DeliveryMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, msg)
}

// signal must be called with mu held.
func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type memoryDelivery struct {
	settlement
	msg   DeliveryMessage
	queue *MemoryQueue
}

func (d *memoryDelivery) Message() DeliveryMessage { return d.msg }

func (d *memoryDelivery) Ack() error {
	return d.settle(func() error { return nil })
}

func (d *memoryDelivery) Nack(requeue bool) error {
	return d.settle(func() error {
		if requeue {
			d.queue.requeue(d.msg)
		} else {
			d.queue.deadLetter(d.msg)
		}
		return nil
	})
}
