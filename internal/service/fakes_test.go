package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/provider"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
)

// fakeNotificationRepo delegates to the in-memory store unless a hook is set.
type fakeNotificationRepo struct {
	*repository.MemoryNotificationRepo

	createFn  func(ctx context.Context, n *domain.Notification) error
	getByIDFn func(ctx context.Context, id string) (*domain.Notification, error)
	casFn     func(ctx context.Context, id string, expectedVersion int64, m domain.Mutation) (*domain.Notification, error)
}

func newFakeNotificationRepo() *fakeNotificationRepo {
	return &fakeNotificationRepo{MemoryNotificationRepo: repository.NewMemoryNotificationRepo()}
}

func (f *fakeNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	if f.createFn != nil {
		return f.createFn(ctx, n)
	}
	return f.MemoryNotificationRepo.Create(ctx, n)
}

func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return f.MemoryNotificationRepo.GetByID(ctx, id)
}

func (f *fakeNotificationRepo) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, m domain.Mutation) (*domain.Notification, error) {
	if f.casFn != nil {
		return f.casFn(ctx, id, expectedVersion, m)
	}
	return f.MemoryNotificationRepo.CompareAndSwap(ctx, id, expectedVersion, m)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.DeliveryMessage
	publishFn func(ctx context.Context, msg queue.DeliveryMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, msg queue.DeliveryMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) messages() []queue.DeliveryMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.DeliveryMessage(nil), f.published...)
}

type fakeDelivery struct {
	msg     queue.DeliveryMessage
	acked   bool
	nacked  bool
	requeue bool
}

func (d *fakeDelivery) Message() queue.DeliveryMessage { return d.msg }

func (d *fakeDelivery) Ack() error {
	if !d.acked && !d.nacked {
		d.acked = true
	}
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	if !d.acked && !d.nacked {
		d.nacked = true
		d.requeue = requeue
	}
	return nil
}

func (d *fakeDelivery) settled() bool { return d.acked || d.nacked }

type channelSet map[domain.Channel]bool

func (c channelSet) Has(ch domain.Channel) bool { return c[ch] }

var allChannels = channelSet{domain.ChannelEmail: true, domain.ChannelSMS: true, domain.ChannelInApp: true}

// countingProvider records how often each notification was sent.
type countingProvider struct {
	mu     sync.Mutex
	calls  map[string]int
	sendFn func(ctx context.Context, n domain.Notification) error
}

func newCountingProvider(sendFn func(ctx context.Context, n domain.Notification) error) *countingProvider {
	return &countingProvider{calls: make(map[string]int), sendFn: sendFn}
}

func (p *countingProvider) Send(ctx context.Context, n domain.Notification) (*provider.ProviderResponse, error) {
	p.mu.Lock()
	p.calls[n.ID]++
	p.mu.Unlock()

	if p.sendFn != nil {
		if err := p.sendFn(ctx, n); err != nil {
			return nil, err
		}
	}
	return &provider.ProviderResponse{MessageID: n.ID}, nil
}

func (p *countingProvider) callsFor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *countingProvider) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.calls {
		total += c
	}
	return total
}

func registryWith(t *testing.T, p provider.Provider, channels ...domain.Channel) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	for _, ch := range channels {
		if err := reg.Register(ch, p); err != nil {
			t.Fatalf("Register(%s) error = %v", ch, err)
		}
	}
	return reg
}

// seedNotification stores a record and walks it to queued, the state intake leaves it in.
func seedNotification(t *testing.T, repo repository.NotificationRepository, id string, channel domain.Channel, maxAttempts int) *domain.Notification {
	t.Helper()

	ctx := context.Background()
	n := &domain.Notification{
		ID:          id,
		UserID:      "user-1",
		Title:       "title",
		Message:     "message",
		Channel:     channel,
		Metadata:    map[string]any{"email": "user@example.com"},
		MaxAttempts: maxAttempts,
	}
	if err := repo.Create(ctx, n); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	queued, err := repo.CompareAndSwap(ctx, id, n.Version, domain.MarkQueued())
	if err != nil {
		t.Fatalf("MarkQueued error = %v", err)
	}
	return queued
}

func mustGet(t *testing.T, repo repository.NotificationRepository, id string) *domain.Notification {
	t.Helper()
	n, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
