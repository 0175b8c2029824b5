package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/provider"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/ratelimit"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency   = 1
	defaultDispatchTimeout = 30 * time.Second
	defaultShutdownGrace   = 10 * time.Second
	defaultInfraPause      = time.Second
	outcomeWriteAttempts   = 3
)

// ProviderLookup resolves the sender for a channel.
type ProviderLookup interface {
	Lookup(channel domain.Channel) (provider.Provider, error)
}

type WorkerOptions struct {
	Concurrency     int
	DispatchTimeout time.Duration
	ShutdownGrace   time.Duration
	Backoff         Backoff
	// InfraPause is how long a worker waits after a store failure before taking the
	// next message.
	InfraPause time.Duration
}

// WorkerLiveness is a snapshot of pool activity used by health checks.
type WorkerLiveness struct {
	Running        int
	InFlight       int
	LastConsumedAt time.Time
}

// WorkerService runs the delivery pool: claim, dispatch, resolve.
type WorkerService struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	consumer      queue.Consumer
	providers     ProviderLookup
	rateLimiter   ratelimit.RateLimiter
	logger        *zap.Logger
	metrics       *observability.Metrics
	opts          WorkerOptions
	now           func() time.Time

	running      atomic.Int32
	inFlight     atomic.Int32
	lastConsumed atomic.Int64
}

func NewWorkerService(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	consumer queue.Consumer,
	providers ProviderLookup,
	rateLimiter ratelimit.RateLimiter,
	opts WorkerOptions,
	logger *zap.Logger,
) (*WorkerService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if attempts == nil {
		attempts = repository.NewMemoryAttemptRepo()
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if opts.Concurrency < minWorkerConcurrency {
		opts.Concurrency = minWorkerConcurrency
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDispatchTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.InfraPause <= 0 {
		opts.InfraPause = defaultInfraPause
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		notifications: notifications,
		attempts:      attempts,
		consumer:      consumer,
		providers:     providers,
		rateLimiter:   rateLimiter,
		logger:        logger,
		opts:          opts,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes deliveries until ctx is cancelled. In-flight deliveries keep running
// for the shutdown grace period after that. An integrity violation stops the whole
// pool and is returned.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Deliveries run on workCtx, which outlives ctx by the shutdown grace.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(s.opts.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelWork()
		case <-workCtx.Done():
		}
	})
	defer stopGrace()

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	poolCtx, stopPool := context.WithCancel(ctx)
	defer stopPool()

	handler := func(_ context.Context, d queue.Delivery) error {
		err := s.handle(workCtx, d)
		if errors.Is(err, domain.ErrIntegrity) {
			fatalOnce.Do(func() {
				fatalErr = err
				stopPool()
			})
		}
		return err
	}

	g, groupCtx := errgroup.WithContext(poolCtx)
	for i := range s.opts.Concurrency {
		workerID := i + 1
		g.Go(func() error {
			s.running.Add(1)
			defer s.running.Add(-1)

			s.logger.Info("worker started", zap.Int("workerId", workerID))
			if err := s.consumer.Consume(groupCtx, handler); err != nil {
				s.logger.Error("worker stopped with error", zap.Int("workerId", workerID), zap.Error(err))
				return err
			}
			s.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	err := g.Wait()
	if fatalErr != nil {
		return fatalErr
	}
	return err
}

func (s *WorkerService) Liveness() WorkerLiveness {
	l := WorkerLiveness{
		Running:  int(s.running.Load()),
		InFlight: int(s.inFlight.Load()),
	}
	if ts := s.lastConsumed.Load(); ts > 0 {
		l.LastConsumedAt = time.Unix(0, ts).UTC()
	}
	return l
}

// handle processes one delivery end to end. Only infrastructure and integrity
// failures are returned; every other outcome settles the delivery itself.
func (s *WorkerService) handle(ctx context.Context, d queue.Delivery) error {
	s.lastConsumed.Store(s.now().UnixNano())
	msg := d.Message()
	logger := s.logger.With(zap.String("notificationId", msg.NotificationID), zap.Int("messageAttempt", msg.AttemptNumber))

	n, err := s.notifications.GetByID(ctx, msg.NotificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("notification not found, dropping delivery")
			return d.Ack()
		}
		return s.infraFailure(ctx, d, logger, "load notification", err)
	}

	if !n.Status.IsClaimable() {
		logger.Debug("stale delivery, record not claimable", zap.String("status", n.Status.String()))
		return d.Ack()
	}

	claimed, err := s.notifications.CompareAndSwap(ctx, n.ID, n.Version, domain.Claim())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrInvalidTransition):
		s.metrics.IncCASConflict("claim")
		logger.Debug("lost claim race", zap.Error(err))
		return d.Ack()
	case errors.Is(err, domain.ErrAttemptsExhausted):
		s.deadLetterExhausted(ctx, n, logger)
		return d.Ack()
	default:
		return s.infraFailure(ctx, d, logger, "claim notification", err)
	}

	logger = logger.With(zap.Int("attempt", claimed.AttemptCount), zap.String("channel", claimed.Channel.String()))
	outcome, duration, abandoned := s.dispatch(ctx, claimed, logger)
	if abandoned {
		logger.Warn("send abandoned at shutdown, leaving delivery unacknowledged")
		return nil
	}

	resolved, err := s.resolve(ctx, claimed, outcome, logger)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			logger.Error("outcome could not be recorded on our own claim", zap.Error(err))
			return err
		}
		return s.infraFailure(ctx, d, logger, "record outcome", err)
	}

	s.recordAttempt(ctx, claimed, outcome, duration, logger)

	if resolved != nil {
		logger.Info("delivery resolved", observability.NotificationFields(resolved)...)
	}
	return d.Ack()
}

// dispatch sends one claimed record. abandoned is true when the worker is shutting
// down and the send was cut short.
func (s *WorkerService) dispatch(ctx context.Context, n *domain.Notification, logger *zap.Logger) (provider.Outcome, time.Duration, bool) {
	channel := n.Channel.String()
	s.inFlight.Add(1)
	s.metrics.IncWorkerInFlight(channel)
	defer func() {
		s.inFlight.Add(-1)
		s.metrics.DecWorkerInFlight(channel)
	}()

	p, err := s.providers.Lookup(n.Channel)
	if err != nil {
		return provider.Classify(err), 0, false
	}

	if err := s.rateLimiter.Wait(ctx, n.Channel); err != nil {
		if ctx.Err() != nil {
			return provider.Outcome{}, 0, true
		}
		logger.Warn("rate limiter unavailable, sending without limit", zap.Error(err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	defer cancel()

	start := s.now()
	sendErr := send(sendCtx, p, *n)
	duration := s.now().Sub(start)
	if ctx.Err() != nil {
		return provider.Outcome{}, duration, true
	}

	outcome := provider.Classify(sendErr)
	if sendErr != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		outcome = provider.Outcome{Retryable: true, Reason: provider.ReasonTimedOut}
	}
	s.metrics.ObserveSendDuration(channel, outcomeLabel(outcome), duration)
	if sendErr != nil {
		logger.Warn("send failed", zap.Bool("retryable", outcome.Retryable), zap.Error(sendErr))
	}
	return outcome, duration, false
}

// send returns when p does or when ctx ends, whichever comes first. A sender that
// ignores ctx is left to finish in the background.
func send(ctx context.Context, p provider.Provider, n domain.Notification) error {
	done := make(chan error, 1)
	go func() {
		_, err := p.Send(ctx, n)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve applies the dispatch outcome to our claim. It returns (nil, nil) when another
// writer already moved the record.
func (s *WorkerService) resolve(ctx context.Context, claimed *domain.Notification, outcome provider.Outcome, logger *zap.Logger) (*domain.Notification, error) {
	mutation, onApplied := s.outcomeMutation(claimed, outcome)

	current := claimed
	for range outcomeWriteAttempts {
		updated, err := s.notifications.CompareAndSwap(ctx, current.ID, current.Version, mutation)
		if err == nil {
			onApplied()
			return updated, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) && !errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
		s.metrics.IncCASConflict("outcome")

		current, err = s.notifications.GetByID(ctx, claimed.ID)
		if err != nil {
			return nil, err
		}
		if !stillOurClaim(current, claimed) {
			logger.Warn("record moved by another writer, discarding outcome",
				zap.String("currentStatus", current.Status.String()),
				zap.Int("currentAttempt", current.AttemptCount),
			)
			return nil, nil
		}
	}

	return nil, fmt.Errorf("%w: outcome for %s conflicted %d times on its own claim", domain.ErrIntegrity, claimed.ID, outcomeWriteAttempts)
}

func stillOurClaim(current *domain.Notification, claimed *domain.Notification) bool {
	return current.Status == domain.StatusSending && current.AttemptCount == claimed.AttemptCount
}

func (s *WorkerService) outcomeMutation(n *domain.Notification, outcome provider.Outcome) (domain.Mutation, func()) {
	channel := n.Channel.String()
	switch {
	case outcome.Success:
		return domain.MarkSent(), func() { s.metrics.IncSent(channel) }
	case outcome.Retryable && (n.MaxAttempts <= 0 || n.AttemptCount < n.MaxAttempts):
		next := s.now().Add(s.opts.Backoff.Delay(n.AttemptCount))
		return domain.ScheduleRetry(outcome.Reason, next), func() { s.metrics.IncRetryScheduled(channel) }
	case outcome.Retryable:
		return domain.DeadLetter(outcome.Reason), func() { s.metrics.IncDeadLettered(channel, observability.ReasonRetryExhausted) }
	default:
		return domain.DeadLetter(outcome.Reason), func() { s.metrics.IncDeadLettered(channel, observability.ReasonPermanentError) }
	}
}

func (s *WorkerService) deadLetterExhausted(ctx context.Context, n *domain.Notification, logger *zap.Logger) {
	reason := "delivery attempts exhausted"
	if n.LastError != nil {
		reason = *n.LastError
	}

	if _, err := s.notifications.CompareAndSwap(ctx, n.ID, n.Version, domain.DeadLetter(reason)); err != nil {
		logger.Warn("failed to dead-letter exhausted record", zap.Error(err))
		return
	}
	s.metrics.IncDeadLettered(n.Channel.String(), observability.ReasonRetryExhausted)
	logger.Info("exhausted record dead-lettered", zap.Int("attempts", n.AttemptCount))
}

func (s *WorkerService) recordAttempt(ctx context.Context, n *domain.Notification, outcome provider.Outcome, duration time.Duration, logger *zap.Logger) {
	attempt := &domain.NotificationAttempt{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		AttemptNumber:  n.AttemptCount,
		Channel:        n.Channel,
		Outcome:        attemptOutcome(outcome),
		DurationMillis: duration.Milliseconds(),
		CreatedAt:      s.now(),
	}
	if !outcome.Success {
		reason := outcome.Reason
		attempt.Error = &reason
	}

	if err := s.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("failed to record attempt", zap.Error(err))
	}
}

func (s *WorkerService) infraFailure(ctx context.Context, d queue.Delivery, logger *zap.Logger, op string, err error) error {
	logger.Error("delivery failed on infrastructure, requeueing", zap.String("op", op), zap.Error(err))
	if nackErr := d.Nack(true); nackErr != nil {
		logger.Error("failed to requeue delivery", zap.Error(nackErr))
	}

	timer := time.NewTimer(s.opts.InfraPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

func attemptOutcome(o provider.Outcome) domain.AttemptOutcome {
	switch {
	case o.Success:
		return domain.AttemptOutcomeSent
	case o.Retryable:
		return domain.AttemptOutcomeRetryable
	default:
		return domain.AttemptOutcomePermanent
	}
}

func outcomeLabel(o provider.Outcome) string {
	return string(attemptOutcome(o))
}
