package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSchedulerInterval = 5 * time.Second
	defaultSchedulerBatch    = 100
	defaultPendingGrace      = 30 * time.Second
	defaultClaimLease        = defaultDispatchTimeout + defaultShutdownGrace + 30*time.Second
	defaultQueuedStuckAfter  = 10 * time.Minute

	claimLeaseExpired = "claim lease expired"
)

type SchedulerOptions struct {
	Interval         time.Duration
	Batch            int
	PendingGrace     time.Duration
	ClaimLease       time.Duration
	QueuedStuckAfter time.Duration
	Backoff          Backoff
}

// SweepResult counts the records each sweep moved.
type SweepResult struct {
	RetryDue     int
	StalePending int
	StaleClaims  int
	StaleQueued  int
}

func (r SweepResult) Total() int {
	return r.RetryDue + r.StalePending + r.StaleClaims + r.StaleQueued
}

// Scheduler periodically moves due retries back to the queue and recovers records
// whose hand-off or claim was lost.
type Scheduler struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	metrics       *observability.Metrics
	opts          SchedulerOptions
	now           func() time.Time
}

func NewScheduler(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	opts SchedulerOptions,
	logger *zap.Logger,
) (*Scheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSchedulerInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultSchedulerBatch
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = defaultPendingGrace
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = defaultClaimLease
	}
	if opts.QueuedStuckAfter <= 0 {
		opts.QueuedStuckAfter = defaultQueuedStuckAfter
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
		opts:          opts,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Sweep once up front so already-due records do not wait for the first tick.
	s.runSweep(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	start := time.Now()
	result, err := s.Sweep(ctx)
	s.metrics.ObserveSchedulerSweep(time.Since(start))

	if err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler sweep failed", zap.Error(err))
	}
	if result.Total() > 0 {
		s.logger.Info("scheduler sweep moved records",
			zap.Int("retryDue", result.RetryDue),
			zap.Int("stalePending", result.StalePending),
			zap.Int("staleClaims", result.StaleClaims),
			zap.Int("staleQueued", result.StaleQueued),
		)
	}
}

// Sweep runs the four recovery passes once. A failing pass does not stop the others.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   []error
		err    error
	)
	now := s.now()

	result.RetryDue, err = s.sweepRetryDue(ctx, now)
	errs = append(errs, err)
	result.StalePending, err = s.sweepStalePending(ctx, now)
	errs = append(errs, err)
	result.StaleClaims, err = s.sweepStaleClaims(ctx, now)
	errs = append(errs, err)
	result.StaleQueued, err = s.sweepStaleQueued(ctx, now)
	errs = append(errs, err)

	s.metrics.AddSchedulerRequeued(observability.RequeueRetryDue, result.RetryDue)
	s.metrics.AddSchedulerRequeued(observability.RequeueStalePending, result.StalePending)
	s.metrics.AddSchedulerRequeued(observability.RequeueStaleClaim, result.StaleClaims)
	s.metrics.AddSchedulerRequeued(observability.RequeueStaleQueued, result.StaleQueued)

	return result, errors.Join(errs...)
}

func (s *Scheduler) sweepRetryDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.notifications.ListDueForRetry(ctx, now, s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	moved := 0
	for i := range due {
		n := &due[i]
		if s.enqueue(ctx, n, domain.Requeue(), domain.Unqueue(domain.StatusRetrying, n.NextAttemptAt)) {
			moved++
		}
	}
	return moved, nil
}

func (s *Scheduler) sweepStalePending(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.notifications.ListStalePending(ctx, now.Add(-s.opts.PendingGrace), s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}

	moved := 0
	for i := range stale {
		if s.enqueue(ctx, &stale[i], domain.MarkQueued(), domain.Unqueue(domain.StatusPending, nil)) {
			moved++
		}
	}
	return moved, nil
}

func (s *Scheduler) sweepStaleQueued(ctx context.Context, now time.Time) (int, error) {
	stuck, err := s.notifications.ListStaleQueued(ctx, now.Add(-s.opts.QueuedStuckAfter), s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("list stale queued: %w", err)
	}

	moved := 0
	for i := range stuck {
		// Nothing to revert for a touch: the record stays queued and is found again
		// once it goes stale.
		if s.enqueue(ctx, &stuck[i], domain.Touch(), nil) {
			moved++
		}
	}
	return moved, nil
}

func (s *Scheduler) sweepStaleClaims(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.notifications.ListStaleClaims(ctx, now.Add(-s.opts.ClaimLease), s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("list stale claims: %w", err)
	}

	released := 0
	for i := range stale {
		n := &stale[i]
		next := now.Add(s.opts.Backoff.Delay(n.AttemptCount))
		updated, err := s.notifications.CompareAndSwap(ctx, n.ID, n.Version, domain.ReleaseClaim(claimLeaseExpired, next))
		if err != nil {
			s.logCASFailure("release stale claim", n, err)
			continue
		}

		released++
		if updated.Status == domain.StatusDeadLettered {
			s.metrics.IncDeadLettered(updated.Channel.String(), observability.ReasonLeaseExpired)
		}
		s.logger.Warn("released expired claim", observability.NotificationFields(updated)...)
	}
	return released, nil
}

// enqueue moves n to queued with mutation and publishes a delivery message. When the
// publish fails, revert (if any) puts the record back where it was.
func (s *Scheduler) enqueue(ctx context.Context, n *domain.Notification, mutation domain.Mutation, revert domain.Mutation) bool {
	queued, err := s.notifications.CompareAndSwap(ctx, n.ID, n.Version, mutation)
	if err != nil {
		s.logCASFailure("enqueue", n, err)
		return false
	}

	msg := queue.NewDeliveryMessage(queued.ID, queued.AttemptCount+1, s.now())
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.metrics.IncPublishFailure("scheduler")
		s.logger.Error("failed to publish delivery message",
			append(observability.NotificationFields(queued), zap.Error(err))...,
		)
		if revert == nil {
			return false
		}
		if _, err := s.notifications.CompareAndSwap(ctx, queued.ID, queued.Version, revert); err != nil {
			s.logCASFailure("revert unpublished record", queued, err)
		}
		return false
	}
	return true
}

func (s *Scheduler) logCASFailure(op string, n *domain.Notification, err error) {
	if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrInvalidTransition) {
		s.metrics.IncCASConflict("scheduler")
		s.logger.Debug("record moved concurrently, skipping", zap.String("op", op), zap.String("notificationId", n.ID))
		return
	}
	s.logger.Error("scheduler write failed",
		append(observability.NotificationFields(n), zap.String("op", op), zap.Error(err))...,
	)
}
