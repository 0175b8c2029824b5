package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/queue"
)

const (
	HealthOK       = "ok"
	HealthDown     = "down"
	HealthReady    = "ready"
	HealthNotReady = "not_ready"

	defaultLivenessThreshold = 2 * time.Minute
	healthCheckTimeout       = 2 * time.Second
)

// StorePinger is satisfied by every notification repository.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// LivenessSource reports worker pool activity.
type LivenessSource interface {
	Liveness() WorkerLiveness
}

type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthReport struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

func (r HealthReport) Ready() bool {
	return r.Status == HealthReady
}

// HealthChecker aggregates store, queue and (in the worker process) pool health.
type HealthChecker struct {
	store     StorePinger
	queue     queue.Inspector
	workers   LivenessSource
	threshold time.Duration
	now       func() time.Time
}

// NewHealthChecker builds a checker. workers may be nil for processes without a pool.
func NewHealthChecker(store StorePinger, inspector queue.Inspector, workers LivenessSource, threshold time.Duration) *HealthChecker {
	if threshold <= 0 {
		threshold = defaultLivenessThreshold
	}
	return &HealthChecker{
		store:     store,
		queue:     inspector,
		workers:   workers,
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	report := HealthReport{Status: HealthReady, Checks: make(map[string]CheckResult)}
	record := func(name string, err error) {
		if err != nil {
			report.Checks[name] = CheckResult{Status: HealthDown, Error: err.Error()}
			report.Status = HealthNotReady
			return
		}
		report.Checks[name] = CheckResult{Status: HealthOK}
	}

	if h.store != nil {
		record("store", h.store.Ping(ctx))
	}
	if h.queue != nil {
		record("queue", h.queue.Ping(ctx))
	}
	if h.workers != nil {
		record("workers", h.checkWorkers(ctx))
	}
	return report
}

// checkWorkers passes when workers are running and either consumed recently or have
// nothing to consume.
func (h *HealthChecker) checkWorkers(ctx context.Context) error {
	l := h.workers.Liveness()
	if l.Running == 0 {
		return fmt.Errorf("no workers running")
	}
	if !l.LastConsumedAt.IsZero() && h.now().Sub(l.LastConsumedAt) <= h.threshold {
		return nil
	}
	if h.queue == nil {
		return fmt.Errorf("no delivery consumed within %s", h.threshold)
	}

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth unavailable: %w", err)
	}
	if depth > 0 {
		return fmt.Errorf("%d messages waiting and no delivery consumed within %s", depth, h.threshold)
	}
	return nil
}
