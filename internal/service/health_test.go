package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeInspector struct {
	pingErr  error
	depth    int
	depthErr error
}

func (f fakeInspector) Ping(context.Context) error { return f.pingErr }

func (f fakeInspector) Depth(context.Context) (int, error) { return f.depth, f.depthErr }

type fixedLiveness WorkerLiveness

func (f fixedLiveness) Liveness() WorkerLiveness { return WorkerLiveness(f) }

func TestHealthCheckerCheck(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	okStore := pingerFunc(func(context.Context) error { return nil })

	testCases := []struct {
		name      string
		store     StorePinger
		inspector fakeInspector
		workers   LivenessSource
		wantReady bool
		wantDown  string
	}{
		{
			name:      "api process healthy",
			store:     okStore,
			wantReady: true,
		},
		{
			name:     "store down",
			store:    pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
			wantDown: "store",
		},
		{
			name:      "queue down",
			store:     okStore,
			inspector: fakeInspector{pingErr: errors.New("channel closed")},
			wantDown:  "queue",
		},
		{
			name:      "workers consumed recently",
			store:     okStore,
			inspector: fakeInspector{depth: 50},
			workers:   fixedLiveness{Running: 4, LastConsumedAt: now.Add(-time.Minute)},
			wantReady: true,
		},
		{
			name:      "idle workers on an empty queue",
			store:     okStore,
			workers:   fixedLiveness{Running: 4},
			wantReady: true,
		},
		{
			name:     "no workers running",
			store:    okStore,
			workers:  fixedLiveness{},
			wantDown: "workers",
		},
		{
			name:      "backlog without consumption",
			store:     okStore,
			inspector: fakeInspector{depth: 3},
			workers:   fixedLiveness{Running: 4, LastConsumedAt: now.Add(-time.Hour)},
			wantDown:  "workers",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := NewHealthChecker(tc.store, tc.inspector, tc.workers, 2*time.Minute)
			h.now = func() time.Time { return now }

			report := h.Check(context.Background())
			if report.Ready() != tc.wantReady {
				t.Fatalf("Ready() = %v, report %+v", report.Ready(), report)
			}
			if tc.wantDown != "" {
				check := report.Checks[tc.wantDown]
				if check.Status != HealthDown || check.Error == "" {
					t.Fatalf("check %s = %+v, want down", tc.wantDown, check)
				}
				if report.Status != HealthNotReady {
					t.Fatalf("report status = %s", report.Status)
				}
			}
		})
	}
}
