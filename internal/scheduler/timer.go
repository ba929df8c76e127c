package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepRunner runs one sweep.
type SweepRunner interface {
	Sweep(ctx context.Context) Report
}

// Timer runs sweeps on a cron schedule.
type Timer struct {
	sweeper  SweepRunner
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	now      func() time.Time
}

// NewTimer creates a timer for a standard five-field cron spec.
func NewTimer(sweeper SweepRunner, spec string, logger *slog.Logger) (*Timer, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return &Timer{
		sweeper:  sweeper,
		schedule: schedule,
		spec:     spec,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.logger.Info("sweep timer started", "schedule", t.spec)
	for {
		next := t.schedule.Next(t.now())
		wait := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-t.stop:
			wait.Stop()
			return
		case <-wait.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// safeSweep runs a sweep with panic recovery so the loop survives.
func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in sweep",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	t.sweeper.Sweep(ctx)
}
