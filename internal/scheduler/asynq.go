package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
)

// TaskSweep is the asynq task type that triggers a sweep.
const TaskSweep = "escrow:sweep"

const sweepQueue = "scheduler"

// AsynqTrigger enqueues a sweep task on the cron schedule through redis and
// runs it on whichever instance dequeues it. Task uniqueness keeps
// instances that register the same schedule from sweeping twice per tick.
type AsynqTrigger struct {
	redis   asynq.RedisClientOpt
	spec    string
	sweeper SweepRunner
	logger  *slog.Logger
}

// NewAsynqTrigger creates a trigger.
func NewAsynqTrigger(redis asynq.RedisClientOpt, spec string, sweeper SweepRunner, logger *slog.Logger) *AsynqTrigger {
	return &AsynqTrigger{redis: redis, spec: spec, sweeper: sweeper, logger: logger}
}

// Run registers the schedule, serves sweep tasks and blocks until ctx is done.
func (a *AsynqTrigger) Run(ctx context.Context) error {
	uniqueFor, err := tickInterval(a.spec, time.Now())
	if err != nil {
		return err
	}

	scheduler := asynq.NewScheduler(a.redis, &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := scheduler.Register(a.spec, asynq.NewTask(TaskSweep, nil),
		asynq.Queue(sweepQueue),
		asynq.MaxRetry(0),
		asynq.Unique(uniqueFor),
	); err != nil {
		return fmt.Errorf("register sweep schedule: %w", err)
	}

	worker := asynq.NewServer(a.redis, asynq.Config{
		BaseContext: func() context.Context { return ctx },
		Concurrency: 1,
		Queues:      map[string]int{sweepQueue: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSweep, a.HandleSweep)

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	if err := worker.Start(mux); err != nil {
		scheduler.Shutdown()
		return fmt.Errorf("start asynq server: %w", err)
	}
	a.logger.Info("asynq sweep trigger started", "schedule", a.spec, "redis_address", a.redis.Addr)

	<-ctx.Done()
	scheduler.Shutdown()
	worker.Shutdown()
	a.logger.Info("asynq sweep trigger stopped")
	return nil
}

// HandleSweep runs a sweep for a dequeued task. Sweep failures are recorded
// per deal, so the task itself always succeeds.
func (a *AsynqTrigger) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	report := a.sweeper.Sweep(ctx)
	if report.Skipped {
		a.logger.Info("sweep task skipped", "sweep_id", report.SweepID, "reason", report.SkipReason)
	}
	return nil
}

// tickInterval is the gap between the next two firings of spec, minus a
// second so a unique task never outlives its tick.
func tickInterval(spec string, from time.Time) (time.Duration, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	first := schedule.Next(from)
	gap := schedule.Next(first).Sub(first) - time.Second
	if gap < time.Second {
		gap = time.Second
	}
	return gap, nil
}
