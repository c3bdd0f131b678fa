package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

type execFunc func(context.Context, task.Task) (*task.Result, error)

// ExecuteParallel runs every task through ExecuteSingle with bounded
// concurrency. Results are positional and a failing task never affects the
// others.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, tasks []task.Task, opts ...RunOption) task.AggregatedResult {
	return o.runParallel(ctx, tasks, o.ExecuteSingle, opts)
}

// ExecuteParallelWithFallback is ExecuteParallel over ExecuteWithFallback.
func (o *Orchestrator) ExecuteParallelWithFallback(ctx context.Context, tasks []task.Task, opts ...RunOption) task.AggregatedResult {
	return o.runParallel(ctx, tasks, o.ExecuteWithFallback, opts)
}

func (o *Orchestrator) runParallel(ctx context.Context, tasks []task.Task, fn execFunc, opts []RunOption) task.AggregatedResult {
	rc := runConfig{maxConcurrent: o.cfg.MaxConcurrent}
	for _, opt := range opts {
		opt(&rc)
	}
	sem := semaphore.NewWeighted(int64(rc.maxConcurrent))
	results := make([]*task.Result, len(tasks))

	// A plain Group: no derived context, so one failure cancels nothing.
	var g errgroup.Group
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = o.runOne(ctx, sem, t, fn)
			return nil
		})
	}
	_ = g.Wait()

	agg := task.Aggregate(results)
	o.log.Info("batch finished",
		logx.Int("tasks", len(tasks)),
		logx.Int("ok", agg.SuccessCount),
		logx.Int("failed", agg.FailureCount),
		logx.Int("max_concurrent", rc.maxConcurrent),
		logx.Float64("cost", agg.TotalCost),
	)
	return agg
}

// runOne always yields a Result: errors, panics and cancellation while
// waiting for a slot are all converted.
func (o *Orchestrator) runOne(ctx context.Context, sem *semaphore.Weighted, t task.Task, fn execFunc) (res *task.Result) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return task.Cancelled(t, t.PlatformHint, fmt.Sprintf("not started: %v", err), "")
	}
	defer sem.Release(1)
	o.metrics.addInFlight(1)
	defer o.metrics.addInFlight(-1)

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("task.panic", logx.String("task_id", t.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = task.Failed(t, t.PlatformHint, fmt.Sprintf("panic: %v", r))
		}
	}()

	res, err := fn(ctx, t)
	switch {
	case res != nil:
		return res
	case err != nil:
		return task.Failed(t, t.PlatformHint, err.Error())
	default:
		return task.Failed(t, t.PlatformHint, "no result")
	}
}
