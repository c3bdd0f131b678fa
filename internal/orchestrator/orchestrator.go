package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"conductor/internal/adapter"
	"conductor/internal/eventbus"
	"conductor/internal/router"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

// Orchestrator drives tasks to completion with retry, fallback and bounded
// concurrency. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	adapters  adapter.Set
	router    *router.Router
	quota     Quota
	validator Readiness
	bus       eventbus.Bus
	metrics   *Metrics
	log       logx.Logger
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time

	limiters map[task.Platform]*rate.Limiter
}

func New(opt Options) (*Orchestrator, error) {
	if opt.Router == nil {
		return nil, errors.New("orchestrator: router is required")
	}
	cfg := opt.Config.withDefaults()
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		adapters:  opt.Adapters,
		router:    opt.Router,
		quota:     opt.Quota,
		validator: opt.Validator,
		bus:       opt.Bus,
		metrics:   opt.Metrics,
		log:       log.With(logx.String("comp", "orchestrator")),
		sleep:     opt.Sleep,
		now:       opt.Now,
		limiters:  map[task.Platform]*rate.Limiter{},
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	if o.now == nil {
		o.now = time.Now
	}
	for p, r := range cfg.RatePerSec {
		if r > 0 {
			o.limiters[p] = rate.NewLimiter(rate.Limit(r), cfg.RateBurst)
		}
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// quotaChecker avoids handing the router a typed nil.
func (o *Orchestrator) quotaChecker() router.QuotaChecker {
	if o.quota == nil {
		return nil
	}
	return o.quota
}

// outcome is the end of one platform's retry sequence.
type outcome struct {
	res      *task.Result
	err      error
	attempts int
}

// ExecuteSingle routes t to the cheapest tier with capacity and runs it there
// with retries. A routing failure is returned as an error; everything after
// routing, including a missing adapter, comes back as a Result.
func (o *Orchestrator) ExecuteSingle(ctx context.Context, t task.Task) (*task.Result, error) {
	tier, err := o.router.SelectTier(t, o.quotaChecker(), nil)
	if err != nil {
		return nil, fmt.Errorf("route %s task: %w", t.Type, err)
	}
	t = task.EnsureID(t, tier.Platform, o.now())
	if _, ok := o.adapters.Get(tier.Platform); !ok {
		res := task.Failed(t, tier.Platform, fmt.Sprintf("%v: %s", ErrNoAdapter, tier.Platform))
		res.PlatformsTried = []task.Platform{tier.Platform}
		o.finish(t, res)
		return res, nil
	}

	o.started(t, tier.Platform)
	out := o.executeWithRetries(ctx, t, tier)
	out.res.Attempts = out.attempts
	out.res.PlatformsTried = []task.Platform{tier.Platform}
	o.finish(t, out.res)
	if errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded) {
		return out.res, out.err
	}
	return out.res, nil
}

// ExecuteWithFallback runs t on successive cost tiers. After a platform's
// retry budget is spent it is excluded and the next cheapest tier is tried,
// until one succeeds or none is left.
func (o *Orchestrator) ExecuteWithFallback(ctx context.Context, t task.Task) (*task.Result, error) {
	excluded := map[task.Platform]bool{}
	var (
		tried    []task.Platform
		lastErr  error
		lastRes  *task.Result
		attempts int
	)
	for {
		tier, err := o.router.SelectTier(t, o.quotaChecker(), excluded)
		if err != nil {
			if len(tried) == 0 {
				return nil, fmt.Errorf("route %s task: %w", t.Type, err)
			}
			break
		}
		t = task.EnsureID(t, tier.Platform, o.now())
		if len(tried) == 0 {
			o.started(t, tier.Platform)
		} else {
			prev := tried[len(tried)-1]
			o.metrics.incFallback()
			o.log.Info("task.fallback", logx.String("task_id", t.ID), logx.String("from", prev.String()), logx.String("to", tier.Platform.String()), logx.Any("err", lastErr))
			eventbus.Emit(o.bus, eventbus.TaskFallback, TaskEvent{ID: t.ID, Type: t.Type, Platform: tier.Platform, From: prev, Error: errString(lastErr)})
		}
		tried = append(tried, tier.Platform)
		excluded[tier.Platform] = true

		if _, ok := o.adapters.Get(tier.Platform); !ok {
			lastErr = fmt.Errorf("%w: %s", ErrNoAdapter, tier.Platform)
			lastRes = nil
			continue
		}

		out := o.executeWithRetries(ctx, t, tier)
		attempts += out.attempts
		out.res.Attempts = attempts
		out.res.PlatformsTried = append([]task.Platform(nil), tried...)
		if out.err == nil {
			o.finish(t, out.res)
			return out.res, nil
		}
		if ctx.Err() != nil {
			o.finish(t, out.res)
			return out.res, ctx.Err()
		}
		lastErr, lastRes = out.err, out.res
	}

	last := tried[len(tried)-1]
	res := task.Failed(t, last, fmt.Sprintf("all platforms failed (tried %s): %v", joinPlatforms(tried), lastErr))
	if lastRes != nil {
		res.PartialOutput = lastRes.PartialOutput
		res.Duration = lastRes.Duration
	}
	res.Attempts = attempts
	res.PlatformsTried = tried
	o.finish(t, res)
	return res, nil
}

// executeWithRetries makes up to 1+MaxRetries attempts on one tier. Sleeps
// between attempts are cancellable; cancellation ends the sequence at once.
// The returned outcome always carries a Result.
func (o *Orchestrator) executeWithRetries(ctx context.Context, t task.Task, tier router.Tier) outcome {
	maxAttempts := 1 + o.cfg.MaxRetries
	var out outcome
	for i := 0; i < maxAttempts; i++ {
		out.attempts++
		res, err := o.attempt(ctx, t, tier)
		if err == nil {
			out.res, out.err = res, nil
			return out
		}
		out.res, out.err = res, err

		if ctx.Err() != nil {
			out.err = ctx.Err()
			break
		}
		if !Retryable(err) || i == maxAttempts-1 {
			break
		}

		delay := backoffDelay(o.cfg.BaseDelay, o.cfg.MaxDelay, i, err)
		o.metrics.incRetry(tier.Platform.String())
		o.log.Debug("task.retry", logx.String("task_id", t.ID), logx.String("platform", tier.Platform.String()), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Any("err", err))
		eventbus.Emit(o.bus, eventbus.TaskRetry, TaskEvent{ID: t.ID, Type: t.Type, Platform: tier.Platform, Attempt: i + 2, Delay: delay, Error: err.Error()})
		if serr := o.sleep(ctx, delay); serr != nil {
			out.err = serr
			break
		}
	}

	switch {
	case ctx.Err() != nil:
		partial := ""
		if out.res != nil {
			partial = out.res.PartialOutput
		}
		out.res = task.Cancelled(t, tier.Platform, ctx.Err().Error(), partial)
		out.err = ctx.Err()
	case out.res == nil:
		out.res = task.Failed(t, tier.Platform, out.err.Error())
	default:
		out.res.Success = false
		if out.res.Error == "" {
			out.res.Error = out.err.Error()
		}
		if !out.res.Status.Terminal() || out.res.Status == task.StatusCompleted {
			out.res.Status = task.StatusFailed
		}
	}
	return out
}

// attempt is one submit/await cycle. Quota is reserved before submission,
// recorded on success and released otherwise.
func (o *Orchestrator) attempt(ctx context.Context, t task.Task, tier router.Tier) (res *task.Result, err error) {
	p := tier.Platform
	start := o.now()
	defer func() {
		status := "completed"
		switch {
		case ctx.Err() != nil:
			status = "cancelled"
		case err != nil:
			status = "failed"
		}
		o.metrics.observeAttempt(p.String(), status, o.now().Sub(start))
	}()

	if o.validator != nil && !o.validator.IsReady(p) {
		return nil, NoRetry(fmt.Errorf("%w: %s", ErrNotReady, p))
	}
	a, ok := o.adapters.Get(p)
	if !ok {
		return nil, NoRetry(fmt.Errorf("%w: %s", ErrNoAdapter, p))
	}
	if lim := o.limiters[p]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if o.quota != nil && !o.quota.ReserveKey(tier.QuotaKey, 1) {
		return nil, NoRetry(fmt.Errorf("%w for %s", ErrQuotaReserved, tier.QuotaKey))
	}
	spent := false
	defer func() {
		if o.quota != nil && !spent {
			o.quota.ReleaseKey(tier.QuotaKey, 1)
		}
	}()

	res, err = o.invoke(ctx, a, t)
	if err == nil && res == nil {
		err = errors.New("adapter returned no result")
	}
	if err != nil {
		return res, err
	}
	if res.Duration <= 0 {
		res.Duration = o.now().Sub(start)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "task failed on " + p.String()
		}
		return res, errors.New(msg)
	}
	if res.Cost == 0 && tier.CostPerUnit > 0 {
		res.Cost = tier.CostPerUnit
	}
	if res.Status == task.StatusPending || res.Status == task.StatusRunning {
		res.Status = task.StatusCompleted
	}
	if o.quota != nil {
		o.quota.RecordUsageKey(tier.QuotaKey, 1, res.Cost)
		spent = true
	}
	return res, nil
}

// invoke submits and awaits. A panicking adapter becomes an error so one bad
// adapter cannot take down a whole batch.
func (o *Orchestrator) invoke(ctx context.Context, a adapter.Adapter, t task.Task) (res *task.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("adapter panic: %v", r)
			o.log.Error("adapter.panic", logx.String("platform", a.Platform().String()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	id, err := a.SubmitTask(ctx, t)
	if err != nil {
		err = fmt.Errorf("submit to %s: %w", a.Name(), err)
		if errors.Is(err, adapter.ErrNotImplemented) {
			err = NoRetry(err)
		}
		return nil, err
	}
	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	res, err = a.GetResult(ctx, id, timeout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// Best effort: make sure a timed-out backend stops working on it.
		if ok, cerr := a.CancelTask(context.WithoutCancel(ctx), id); cerr == nil && ok {
			o.log.Debug("cancelled abandoned attempt", logx.String("task_id", id))
		}
	}
	return res, err
}

// AdaptiveConcurrency recommends a batch width for p: at most half the
// remaining quota, never below 1, never above MaxConcurrent.
func (o *Orchestrator) AdaptiveConcurrency(p task.Platform) int {
	n := o.cfg.MaxConcurrent
	if o.quota == nil {
		return n
	}
	remaining, unlimited, ok := o.quota.Remaining(p)
	if !ok || unlimited {
		return n
	}
	return max(1, min(n, remaining/2))
}

func (o *Orchestrator) started(t task.Task, p task.Platform) {
	o.log.Debug("task.started", logx.String("task_id", t.ID), logx.String("type", t.Type.String()), logx.String("platform", p.String()))
	eventbus.Emit(o.bus, eventbus.TaskStarted, TaskEvent{ID: t.ID, Type: t.Type, Platform: p})
}

func (o *Orchestrator) finish(t task.Task, res *task.Result) {
	ev := TaskEvent{ID: t.ID, Type: t.Type, Platform: res.Platform, Attempt: res.Attempts, Duration: res.Duration, Error: res.Error}
	if res.Success {
		lvl := o.log.Debug
		if res.Duration >= 750*time.Millisecond {
			lvl = o.log.Info
		}
		lvl("task.completed", logx.String("task_id", t.ID), logx.String("platform", res.Platform.String()), logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts))
		eventbus.Emit(o.bus, eventbus.TaskFinished, ev)
		return
	}
	o.log.Warn("task.failed", logx.String("task_id", t.ID), logx.String("platform", res.Platform.String()), logx.String("status", res.Status.String()), logx.String("err", res.Error), logx.Int("attempts", res.Attempts))
	eventbus.Emit(o.bus, eventbus.TaskFailed, ev)
}

func joinPlatforms(ps []task.Platform) string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.String()
	}
	return strings.Join(names, ", ")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
