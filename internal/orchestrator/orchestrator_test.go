package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/adapter"
	"conductor/internal/adapter/adaptertest"
	"conductor/internal/eventbus"
	"conductor/internal/quota"
	"conductor/internal/router"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type harness struct {
	orch    *Orchestrator
	quota   *quota.Tracker
	sleeps  *sleepRecorder
	metrics *Metrics
	bus     eventbus.Bus
}

func newHarness(t *testing.T, set adapter.Set, mutate func(*Options)) *harness {
	t.Helper()
	tr, err := quota.New(context.Background(), quota.Options{Log: logx.Nop()})
	require.NoError(t, err)
	h := &harness{
		quota:   tr,
		sleeps:  &sleepRecorder{},
		metrics: MustNewMetrics(prometheus.NewRegistry()),
		bus:     eventbus.New(),
	}
	opt := Options{
		Config:   DefaultConfig(),
		Adapters: set,
		Router:   router.New(router.Options{}),
		Quota:    tr,
		Bus:      h.bus,
		Metrics:  h.metrics,
		Log:      logx.Nop(),
		Sleep:    h.sleeps.Sleep,
	}
	if mutate != nil {
		mutate(&opt)
	}
	h.orch, err = New(opt)
	require.NoError(t, err)
	return h
}

func fakes() (gemini, claude, gpt *adaptertest.Fake, set adapter.Set) {
	gemini = adaptertest.New(task.Gemini)
	claude = adaptertest.New(task.ClaudeCode)
	gpt = adaptertest.New(task.ChatGPT)
	return gemini, claude, gpt, adapter.Set{task.Gemini: gemini, task.ClaudeCode: claude, task.ChatGPT: gpt}
}

func used(t *testing.T, tr *quota.Tracker, key string) (int, int) {
	t.Helper()
	l, ok := tr.Get(key)
	require.True(t, ok)
	return l.Used, l.Reserved
}

func TestFallbackAfterServerErrorRetries(t *testing.T) {
	t.Parallel()
	gemini, claude, _, set := fakes()
	gemini.WithHandler(adaptertest.Fail("503 server error"))
	claude.WithHandler(adaptertest.Succeed("done"))
	h := newHarness(t, set, nil)
	events, unsub := h.bus.Subscribe(64)
	defer unsub()

	res, err := h.orch.ExecuteWithFallback(context.Background(), task.New(task.General, "hello"))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, task.ClaudeCode, res.Platform)
	assert.Equal(t, "done", res.Output)

	assert.Equal(t, 4, gemini.Calls(), "initial try plus 3 retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps.Delays())
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, []task.Platform{task.Gemini, task.ClaudeCode}, res.PlatformsTried)

	// Every gemini reservation was released; claude's was recorded.
	u, r := used(t, h.quota, quota.KeyGeminiCLI)
	assert.Equal(t, 0, u)
	assert.Equal(t, 0, r)
	u, r = used(t, h.quota, quota.KeyClaudeCode)
	assert.Equal(t, 1, u)
	assert.Equal(t, 0, r)

	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.retries.WithLabelValues("gemini")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.fallbacks), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(h.metrics.attempts.WithLabelValues("gemini", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.attempts.WithLabelValues("claude_code", "completed")), 0)

	counts := map[string]int{}
	for len(events) > 0 {
		counts[(<-events).Type]++
	}
	assert.Equal(t, 1, counts[eventbus.TaskStarted])
	assert.Equal(t, 3, counts[eventbus.TaskRetry])
	assert.Equal(t, 1, counts[eventbus.TaskFallback])
	assert.Equal(t, 1, counts[eventbus.TaskFinished])
	assert.Zero(t, counts[eventbus.TaskFailed])
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()
	gemini, claude, _, set := fakes()
	gemini.WithHandler(adaptertest.Fail("401 Unauthorized"))
	h := newHarness(t, set, nil)

	res, err := h.orch.ExecuteWithFallback(context.Background(), task.New(task.General, "x"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, gemini.Calls())
	assert.Equal(t, 1, claude.Calls())
	assert.Empty(t, h.sleeps.Delays())
}

func TestNoRetryWrapperWins(t *testing.T) {
	t.Parallel()
	gemini, _, _, set := fakes()
	gemini.WithHandler(adaptertest.Error(NoRetry(errors.New("503 but do not retry"))))
	h := newHarness(t, set, nil)

	res, err := h.orch.ExecuteSingle(context.Background(), task.New(task.General, "x"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, gemini.Calls())
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Error, "503 but do not retry")
}

func TestUnknownErrorsAreRetried(t *testing.T) {
	t.Parallel()
	gemini, _, _, set := fakes()
	gemini.WithHandler(adaptertest.Sequence(
		adaptertest.Error(errors.New("something odd")),
		adaptertest.Error(errors.New("something odder")),
		adaptertest.Succeed("third time"),
	))
	h := newHarness(t, set, nil)

	res, err := h.orch.ExecuteSingle(context.Background(), task.New(task.General, "x"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "third time", res.Output)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps.Delays())
}

func TestExecuteSingleWithoutAdapter(t *testing.T) {
	t.Parallel()
	claude := adaptertest.New(task.ClaudeCode)
	h := newHarness(t, adapter.Set{task.ClaudeCode: claude}, nil)

	// Gemini is the cheapest tier but nothing is bound to it.
	res, err := h.orch.ExecuteSingle(context.Background(), task.New(task.General, "x"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, task.Gemini, res.Platform)
	assert.Contains(t, res.Error, ErrNoAdapter.Error())
	assert.Zero(t, claude.Calls())
}

func TestExecuteSingleRecordsUsage(t *testing.T) {
	t.Parallel()
	gemini, _, _, set := fakes()
	h := newHarness(t, set, nil)

	res, err := h.orch.ExecuteSingle(context.Background(), task.New(task.Testing, "x"))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Regexp(t, `^gemini_\d{8}_[0-9a-f]{8}$`, res.Task.ID)
	assert.Equal(t, res.Task.ID, gemini.Seen()[0].ID)

	u, r := used(t, h.quota, quota.KeyGeminiCLI)
	assert.Equal(t, 1, u)
	assert.Equal(t, 0, r)
}

func TestRetriesKeepTaskID(t *testing.T) {
	t.Parallel()
	gemini, _, _, set := fakes()
	gemini.WithHandler(adaptertest.Sequence(adaptertest.Fail("502 bad gateway"), adaptertest.Succeed("ok")))
	h := newHarness(t, set, nil)

	res, err := h.orch.ExecuteSingle(context.Background(), task.New(task.General, "x"))
	require.NoError(t, err)
	require.True(t, res.Success)
	seen := gemini.Seen()
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0].ID, seen[1].ID)
}

func TestAllPlatformsFail(t *testing.T) {
	t.Parallel()
	gemini, claude, gpt, set := fakes()
	for _, f := range []*adaptertest.Fake{gemini, claude, gpt} {
		f.WithHandler(adaptertest.Fail("503 service unavailable"))
	}
	h := newHarness(t, set, func(o *Options) { o.Config.MaxRetries = 0 })

	res, err := h.orch.ExecuteWithFallback(context.Background(), task.New(task.General, "x"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "gemini, claude_code, chatgpt")
	assert.Contains(t, res.Error, "503 service unavailable")
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []task.Platform{task.Gemini, task.ClaudeCode, task.ChatGPT}, res.PlatformsTried)
}

func TestRoutingFailureIsAnError(t *testing.T) {
	t.Parallel()
	_, _, _, set := fakes()
	tr, err := quota.New(context.Background(), quota.Options{Keys: []quota.KeyConfig{
		{Key: quota.KeyGeminiCLI, Platform: task.Gemini, Limit: quota.IntPtr(0)},
		{Key: quota.KeyClaudeCode, Platform: task.ClaudeCode, Limit: quota.IntPtr(0)},
		{Key: quota.KeyChatGPTPlus, Platform: task.ChatGPT, Limit: quota.IntPtr(0)},
		{Key: quota.KeyGeminiAPI, Platform: task.Gemini, Limit: quota.IntPtr(0)},
		{Key: quota.KeyOpenAIAPI, Platform: task.ChatGPT, Limit: quota.IntPtr(0)},
	}})
	require.NoError(t, err)
	h := newHarness(t, set, func(o *Options) { o.Quota = tr })

	_, err = h.orch.ExecuteWithFallback(context.Background(), task.New(task.General, "x"))
	assert.ErrorIs(t, err, router.ErrAllTiersExhausted)
	_, err = h.orch.ExecuteSingle(context.Background(), task.New(task.General, "x"))
	assert.ErrorIs(t, err, router.ErrAllTiersExhausted)

	agg := h.orch.ExecuteParallel(context.Background(), []task.Task{task.New(task.General, "x")})
	require.Len(t, agg.Results, 1)
	assert.False(t, agg.Results[0].Success)
	assert.Contains(t, agg.Results[0].Error, "exhausted")
}

func TestParallelKeepsInputOrder(t *testing.T) {
	t.Parallel()
	gemini, _, _, set := fakes()
	gemini.WithHandler(adaptertest.FailWhen("p2", "invalid request: bad prompt"))
	h := newHarness(t, set, nil)

	tasks := make([]task.Task, 6)
	for i := range tasks {
		tasks[i] = task.New(task.General, fmt.Sprintf("p%d", i))
	}
	agg := h.orch.ExecuteParallel(context.Background(), tasks, WithMaxConcurrent(3))

	require.Len(t, agg.Results, len(tasks))
	for i, r := range agg.Results {
		require.NotNil(t, r)
		assert.Equal(t, tasks[i].Prompt, r.Task.Prompt)
		if i == 2 {
			assert.False(t, r.Success)
			continue
		}
		assert.True(t, r.Success, "task %d", i)
		assert.Equal(t, "ok:"+tasks[i].Prompt, r.Output)
	}
	assert.Equal(t, 1, agg.FailureCount)
	assert.Equal(t, 5, agg.SuccessCount)
	assert.Len(t, agg.ByPlatform[task.Gemini], 6)
}

func TestParallelWithFallbackRecoversFailures(t *testing.T) {
	t.Parallel()
	gemini, claude, _, set := fakes()
	gemini.WithHandler(adaptertest.FailWhen("p1", "quota exceeded upstream"))
	claude.WithHandler(adaptertest.Succeed("rescued"))
	h := newHarness(t, set, nil)

	tasks := []task.Task{task.New(task.General, "p0"), task.New(task.General, "p1"), task.New(task.General, "p2")}
	agg := h.orch.ExecuteParallelWithFallback(context.Background(), tasks)
	assert.Equal(t, 3, agg.SuccessCount)
	assert.Equal(t, task.ClaudeCode, agg.Results[1].Platform)
	assert.Equal(t, "rescued", agg.Results[1].Output)
	assert.InDelta(t, 1.0, agg.SuccessRate(), 1e-9)
}

func TestParallelBoundsConcurrency(t *testing.T) {
	t.Parallel()
	var cur, peak atomic.Int32
	gemini, _, _, set := fakes()
	gemini.WithHandler(func(int, task.Task) (*task.Result, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return &task.Result{Success: true, Status: task.StatusCompleted}, nil
	})
	h := newHarness(t, set, nil)

	tasks := make([]task.Task, 10)
	for i := range tasks {
		tasks[i] = task.New(task.General, "x")
	}
	agg := h.orch.ExecuteParallel(context.Background(), tasks, WithMaxConcurrent(2))
	assert.Equal(t, 10, agg.SuccessCount)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.inFlight), 0)
}

func TestCancellationInterruptsBackoff(t *testing.T) {
	t.Parallel()
	gemini, claude, _, set := fakes()
	gemini.WithHandler(adaptertest.Fail("503 server error"))
	h := newHarness(t, set, func(o *Options) {
		o.Sleep = nil // real cancellable timer
		o.Config.BaseDelay = 10 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	res, err := h.orch.ExecuteWithFallback(ctx, task.New(task.General, "x"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NotNil(t, res)
	assert.Equal(t, task.StatusCancelled, res.Status)
	assert.Equal(t, 1, gemini.Calls())
	assert.Zero(t, claude.Calls(), "cancellation must not fall back")
}

func TestCancellationKeepsPartialOutputAndReleasesQuota(t *testing.T) {
	t.Parallel()
	gemini, _, _, set := fakes()
	gemini.WithDelay(10 * time.Second)
	h := newHarness(t, set, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := h.orch.ExecuteSingle(ctx, task.New(task.General, "x"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, task.StatusCancelled, res.Status)
	assert.Equal(t, "partial", res.PartialOutput)
	assert.Empty(t, h.sleeps.Delays())

	u, r := used(t, h.quota, quota.KeyGeminiCLI)
	assert.Equal(t, 0, u)
	assert.Equal(t, 0, r)
}

func TestTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	gemini, claude, _, set := fakes()
	gemini.WithDelay(time.Second)
	h := newHarness(t, set, func(o *Options) { o.Config.MaxRetries = 1 })

	tk := task.New(task.General, "x", task.WithConstraints(task.Constraints{Timeout: 10 * time.Millisecond}))
	res, err := h.orch.ExecuteWithFallback(context.Background(), tk)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, task.ClaudeCode, res.Platform)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps.Delays())
	assert.Zero(t, gemini.Calls())
	assert.Equal(t, 1, claude.Calls())
}

func TestAdapterPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	gemini, _, _, set := fakes()
	gemini.WithHandler(adaptertest.Panic("boom"))
	h := newHarness(t, set, func(o *Options) { o.Config.MaxRetries = 0 })

	agg := h.orch.ExecuteParallel(context.Background(), []task.Task{task.New(task.General, "x")})
	require.Len(t, agg.Results, 1)
	assert.False(t, agg.Results[0].Success)
	assert.Contains(t, agg.Results[0].Error, "panic")
}

type notReady map[task.Platform]bool

func (n notReady) IsReady(p task.Platform) bool { return !n[p] }

func TestExecuteTimeCheckpoint(t *testing.T) {
	t.Parallel()
	gemini, claude, _, set := fakes()
	h := newHarness(t, set, func(o *Options) { o.Validator = notReady{task.Gemini: true} })

	res, err := h.orch.ExecuteWithFallback(context.Background(), task.New(task.General, "x"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, task.ClaudeCode, res.Platform)
	assert.Zero(t, gemini.Calls())
	assert.Equal(t, 1, claude.Calls())
	assert.Empty(t, h.sleeps.Delays(), "a failed readiness check is not retried")
}

func TestStubAdapterIsNotRetried(t *testing.T) {
	t.Parallel()
	_, claude, _, set := fakes()
	set[task.Gemini] = adapter.NewStub(task.Gemini, adapter.StatusStub, "")
	h := newHarness(t, set, nil)

	res, err := h.orch.ExecuteWithFallback(context.Background(), task.New(task.General, "x"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, claude.Calls())
	assert.Empty(t, h.sleeps.Delays())
}

func TestAdaptiveConcurrency(t *testing.T) {
	t.Parallel()
	tr, err := quota.New(context.Background(), quota.Options{Keys: []quota.KeyConfig{
		{Key: quota.KeyGeminiCLI, Platform: task.Gemini, Limit: quota.IntPtr(10)},
		{Key: quota.KeyClaudeCode, Platform: task.ClaudeCode},
		{Key: quota.KeyChatGPTPlus, Platform: task.ChatGPT, Limit: quota.IntPtr(100)},
	}})
	require.NoError(t, err)
	h := newHarness(t, adapter.Set{}, func(o *Options) { o.Quota = tr })

	assert.Equal(t, 5, h.orch.AdaptiveConcurrency(task.Gemini), "min(5, 10/2)")
	require.True(t, tr.Reserve(task.Gemini, 4))
	assert.Equal(t, 3, h.orch.AdaptiveConcurrency(task.Gemini))
	require.True(t, tr.Reserve(task.Gemini, 5))
	assert.Equal(t, 1, h.orch.AdaptiveConcurrency(task.Gemini), "never below one")
	assert.Equal(t, 5, h.orch.AdaptiveConcurrency(task.ClaudeCode), "unlimited keeps the configured width")
}

func TestNewRequiresRouter(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	assert.Error(t, err)
}
