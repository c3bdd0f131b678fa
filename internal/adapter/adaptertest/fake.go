// Package adaptertest provides a scriptable in-memory adapter for tests.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/internal/adapter"
	"conductor/internal/task"
)

// Handler decides the outcome of the n-th GetResult call (1-based).
// Returning an error means the call produced no Result.
type Handler func(n int, t task.Task) (*task.Result, error)

// Fake is a concurrency-safe adapter whose behaviour is driven by a Handler.
type Fake struct {
	platform task.Platform

	mu          sync.Mutex
	implemented bool
	handler     Handler
	delay       time.Duration
	calls       int
	pending     map[string]task.Task
	seen        []task.Task
	cancelled   []string
	seq         int
}

// New returns an implemented fake that succeeds with output "ok".
func New(p task.Platform) *Fake {
	return &Fake{platform: p, implemented: true, handler: Succeed("ok"), pending: map[string]task.Task{}}
}

func (f *Fake) WithHandler(h Handler) *Fake {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return f
}

// WithDelay makes GetResult wait d before consulting the handler.
func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
	return f
}

func (f *Fake) SetImplemented(v bool) {
	f.mu.Lock()
	f.implemented = v
	f.mu.Unlock()
}

// Calls is the number of GetResult calls that reached the handler.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Seen returns submitted tasks in submission order.
func (f *Fake) Seen() []task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.Task(nil), f.seen...)
}

func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *Fake) Name() string            { return f.platform.String() }
func (f *Fake) Platform() task.Platform { return f.platform }

func (f *Fake) IsImplemented() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.implemented
}

func (f *Fake) ImplementationStatus() adapter.Status {
	if f.IsImplemented() {
		return adapter.StatusWorking
	}
	return adapter.StatusStub
}

func (f *Fake) Status() adapter.AdapterStatus {
	return adapter.AdapterStatus{
		Name:          f.Name(),
		Platform:      f.platform,
		IsImplemented: f.IsImplemented(),
		Status:        f.ImplementationStatus(),
	}
}

func (f *Fake) SubmitTask(ctx context.Context, t task.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.implemented {
		return "", adapter.ErrNotImplemented
	}
	f.seq++
	id := t.ID
	if id == "" {
		id = fmt.Sprintf("%s_fake_%d", f.platform, f.seq)
	}
	// Retries resubmit the same task id; key pending runs by a unique handle.
	handle := fmt.Sprintf("%s#%d", id, f.seq)
	f.pending[handle] = t
	f.seen = append(f.seen, t)
	return handle, nil
}

func (f *Fake) GetResult(ctx context.Context, id string, timeout time.Duration) (*task.Result, error) {
	f.mu.Lock()
	t, ok := f.pending[id]
	delete(f.pending, id)
	delay := f.delay
	f.mu.Unlock()
	if !ok {
		return nil, adapter.ErrUnknownTask
	}

	if delay > 0 {
		tmr := time.NewTimer(delay)
		defer tmr.Stop()
		var timeoutC <-chan time.Time
		if timeout > 0 && timeout < delay {
			tt := time.NewTimer(timeout)
			defer tt.Stop()
			timeoutC = tt.C
		}
		select {
		case <-ctx.Done():
			return task.Cancelled(t, f.platform, ctx.Err().Error(), "partial"), ctx.Err()
		case <-timeoutC:
			return nil, fmt.Errorf("%w after %s", adapter.ErrTimeout, timeout)
		case <-tmr.C:
		}
	}

	f.mu.Lock()
	f.calls++
	n := f.calls
	h := f.handler
	f.mu.Unlock()

	res, err := h(n, t)
	if res != nil {
		res.Task = t
		res.Platform = f.platform
	}
	return res, err
}

func (f *Fake) StreamResult(_ context.Context, id string) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (f *Fake) CancelTask(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	_, ok := f.pending[id]
	return ok, nil
}

// Succeed always completes with output.
func Succeed(output string) Handler {
	return func(int, task.Task) (*task.Result, error) {
		return &task.Result{Output: output, Success: true, Status: task.StatusCompleted}, nil
	}
}

// Fail always returns a failed Result carrying msg.
func Fail(msg string) Handler {
	return func(int, task.Task) (*task.Result, error) {
		return &task.Result{Success: false, Error: msg, Status: task.StatusFailed}, nil
	}
}

// Error always returns err without a Result.
func Error(err error) Handler {
	return func(int, task.Task) (*task.Result, error) { return nil, err }
}

// Panic panics inside GetResult.
func Panic(v any) Handler {
	return func(int, task.Task) (*task.Result, error) { panic(v) }
}

// Sequence plays handlers in order; the last one repeats.
func Sequence(hs ...Handler) Handler {
	if len(hs) == 0 {
		return Error(errors.New("empty sequence"))
	}
	return func(n int, t task.Task) (*task.Result, error) {
		i := n - 1
		if i >= len(hs) {
			i = len(hs) - 1
		}
		return hs[i](n, t)
	}
}

// FailWhen fails tasks whose prompt matches and succeeds otherwise.
func FailWhen(prompt, msg string) Handler {
	return func(n int, t task.Task) (*task.Result, error) {
		if t.Prompt == prompt {
			return Fail(msg)(n, t)
		}
		return Succeed("ok:" + t.Prompt)(n, t)
	}
}
