package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

const (
	stderrTailLen = 512
	killWaitDelay = 2 * time.Second
)

// ExecConfig describes a CLI backend such as `claude -p` or `gemini -p`.
type ExecConfig struct {
	Command string
	Args    []string
	// Env entries (KEY=VALUE) are appended to the parent environment.
	Env []string
	Dir string
	// PromptArg passes the prompt as the last argument instead of on stdin.
	PromptArg bool
	// CostPerCall is reported on successful results.
	CostPerCall  float64
	Capabilities []string
	Requirements []string
}

// Exec runs one subprocess per submitted task.
type Exec struct {
	platform task.Platform
	cfg      ExecConfig
	log      logx.Logger
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	task    task.Task
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	mu        sync.Mutex
	lines     []string
	changed   chan struct{}
	stderr    bytes.Buffer
	exitErr   error
	cancelled bool
	finished  time.Time
}

// NewExec builds an exec-backed adapter for p.
func NewExec(p task.Platform, cfg ExecConfig, log logx.Logger) *Exec {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Exec{
		platform: p,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "adapter"), logx.String("platform", p.String())),
		now:      time.Now,
		runs:     map[string]*run{},
	}
}

func (e *Exec) Name() string            { return e.platform.String() }
func (e *Exec) Platform() task.Platform { return e.platform }

// IsImplemented is true when a command is configured and resolvable on PATH.
func (e *Exec) IsImplemented() bool { return e.ImplementationStatus() == StatusWorking }

func (e *Exec) ImplementationStatus() Status {
	cmd := strings.TrimSpace(e.cfg.Command)
	if cmd == "" {
		return StatusStub
	}
	if _, err := exec.LookPath(cmd); err != nil {
		return StatusUnavailable
	}
	return StatusWorking
}

func (e *Exec) Status() AdapterStatus {
	return AdapterStatus{
		Name:          e.Name(),
		Platform:      e.platform,
		IsImplemented: e.IsImplemented(),
		Status:        e.ImplementationStatus(),
		Capabilities:  append([]string(nil), e.cfg.Capabilities...),
		Requirements:  append([]string(nil), e.cfg.Requirements...),
	}
}

// SubmitTask starts the configured command. The process outlives ctx; use
// CancelTask or a GetResult timeout to stop it.
func (e *Exec) SubmitTask(ctx context.Context, t task.Task) (string, error) {
	if st := e.ImplementationStatus(); st != StatusWorking {
		return "", fmt.Errorf("%s: %w: command %q is %s", e.platform, ErrNotImplemented, e.cfg.Command, st)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t = task.EnsureID(t, e.platform, e.now())

	e.mu.Lock()
	if _, dup := e.runs[t.ID]; dup {
		e.mu.Unlock()
		return "", fmt.Errorf("task %s already submitted", t.ID)
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	args := append([]string(nil), e.cfg.Args...)
	if e.cfg.PromptArg {
		args = append(args, t.Prompt)
	}
	cmd := exec.CommandContext(runCtx, e.cfg.Command, args...)
	cmd.Dir = e.cfg.Dir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}
	if !e.cfg.PromptArg {
		cmd.Stdin = strings.NewReader(t.Prompt)
	}
	r := &run{task: t, cancel: cancel, done: make(chan struct{}), changed: make(chan struct{})}
	cmd.Stderr = &lockedWriter{mu: &r.mu, w: &r.stderr}
	cmd.Stdout = &lineWriter{emit: r.appendLine}
	// Grandchildren may keep the pipes open after a kill.
	cmd.WaitDelay = killWaitDelay
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start %s: %w", e.cfg.Command, err)
	}
	r.started = e.now()

	e.mu.Lock()
	e.runs[t.ID] = r
	e.mu.Unlock()

	e.log.Debug("task submitted", logx.String("task_id", t.ID), logx.String("cmd", e.cfg.Command))
	go e.wait(cmd, r)
	return t.ID, nil
}

func (e *Exec) wait(cmd *exec.Cmd, r *run) {
	err := cmd.Wait()
	if lw, ok := cmd.Stdout.(*lineWriter); ok {
		lw.flush()
	}

	r.mu.Lock()
	r.exitErr = err
	r.finished = e.now()
	close(r.changed)
	r.mu.Unlock()
	r.cancel()
	close(r.done)
}

func (r *run) appendLine(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

func (r *run) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

func (e *Exec) lookup(id string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w %q", e.platform, ErrUnknownTask, id)
	}
	return r, nil
}

func (e *Exec) forget(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

// GetResult waits for the process to exit. On timeout the process is killed
// and ErrTimeout is returned. On ctx cancellation the process is killed and a
// cancelled Result carrying the partial output is returned with ctx.Err().
// A terminal Result is handed out once; the id is forgotten afterwards.
func (e *Exec) GetResult(ctx context.Context, id string, timeout time.Duration) (*task.Result, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		tmr := time.NewTimer(timeout)
		defer tmr.Stop()
		timeoutC = tmr.C
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.kill(true)
		<-r.done
		e.forget(id)
		return task.Cancelled(r.task, e.platform, ctx.Err().Error(), r.output()), ctx.Err()
	case <-timeoutC:
		r.kill(false)
		<-r.done
		e.forget(id)
		return nil, fmt.Errorf("%s: %w after %s", e.platform, ErrTimeout, timeout)
	}
	e.forget(id)
	return e.resultOf(r), nil
}

func (e *Exec) resultOf(r *run) *task.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := strings.Join(r.lines, "\n")
	dur := r.finished.Sub(r.started)

	if r.cancelled {
		res := task.Cancelled(r.task, e.platform, "cancelled", out)
		res.Duration = dur
		return res
	}
	if r.exitErr != nil {
		msg := r.exitErr.Error()
		var ee *exec.ExitError
		if errors.As(r.exitErr, &ee) {
			msg = fmt.Sprintf("%s exited with code %d", e.cfg.Command, ee.ExitCode())
		}
		if tail := stderrTail(r.stderr.String()); tail != "" {
			msg += ": " + tail
		}
		res := task.Failed(r.task, e.platform, msg)
		res.Duration = dur
		res.PartialOutput = out
		return res
	}
	return &task.Result{
		Task:       r.task,
		Platform:   e.platform,
		Output:     strings.TrimSpace(out),
		Success:    true,
		Cost:       e.cfg.CostPerCall,
		TokensUsed: len(strings.Fields(out)),
		Duration:   dur,
		Status:     task.StatusCompleted,
	}
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailLen {
		s = s[len(s)-stderrTailLen:]
	}
	return s
}

func (r *run) kill(cancelled bool) {
	r.mu.Lock()
	if cancelled {
		r.cancelled = true
	}
	r.mu.Unlock()
	r.cancel()
}

// StreamResult yields stdout lines, including those already produced.
func (e *Exec) StreamResult(ctx context.Context, id string) (<-chan string, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		next := 0
		for {
			r.mu.Lock()
			pending := append([]string(nil), r.lines[next:]...)
			changed := r.changed
			finished := !r.finished.IsZero()
			r.mu.Unlock()

			for _, line := range pending {
				select {
				case ch <- line:
					next++
				case <-ctx.Done():
					return
				}
			}
			if finished && len(pending) == 0 {
				return
			}
			if len(pending) > 0 {
				continue
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CancelTask kills a running process. It reports false if the process had
// already exited.
func (e *Exec) CancelTask(_ context.Context, id string) (bool, error) {
	r, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	select {
	case <-r.done:
		return false, nil
	default:
	}
	r.kill(true)
	e.log.Debug("task cancelled", logx.String("task_id", id))
	return true, nil
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// lineWriter splits a byte stream into lines. Only the process copy goroutine
// writes to it, so it needs no lock of its own.
type lineWriter struct {
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
