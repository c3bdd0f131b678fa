package orchestrator

import (
	"context"
	"time"

	"conductor/internal/adapter"
	"conductor/internal/eventbus"
	"conductor/internal/router"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

// Config controls retries, timeouts and concurrency.
type Config struct {
	// MaxConcurrent bounds parallel batches. Defaults to 5.
	MaxConcurrent int
	// MaxRetries is the number of retries after the first try on one platform.
	// Negative means none.
	MaxRetries int
	// BaseDelay is the first backoff; retry i waits BaseDelay * 2^i.
	BaseDelay time.Duration
	// MaxDelay bounds a single backoff, including RetryAfter hints.
	MaxDelay time.Duration
	// DefaultTimeout applies when a task has no timeout constraint.
	DefaultTimeout time.Duration
	// RatePerSec paces submissions per platform. Zero or absent is unpaced.
	RatePerSec map[task.Platform]float64
	RateBurst  int
}

// DefaultConfig: 5 concurrent, 3 retries, 1s base delay, 300s timeout.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		DefaultTimeout: 300 * time.Second,
		RateBurst:      1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

// Quota is the ledger surface the orchestrator needs: capacity checks for
// routing plus the reserve -> record/release protocol per quota key.
type Quota interface {
	router.QuotaChecker
	ReserveKey(key string, amount int) bool
	ReleaseKey(key string, amount int)
	RecordUsageKey(key string, units int, cost float64)
	Remaining(p task.Platform) (remaining int, unlimited bool, ok bool)
}

// Readiness is the execute-time adapter check.
type Readiness interface {
	IsReady(p task.Platform) bool
}

type Options struct {
	Config   Config
	Adapters adapter.Set
	// Router is required.
	Router *router.Router
	// Quota, Validator, Bus and Metrics are optional.
	Quota     Quota
	Validator Readiness
	Bus       eventbus.Bus
	Metrics   *Metrics
	Log       logx.Logger

	// Sleep waits between retries; it must return ctx.Err() when ctx ends first.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Type     task.Type     `json:"type"`
	Platform task.Platform `json:"platform"`
	From     task.Platform `json:"from,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// RunOption adjusts one parallel run.
type RunOption func(*runConfig)

type runConfig struct {
	maxConcurrent int
}

// WithMaxConcurrent overrides Config.MaxConcurrent for one call.
func WithMaxConcurrent(n int) RunOption {
	return func(rc *runConfig) {
		if n > 0 {
			rc.maxConcurrent = n
		}
	}
}
