package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conductor/internal/task"
)

var (
	ErrNotImplemented = errors.New("adapter not implemented")
	ErrUnknownTask    = errors.New("unknown task id")
	// ErrTimeout text is matched by retry classification ("timed out").
	ErrTimeout = errors.New("timed out waiting for result")
)

// Status is an adapter's self-reported implementation level.
type Status int

const (
	StatusWorking Status = iota
	StatusPartial
	StatusStub
	StatusUnavailable
	StatusError
)

var statusNames = [...]string{
	StatusWorking:     "working",
	StatusPartial:     "partial",
	StatusStub:        "stub",
	StatusUnavailable: "unavailable",
	StatusError:       "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range statusNames {
		if n == v {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown adapter status %q", v)
}

// AdapterStatus is the self-description returned by Adapter.Status.
type AdapterStatus struct {
	Name          string        `json:"name"`
	Platform      task.Platform `json:"platform"`
	IsImplemented bool          `json:"is_implemented"`
	Status        Status        `json:"status"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	Requirements  []string      `json:"requirements,omitempty"`
}

// Adapter turns a Task into a Result on one platform.
//
// SubmitTask starts work and returns an opaque id. GetResult blocks until the
// work is terminal, the timeout elapses (ErrTimeout) or ctx is done. Failures
// of the work itself come back as a Result with Success=false; the error
// return is reserved for the call not producing a terminal Result.
type Adapter interface {
	Name() string
	Platform() task.Platform
	IsImplemented() bool
	ImplementationStatus() Status
	Status() AdapterStatus

	SubmitTask(ctx context.Context, t task.Task) (string, error)
	GetResult(ctx context.Context, id string, timeout time.Duration) (*task.Result, error)
	// StreamResult yields output chunks until the work ends. The channel is
	// closed at the end and cannot be restarted.
	StreamResult(ctx context.Context, id string) (<-chan string, error)
	CancelTask(ctx context.Context, id string) (bool, error)
}

// Set binds platforms to adapters.
type Set map[task.Platform]Adapter

// Get returns the adapter for p, if any.
func (s Set) Get(p task.Platform) (Adapter, bool) {
	a, ok := s[p]
	if !ok || a == nil {
		return nil, false
	}
	return a, true
}

// Platforms lists bound platforms in declaration order.
func (s Set) Platforms() []task.Platform {
	out := make([]task.Platform, 0, len(s))
	for _, p := range task.Platforms {
		if _, ok := s.Get(p); ok {
			out = append(out, p)
		}
	}
	return out
}
