package adapter

import (
	"context"
	"fmt"
	"time"

	"conductor/internal/task"
)

// Stub is a placeholder for a platform that has no working backend.
type Stub struct {
	platform task.Platform
	status   Status
	reason   string
}

// NewStub returns an unimplemented adapter. status is normally StatusStub or
// StatusUnavailable; reason is surfaced in every error.
func NewStub(p task.Platform, status Status, reason string) *Stub {
	if status == StatusWorking || status == StatusPartial {
		status = StatusStub
	}
	return &Stub{platform: p, status: status, reason: reason}
}

func (s *Stub) Name() string                 { return s.platform.String() }
func (s *Stub) Platform() task.Platform      { return s.platform }
func (s *Stub) IsImplemented() bool          { return false }
func (s *Stub) ImplementationStatus() Status { return s.status }

func (s *Stub) Status() AdapterStatus {
	return AdapterStatus{
		Name:          s.Name(),
		Platform:      s.platform,
		IsImplemented: false,
		Status:        s.status,
	}
}

func (s *Stub) err() error {
	if s.reason == "" {
		return fmt.Errorf("%s: %w", s.platform, ErrNotImplemented)
	}
	return fmt.Errorf("%s: %w: %s", s.platform, ErrNotImplemented, s.reason)
}

func (s *Stub) SubmitTask(context.Context, task.Task) (string, error) { return "", s.err() }

func (s *Stub) GetResult(context.Context, string, time.Duration) (*task.Result, error) {
	return nil, s.err()
}

func (s *Stub) StreamResult(context.Context, string) (<-chan string, error) { return nil, s.err() }

func (s *Stub) CancelTask(context.Context, string) (bool, error) { return false, s.err() }
