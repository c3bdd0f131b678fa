package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoAdapter     = errors.New("no adapter bound for platform")
	ErrNotReady      = errors.New("adapter failed pre-invocation check")
	ErrQuotaReserved = errors.New("quota exhausted: reservation refused")
)

// NoRetry marks an error as non-retryable.
//
// Adapters can wrap permanent failures with NoRetry so the orchestrator moves
// on to the next platform immediately.
//
//	return orchestrator.NoRetry(fmt.Errorf("bad request: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay to a retryable error, e.g. from a
// provider's Retry-After header. The hint replaces the exponential delay for
// that retry, bounded by Config.MaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(0, after)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("%v (retry after %s)", e.err, e.after) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

var retryableMarkers = []string{
	"rate limit",
	"timeout",
	"timed out",
	"503",
	"502",
	"500",
	"server error",
	"connection error",
	"temporarily unavailable",
}

var permanentMarkers = []string{
	"quota exhausted",
	"quota exceeded",
	"unauthorized",
	"invalid api key",
	"authentication",
	"permission denied",
	"invalid request",
}

// Retryable classifies an attempt error. NoRetry and cancellation always win.
// Otherwise the text is matched case-insensitively: transient markers first,
// then permanent ones; anything unrecognised is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNoRetry(err) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	return true
}

// backoffDelay is base * 2^retry (retry is 0-based), bounded by maxD.
// A RetryAfter hint on err takes precedence.
func backoffDelay(base, maxD time.Duration, retry int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return min(ra.RetryAfter(), maxD)
	}
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	return min(d, maxD)
}

// sleepCtx waits d or until ctx is done, whichever is first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
