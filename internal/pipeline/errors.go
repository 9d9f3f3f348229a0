package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a stage exceeds its allotted execution window.
type ErrTimeout struct {
	Stage   StageKind
	Limit   time.Duration
	Attempt int
}

func (e ErrTimeout) Error() string {
	return fmt.Sprintf("stage %s timed out after %s (attempt %d)", e.Stage, e.Limit, e.Attempt)
}

// ErrTransient marks a retryable service failure (5xx/unavailable class).
type ErrTransient struct {
	Stage StageKind
	Cause error
}

func (e ErrTransient) Error() string {
	return fmt.Sprintf("stage %s transient failure: %v", e.Stage, e.Cause)
}

func (e ErrTransient) Unwrap() error { return e.Cause }

// ErrValidation marks malformed or unacceptable input; never retried.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e ErrValidation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrCircuitOpen is returned when a breaker rejects a call or submission.
type ErrCircuitOpen struct {
	Scope      string // stage name or "global"
	RetryAfter time.Duration
}

func (e ErrCircuitOpen) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %s, retry after %s", e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("circuit open for %s", e.Scope)
}

// ErrStoreUnavailable marks a failed read/write against the persistent store.
type ErrStoreUnavailable struct {
	Op    string
	Cause error
}

func (e ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Cause)
}

func (e ErrStoreUnavailable) Unwrap() error { return e.Cause }

// ErrCancelled reports cooperative cancellation. Partial output already
// emitted before the flag was observed is preserved by the caller.
type ErrCancelled struct {
	RunID string
}

func (e ErrCancelled) Error() string {
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// ErrCooldown rejects a submission that arrives while the requester's
// previous run is still inside the minimum interval. Recoverable.
type ErrCooldown struct {
	Requester string
	Wait      time.Duration
}

func (e ErrCooldown) Error() string {
	return fmt.Sprintf("requester %s in cooldown, retry in %s", e.Requester, e.Wait)
}

// IsRetryable reports whether the orchestrator may retry the stage once.
func IsRetryable(err error) bool {
	var t ErrTimeout
	if errors.As(err, &t) {
		return true
	}
	var tr ErrTransient
	return errors.As(err, &tr)
}
