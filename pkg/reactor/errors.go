package reactor

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check.
var (
	// ErrUnknownAction reports an operation on an ID that is not
	// registered (never subscribed, or already unsubscribed).
	ErrUnknownAction = errors.New("reactor: unknown action")

	// ErrIterationLimit reports that an action kept retriggering across
	// consecutive passes until its loop counter hit the ceiling. The
	// action is dropped from the pending set instead of run again.
	ErrIterationLimit = errors.New("reactor: iteration limit exceeded")

	// ErrSlowCycleTimeout reports that a throttled cycle failed to
	// converge within the global iteration ceiling across ticks.
	ErrSlowCycleTimeout = errors.New("reactor: slow cycle timed out")
)

// IterationLimitError identifies which action exceeded the loop ceiling
// and at what count. Unwraps to ErrIterationLimit.
type IterationLimitError struct {
	Action ActionID
	Count  int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("reactor: action %d exceeded iteration limit after %d passes", e.Action, e.Count)
}

func (e *IterationLimitError) Unwrap() error {
	return ErrIterationLimit
}

// CycleTimeoutError identifies a slow cycle that never converged: the
// Effect driving it, the cycle membership, and how many cross-tick
// passes ran. Unwraps to ErrSlowCycleTimeout.
type CycleTimeoutError struct {
	Effect  ActionID
	Members []ActionID
	Passes  int
}

func (e *CycleTimeoutError) Error() string {
	return fmt.Sprintf("reactor: cycle driven by action %d did not converge after %d passes (%d members)",
		e.Effect, e.Passes, len(e.Members))
}

func (e *CycleTimeoutError) Unwrap() error {
	return ErrSlowCycleTimeout
}
