package reactor

import "time"

// DiagnosticKind classifies a non-fatal condition reported by the run
// loop.
type DiagnosticKind int

// Diagnostic kinds.
const (
	// DiagActionError: an action returned an error; its commit was
	// skipped.
	DiagActionError DiagnosticKind = iota
	// DiagCommitConflict: a transaction lost the compare-and-swap race
	// and was rejected whole.
	DiagCommitConflict
	// DiagIterationLimit: an action hit the loop ceiling and was
	// dropped from the pending set.
	DiagIterationLimit
	// DiagCycleNoFixpoint: a fast cycle exhausted its pass budget
	// without converging; the Effect proceeded with best-available
	// values.
	DiagCycleNoFixpoint
	// DiagSlowCycleTimeout: a throttled cycle hit the global ceiling.
	DiagSlowCycleTimeout
)

// String returns the kind name for logs.
func (k DiagnosticKind) String() string {
	switch k {
	case DiagActionError:
		return "action_error"
	case DiagCommitConflict:
		return "commit_conflict"
	case DiagIterationLimit:
		return "iteration_limit"
	case DiagCycleNoFixpoint:
		return "cycle_no_fixpoint"
	case DiagSlowCycleTimeout:
		return "slow_cycle_timeout"
	default:
		return "unknown"
	}
}

// Diagnostic is one reported condition. Local, recoverable failures
// (one conflicting commit, one over-budget action) are isolated to the
// offending action and reported here; they never abort the run loop or
// other pending actions.
type Diagnostic struct {
	Kind   DiagnosticKind
	Action ActionID
	Err    error
	At     time.Time
}

// report delivers a diagnostic without blocking. A full channel drops
// the diagnostic and counts the drop; the run loop must never stall on
// a slow or absent consumer.
func (s *Scheduler) report(d Diagnostic) {
	select {
	case s.diag <- d:
	default:
		s.droppedDiags.Add(1)
	}
}

// Diagnostics returns the structured diagnostic feed. Consumers should
// drain it promptly; the buffer drops on overflow.
func (s *Scheduler) Diagnostics() <-chan Diagnostic {
	return s.diag
}
