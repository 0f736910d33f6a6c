// Package reactor is the reactive execution engine: it propagates
// changes through a dependency graph of actions and decides what runs
// when. Effects are externally observable sinks and the scheduling
// roots; Computations are pure derivations that only run because some
// Effect, transitively, depends on them.
//
// The Scheduler owns the action registry, the reverse dependency graph,
// the dirty set, and the pending set. Scheduling is single-threaded and
// cooperative: Serve drains the pending set one topologically ordered
// pass at a time, actions run to completion, and cycles either converge
// in place (cheap ones) or are spread across ticks (expensive ones).
// All state is owned by one Scheduler value constructed explicitly;
// there is no package-level instance.
package reactor

import (
	"context"
	"time"
)

// ActionID is the stable handle for a registered action. Handles are
// never reused within a scheduler's lifetime, so a stale ID held after
// unsubscribe can not address a different action.
type ActionID int64

// Action is one unit of reactive work. It reads and writes state only
// through the transaction, which records the exact footprint of the
// run. Returning an error skips the commit.
type Action func(ctx context.Context, tx *Txn) error

// Mode selects how address changes propagate to the pending set.
type Mode int

const (
	// Push schedules every affected action, Effects and Computations
	// alike, for the next pass.
	Push Mode = iota

	// Pull schedules only affected Effects; affected Computations are
	// marked dirty and resolved on demand when something pulls them.
	Pull
)

// String returns the mode name for logs and config rendering.
func (m Mode) String() string {
	if m == Pull {
		return "pull"
	}

	return "push"
}

// SubscribeOptions control how an action is registered.
type SubscribeOptions struct {
	// IsEffect marks the action as externally observable. Effects are
	// scheduling roots; everything else is a Computation.
	IsEffect bool

	// ScheduleImmediately enqueues the action for the next pass right
	// after registration.
	ScheduleImmediately bool

	// Debounce sets a fixed debounce interval. Zero leaves the action
	// undebounced until the auto-detector assigns one.
	Debounce time.Duration
}

// Defaults for Config fields left zero.
const (
	defaultLoopCeiling        = 100
	defaultFastCycleThreshold = 16 * time.Millisecond
	defaultFastCyclePasses    = 20
	defaultAutoDebounceMin    = 5
	defaultAutoDebounceCost   = 50 * time.Millisecond
	defaultDebounceCap        = 200 * time.Millisecond
	defaultDiagnosticsBuffer  = 64
)

// Config holds the scheduler tunables. The zero value is usable; zero
// fields take the package defaults.
type Config struct {
	// Mode selects push or pull scheduling.
	Mode Mode

	// LoopCeiling bounds how many consecutive passes may process the
	// same action before it is reported as failed instead of run again.
	LoopCeiling int

	// FastCycleThreshold classifies a detected cycle: when the summed
	// average run time of its members stays below the threshold, the
	// cycle converges in place before the observing Effect runs.
	FastCycleThreshold time.Duration

	// FastCyclePasses bounds in-place fixpoint iteration for fast
	// cycles. It is deliberately tighter than LoopCeiling.
	FastCyclePasses int

	// AutoDebounceMinSamples is how many runs an action needs before
	// the auto-detector considers assigning it a debounce interval.
	AutoDebounceMinSamples int64

	// AutoDebounceCost is the average run time above which an
	// undebounced action gets an automatic interval.
	AutoDebounceCost time.Duration

	// DebounceCap bounds both configured and auto-assigned intervals.
	DebounceCap time.Duration

	// DiagnosticsBuffer is the capacity of the diagnostics channel.
	DiagnosticsBuffer int
}

// DefaultConfig returns the standard tunables: push mode, loop ceiling
// 100, one-frame fast-cycle threshold.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// withDefaults fills zero fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.LoopCeiling <= 0 {
		c.LoopCeiling = defaultLoopCeiling
	}

	if c.FastCycleThreshold <= 0 {
		c.FastCycleThreshold = defaultFastCycleThreshold
	}

	if c.FastCyclePasses <= 0 {
		c.FastCyclePasses = defaultFastCyclePasses
	}

	if c.AutoDebounceMinSamples <= 0 {
		c.AutoDebounceMinSamples = defaultAutoDebounceMin
	}

	if c.AutoDebounceCost <= 0 {
		c.AutoDebounceCost = defaultAutoDebounceCost
	}

	if c.DebounceCap <= 0 {
		c.DebounceCap = defaultDebounceCap
	}

	if c.DiagnosticsBuffer <= 0 {
		c.DiagnosticsBuffer = defaultDiagnosticsBuffer
	}

	return c
}
