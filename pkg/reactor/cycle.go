package reactor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errYieldCycle unwinds the pull stack when a slow cycle parks itself.
// It never escapes the scheduler: runLocked converts it to nil after
// the driving action has been re-enqueued for the next tick.
var errYieldCycle = errors.New("reactor: cycle yielded")

// cycleState is the resume record for a parked slow cycle, keyed by
// the driving action that re-enqueues itself each tick.
type cycleState struct {
	members []ActionID
	passes  int
}

// handleCycleLocked runs when pull resolution finds a dirty supplier
// already on the pull stack. The members are the stack slice from the
// re-entered action to the top. Cheap cycles (summed average run time
// under the fast threshold) converge in place before the dependent
// proceeds; expensive ones run a single pass per tick so one
// convergence does not starve the rest of the graph.
func (s *Scheduler) handleCycleLocked(ctx context.Context, reentered ActionID) error {
	members := s.cycleMembersLocked(reentered)
	root := s.pullStack[0]

	cost := s.cycleCostLocked(members)

	s.logger.Debug("cycle detected",
		"root", int64(root),
		"members", len(members),
		"cost", cost)

	if cost < s.cfg.FastCycleThreshold {
		return s.runFastCycleLocked(ctx, members)
	}

	if err := s.runCyclePassLocked(ctx, members); err != nil {
		return err
	}

	if !s.membersDirtyLocked(members) {
		return nil
	}

	s.cycles[root] = &cycleState{members: members, passes: 1}
	s.deferLocked(root)

	s.logger.Debug("slow cycle parked", "root", int64(root), "members", len(members))

	return errYieldCycle
}

// continueSlowCycleLocked advances a parked cycle by one pass. The
// global ceiling bounds total passes; past it the cycle is abandoned
// with a SlowCycleTimeout. Convergence releases the driving action to
// run normally in the same tick.
func (s *Scheduler) continueSlowCycleLocked(ctx context.Context, reg *registration, cs *cycleState) error {
	cs.passes++

	if cs.passes > s.cfg.LoopCeiling {
		delete(s.cycles, reg.id)

		err := &CycleTimeoutError{
			Effect:  reg.id,
			Members: append([]ActionID(nil), cs.members...),
			Passes:  cs.passes - 1,
		}

		s.report(Diagnostic{Kind: DiagSlowCycleTimeout, Action: reg.id, Err: err, At: s.nowFunc()})
		s.logger.Warn("slow cycle abandoned",
			"root", int64(reg.id),
			"members", len(cs.members),
			"passes", cs.passes-1)

		return err
	}

	// The driving action is not on the pull stack here, so flag it
	// in-cycle for the pass: member writes must not re-schedule it into
	// this same drain.
	s.inCycle[reg.id] = struct{}{}
	err := s.runCyclePassLocked(ctx, cs.members)
	delete(s.inCycle, reg.id)

	if err != nil {
		return err
	}

	if s.membersDirtyLocked(cs.members) {
		s.deferLocked(reg.id)
		return nil
	}

	delete(s.cycles, reg.id)

	s.logger.Debug("slow cycle converged", "root", int64(reg.id), "passes", cs.passes)

	return s.resolveAndRunLocked(ctx, reg)
}

// runFastCycleLocked iterates the cycle to a fixpoint in place. Each
// pass runs the still-dirty members in topological order, so every
// member sees the freshest values the pass can offer. Exhausting the
// pass budget is not fatal: the members keep their dirty flags and the
// dependent proceeds with the values reached so far.
func (s *Scheduler) runFastCycleLocked(ctx context.Context, members []ActionID) error {
	for pass := 1; pass <= s.cfg.FastCyclePasses; pass++ {
		if !s.membersDirtyLocked(members) {
			s.logger.Debug("fast cycle converged", "members", len(members), "passes", pass-1)
			return nil
		}

		if err := s.runCyclePassLocked(ctx, members); err != nil {
			return err
		}
	}

	if s.membersDirtyLocked(members) {
		err := fmt.Errorf("reactor: cycle of %d actions reached no fixpoint in %d passes",
			len(members), s.cfg.FastCyclePasses)

		s.report(Diagnostic{Kind: DiagCycleNoFixpoint, Action: members[0], Err: err, At: s.nowFunc()})
		s.logger.Warn("fast cycle exhausted pass budget",
			"members", len(members),
			"passes", s.cfg.FastCyclePasses)
	}

	return nil
}

// runCyclePassLocked runs the dirty members once, in topological order.
// Members are flagged in-cycle for the duration so their mutual writes
// re-dirty each other without flooding the pending set.
func (s *Scheduler) runCyclePassLocked(ctx context.Context, members []ActionID) error {
	dirtyMembers := s.dirtyMembersLocked(members)
	if len(dirtyMembers) == 0 {
		return nil
	}

	for _, id := range members {
		s.inCycle[id] = struct{}{}
	}

	defer func() {
		for _, id := range members {
			delete(s.inCycle, id)
		}
	}()

	for _, id := range s.tracker.topoOrder(dirtyMembers) {
		reg, ok := s.actions[id]
		if !ok {
			delete(s.dirty, id)
			continue
		}

		if err := s.executeLocked(ctx, reg); err != nil {
			return err
		}
	}

	return nil
}

// cycleMembersLocked copies the pull stack from the first occurrence of
// the re-entered action to the top.
func (s *Scheduler) cycleMembersLocked(reentered ActionID) []ActionID {
	start := 0

	for i, id := range s.pullStack {
		if id == reentered {
			start = i
			break
		}
	}

	return append([]ActionID(nil), s.pullStack[start:]...)
}

// cycleCostLocked sums the members' average run times, the cost of one
// full pass around the cycle.
func (s *Scheduler) cycleCostLocked(members []ActionID) time.Duration {
	var total time.Duration

	for _, id := range members {
		if st, ok := s.stats[id]; ok {
			total += st.average()
		}
	}

	return total
}

func (s *Scheduler) membersDirtyLocked(members []ActionID) bool {
	for _, id := range members {
		if _, ok := s.dirty[id]; ok {
			return true
		}
	}

	return false
}

func (s *Scheduler) dirtyMembersLocked(members []ActionID) []ActionID {
	var out []ActionID

	for _, id := range members {
		if _, ok := s.dirty[id]; ok {
			out = append(out, id)
		}
	}

	return out
}

// deferLocked queues the action for the next tick rather than the
// current drain, so a parked cycle advances exactly one pass per
// Execute call.
func (s *Scheduler) deferLocked(id ActionID) {
	s.deferred[id] = struct{}{}
	s.wakeLocked()
}
