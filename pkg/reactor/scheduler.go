package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/store"
)

// registration is the scheduler's bookkeeping for one subscribed
// action.
type registration struct {
	id       ActionID
	action   Action
	isEffect bool

	// debounce is the active interval; zero means none. debounceFixed
	// marks an explicitly configured interval the auto-detector must
	// not touch.
	debounce      time.Duration
	debounceFixed bool
}

// Scheduler owns the action registry, the dependency graph, the dirty
// and pending sets, and the run loop. One goroutine (Serve) drains
// work; other goroutines only mutate bookkeeping under the mutex and
// signal the loop. There is no package-level instance.
type Scheduler struct {
	mu     sync.Mutex
	logger *slog.Logger
	cfg    Config
	store  Store

	tracker *tracker
	actions map[ActionID]*registration
	nextID  atomic.Int64

	// dirty holds Computations whose inputs changed since their last
	// run. pending holds actions queued for the current drain; deferred
	// holds actions parked until the next Execute call. loopCounts
	// tracks runs per action within one drain to catch livelock.
	dirty      map[ActionID]struct{}
	pending    map[ActionID]struct{}
	deferred   map[ActionID]struct{}
	loopCounts map[ActionID]int

	stats  map[ActionID]*actionStats
	cycles map[ActionID]*cycleState

	// inCycle suppresses pending-set scheduling for members while a
	// cycle pass runs them; their mutual writes only re-dirty.
	inCycle map[ActionID]struct{}

	// pullStack is the chain of actions currently being resolved;
	// finding a dirty supplier already on it is how cycles surface.
	pullStack []ActionID
	onStack   map[ActionID]struct{}

	debounce *debouncer

	diag         chan Diagnostic
	droppedDiags atomic.Int64

	// wake is the non-blocking doorbell for Serve.
	wake chan struct{}

	// nowFunc stamps run durations; tests inject a fake clock.
	nowFunc func() time.Time
}

// NewScheduler builds a scheduler over the given store. Zero cfg fields
// take package defaults; a nil logger discards.
func NewScheduler(st Store, cfg Config, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Scheduler{
		logger:     logger,
		cfg:        cfg,
		store:      st,
		tracker:    newTracker(),
		actions:    make(map[ActionID]*registration),
		dirty:      make(map[ActionID]struct{}),
		pending:    make(map[ActionID]struct{}),
		deferred:   make(map[ActionID]struct{}),
		loopCounts: make(map[ActionID]int),
		stats:      make(map[ActionID]*actionStats),
		cycles:     make(map[ActionID]*cycleState),
		inCycle:    make(map[ActionID]struct{}),
		onStack:    make(map[ActionID]struct{}),
		debounce:   newDebouncer(),
		diag:       make(chan Diagnostic, cfg.DiagnosticsBuffer),
		wake:       make(chan struct{}, 1),
		nowFunc:    time.Now,
	}
}

// Reconfigure replaces the scheduler's tunables at runtime. Zero cfg
// fields take package defaults, same as NewScheduler. The diagnostics
// buffer is fixed at construction and keeps its original size. Changes
// apply from the next propagation or drain; runs already in flight
// finish under the old settings.
func (s *Scheduler) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.DiagnosticsBuffer = s.cfg.DiagnosticsBuffer
	s.cfg = cfg

	s.logger.Info("scheduler reconfigured",
		slog.String("mode", cfg.Mode.String()),
		slog.Int("loop_ceiling", cfg.LoopCeiling),
		slog.Duration("fast_cycle_threshold", cfg.FastCycleThreshold),
	)
}

// Subscribe registers an action under a caller-supplied footprint and
// wires it into the dependency graph. The action does not run here;
// ScheduleImmediately queues it for the next drain instead.
func (s *Scheduler) Subscribe(action Action, fp Footprint, opts SubscribeOptions) (ActionID, error) {
	if action == nil {
		return 0, errors.New("reactor: nil action")
	}

	id := ActionID(s.nextID.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.register(id, action, opts)
	s.tracker.update(id, fp)

	if opts.ScheduleImmediately {
		s.addPendingLocked(id)
	}

	s.logger.Debug("action subscribed",
		"action", int64(id),
		"effect", opts.IsEffect,
		"reads", len(fp.Reads),
		"writes", len(fp.Writes))

	return id, nil
}

// SubscribeAndRun registers an action and executes it once,
// synchronously, capturing the footprint from what the run actually
// touched. The run commits like any scheduled run and its writes fan
// out to existing subscribers. On failure the registration is rolled
// back and the error returned.
func (s *Scheduler) SubscribeAndRun(ctx context.Context, action Action, opts SubscribeOptions) (ActionID, error) {
	if action == nil {
		return 0, errors.New("reactor: nil action")
	}

	id := ActionID(s.nextID.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.register(id, action, opts)

	if err := s.executeLocked(ctx, reg); err != nil {
		delete(s.actions, id)
		delete(s.stats, id)
		s.tracker.remove(id)

		return 0, err
	}

	s.logger.Debug("action subscribed after capture run", "action", int64(id), "effect", opts.IsEffect)

	return id, nil
}

func (s *Scheduler) register(id ActionID, action Action, opts SubscribeOptions) *registration {
	reg := &registration{
		id:            id,
		action:        action,
		isEffect:      opts.IsEffect,
		debounce:      opts.Debounce,
		debounceFixed: opts.Debounce > 0,
	}

	if reg.debounce > s.cfg.DebounceCap {
		reg.debounce = s.cfg.DebounceCap
	}

	s.actions[id] = reg
	s.stats[id] = &actionStats{}

	return reg
}

// Unsubscribe removes the action from the registry, the dependency
// graph, the dirty and pending sets, and cancels any armed debounce
// timer. An execution already in flight is not interrupted.
func (s *Scheduler) Unsubscribe(id ActionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[id]; !ok {
		return fmt.Errorf("reactor: action %d: %w", id, ErrUnknownAction)
	}

	delete(s.actions, id)
	delete(s.stats, id)
	delete(s.dirty, id)
	delete(s.pending, id)
	delete(s.deferred, id)
	delete(s.loopCounts, id)
	delete(s.cycles, id)
	s.tracker.remove(id)
	s.debounce.cancel(id)

	s.logger.Debug("action unsubscribed", "action", int64(id))

	return nil
}

// MarkDirty flags the action and, transitively, everything downstream
// of it. Propagation stops at nodes already dirty: their downstream was
// handled when they first went dirty. Affected Effects are scheduled;
// in push mode Computations are scheduled too.
func (s *Scheduler) MarkDirty(id ActionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[id]; !ok {
		return fmt.Errorf("reactor: action %d: %w", id, ErrUnknownAction)
	}

	s.propagateLocked(id, make(map[ActionID]struct{}))

	return nil
}

// NotifyChanged tells the scheduler an address changed outside any
// action run, typically because a remote fact was applied. Every
// subscriber whose reads overlap the address is propagated to.
func (s *Scheduler) NotifyChanged(addr fact.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visited := make(map[ActionID]struct{})

	for _, id := range s.tracker.readersOf(addr) {
		s.propagateLocked(id, visited)
	}
}

// propagateLocked walks the dependents graph from id. Each visited
// Computation is marked dirty; Effects (always) and Computations (push
// mode only) are scheduled. The visited set bounds one call; the dirty
// set bounds repeated calls.
func (s *Scheduler) propagateLocked(id ActionID, visited map[ActionID]struct{}) {
	if _, seen := visited[id]; seen {
		return
	}

	visited[id] = struct{}{}

	reg, ok := s.actions[id]
	if !ok {
		return
	}

	if reg.isEffect || s.cfg.Mode == Push {
		// Actions mid-resolution or mid-cycle run later this tick with
		// fresh inputs anyway; scheduling them again would double-run.
		if !s.suppressedLocked(id) {
			s.scheduleLocked(reg)
		}
	}

	if !reg.isEffect {
		if _, already := s.dirty[id]; already {
			return
		}

		s.dirty[id] = struct{}{}
	}

	for _, dep := range s.tracker.dependentsOf(id) {
		s.propagateLocked(dep, visited)
	}
}

// scheduleLocked queues the action, honoring its debounce interval.
// With an interval armed, only the last trigger of a burst lands in the
// pending set, after the interval passes quietly.
func (s *Scheduler) scheduleLocked(reg *registration) {
	s.maybeAutoDebounceLocked(reg)

	if reg.debounce <= 0 {
		s.addPendingLocked(reg.id)
		return
	}

	id := reg.id

	s.debounce.trigger(id, reg.debounce, func() {
		s.mu.Lock()
		if _, ok := s.actions[id]; ok {
			s.addPendingLocked(id)
		}
		s.mu.Unlock()
	})
}

// maybeAutoDebounceLocked assigns a debounce interval to a chronically
// expensive action that has none configured. The interval is twice the
// average run time, floored at the cost threshold and capped.
func (s *Scheduler) maybeAutoDebounceLocked(reg *registration) {
	if reg.debounceFixed || reg.debounce > 0 {
		return
	}

	st := s.stats[reg.id]
	if st == nil || st.runCount < s.cfg.AutoDebounceMinSamples {
		return
	}

	avg := st.average()
	if avg <= s.cfg.AutoDebounceCost {
		return
	}

	interval := 2 * avg
	if interval < s.cfg.AutoDebounceCost {
		interval = s.cfg.AutoDebounceCost
	}

	if interval > s.cfg.DebounceCap {
		interval = s.cfg.DebounceCap
	}

	reg.debounce = interval

	s.logger.Debug("auto debounce assigned",
		"action", int64(reg.id),
		"interval", interval,
		"average", avg)
}

func (s *Scheduler) addPendingLocked(id ActionID) {
	s.pending[id] = struct{}{}
	s.wakeLocked()
}

// wakeLocked rings the doorbell without blocking; a pending signal
// already in the channel covers this one.
func (s *Scheduler) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes one action on demand, first resolving dirty suppliers
// depth-first so the action reads consistent inputs. A supplier found
// already mid-resolution is a cycle and is handled per its cost class.
func (s *Scheduler) Run(ctx context.Context, id ActionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.runLocked(ctx, id)
}

func (s *Scheduler) runLocked(ctx context.Context, id ActionID) error {
	reg, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("reactor: action %d: %w", id, ErrUnknownAction)
	}

	if cs, active := s.cycles[id]; active {
		return s.continueSlowCycleLocked(ctx, reg, cs)
	}

	err := s.resolveAndRunLocked(ctx, reg)
	if errors.Is(err, errYieldCycle) {
		// The slow cycle is parked; the driving effect is already
		// re-enqueued and will resume next tick.
		return nil
	}

	return err
}

func (s *Scheduler) resolveAndRunLocked(ctx context.Context, reg *registration) error {
	s.pushStackLocked(reg.id)
	defer s.popStackLocked()

	if err := s.resolveSuppliersLocked(ctx, reg.id); err != nil {
		return err
	}

	return s.executeLocked(ctx, reg)
}

func (s *Scheduler) resolveSuppliersLocked(ctx context.Context, id ActionID) error {
	for _, sup := range s.tracker.suppliersOf(id) {
		if err := s.resolveDirtyLocked(ctx, sup); err != nil {
			return err
		}
	}

	return nil
}

// resolveDirtyLocked brings one supplier up to date before its
// dependent runs. Clean suppliers are skipped; a dirty supplier already
// on the pull stack closes a cycle.
func (s *Scheduler) resolveDirtyLocked(ctx context.Context, id ActionID) error {
	if _, dirty := s.dirty[id]; !dirty {
		return nil
	}

	if _, onStack := s.onStack[id]; onStack {
		return s.handleCycleLocked(ctx, id)
	}

	reg, ok := s.actions[id]
	if !ok {
		delete(s.dirty, id)
		return nil
	}

	return s.resolveAndRunLocked(ctx, reg)
}

// executeLocked performs one run: fresh transaction, the action body,
// commit, stats, footprint re-capture, fan-out. Failures skip the
// commit and surface as diagnostics as well as the returned error.
func (s *Scheduler) executeLocked(ctx context.Context, reg *registration) error {
	tx := newTxn(s.store)
	st := s.stats[reg.id]

	start := s.nowFunc()
	err := reg.action(ctx, tx)
	elapsed := s.nowFunc().Sub(start)

	if err != nil {
		st.fail()
		s.report(Diagnostic{Kind: DiagActionError, Action: reg.id, Err: err, At: start})

		return fmt.Errorf("reactor: action %d: %w", reg.id, err)
	}

	if err := tx.commit(ctx); err != nil {
		st.fail()

		kind := DiagActionError
		if errors.Is(err, store.ErrCommitConflict) {
			kind = DiagCommitConflict
		}

		s.report(Diagnostic{Kind: kind, Action: reg.id, Err: err, At: start})

		return fmt.Errorf("reactor: action %d commit: %w", reg.id, err)
	}

	st.record(elapsed)

	fp := tx.Footprint()
	s.tracker.update(reg.id, fp)
	delete(s.dirty, reg.id)

	s.fanOutLocked(reg.id, fp.Writes)

	return nil
}

// fanOutLocked propagates a completed run's writes to their readers.
// The writer itself is pre-visited: it just ran with these values and
// does not re-trigger off its own write within the call.
func (s *Scheduler) fanOutLocked(source ActionID, writes []fact.Address) {
	if len(writes) == 0 {
		return
	}

	visited := map[ActionID]struct{}{source: {}}

	for _, addr := range writes {
		for _, reader := range s.tracker.readersOf(addr) {
			s.propagateLocked(reader, visited)
		}
	}
}

// Execute drains the pending set. Each pass snapshots and clears the
// set, orders the batch so suppliers run before dependents, and runs
// every member; fan-out may refill the set, and draining continues
// until it stays empty. An action that keeps coming back past the loop
// ceiling is skipped for the rest of the drain and reported once.
// Action failures are diagnostics, not reasons to stop; only context
// cancellation aborts the drain.
func (s *Scheduler) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.executeAllLocked(ctx)
}

func (s *Scheduler) executeAllLocked(ctx context.Context) error {
	// Work parked by slow cycles joins at tick boundaries only, one
	// pass per Execute call.
	for id := range s.deferred {
		s.pending[id] = struct{}{}
	}

	clear(s.deferred)

	for len(s.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := make([]ActionID, 0, len(s.pending))
		for id := range s.pending {
			batch = append(batch, id)
		}

		clear(s.pending)

		for _, id := range s.tracker.topoOrder(batch) {
			if _, ok := s.actions[id]; !ok {
				continue // unsubscribed while pending
			}

			s.loopCounts[id]++

			if n := s.loopCounts[id]; n > s.cfg.LoopCeiling {
				if n == s.cfg.LoopCeiling+1 {
					s.report(Diagnostic{
						Kind:   DiagIterationLimit,
						Action: id,
						Err:    &IterationLimitError{Action: id, Count: n - 1},
						At:     s.nowFunc(),
					})

					s.logger.Warn("action exceeded loop ceiling, suppressed for this drain",
						"action", int64(id),
						"ceiling", s.cfg.LoopCeiling)
				}

				continue
			}

			if err := s.runLocked(ctx, id); err != nil {
				s.logger.Warn("action run failed", "action", int64(id), "error", err)
			}
		}

		// Counters survive only for actions that re-pended themselves;
		// everything that settled gets a fresh budget.
		for id := range s.loopCounts {
			if _, ok := s.pending[id]; !ok {
				delete(s.loopCounts, id)
			}
		}
	}

	return nil
}

// Serve is the scheduler's run loop: block until woken, drain, repeat.
// It returns nil when ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info("scheduler serving", "mode", s.cfg.Mode.String())

	for {
		select {
		case <-ctx.Done():
			s.debounce.cancelAll()
			s.logger.Info("scheduler stopped")

			return nil
		case <-s.wake:
			if err := s.Execute(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("drain aborted", "error", err)
			}
		}
	}
}

// Stats returns a point-in-time snapshot of scheduler state.
func (s *Scheduler) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Mode:               s.cfg.Mode,
		Pending:            len(s.pending),
		Dirty:              len(s.dirty),
		ActiveCycles:       len(s.cycles),
		DroppedDiagnostics: s.droppedDiags.Load(),
		Actions:            make(map[ActionID]Stats, len(s.stats)),
	}

	for _, reg := range s.actions {
		if reg.isEffect {
			snap.Effects++
		} else {
			snap.Computations++
		}
	}

	for id, st := range s.stats {
		snap.Actions[id] = st.snapshot()
	}

	return snap
}

// suppressedLocked reports whether the action is currently on the pull
// stack or inside a running cycle pass.
func (s *Scheduler) suppressedLocked(id ActionID) bool {
	if _, ok := s.onStack[id]; ok {
		return true
	}

	_, ok := s.inCycle[id]

	return ok
}

func (s *Scheduler) pushStackLocked(id ActionID) {
	s.pullStack = append(s.pullStack, id)
	s.onStack[id] = struct{}{}
}

func (s *Scheduler) popStackLocked() {
	last := len(s.pullStack) - 1
	delete(s.onStack, s.pullStack[last])
	s.pullStack = s.pullStack[:last]
}
