// Package store implements the three-tier fact store. Nursery holds
// locally originated writes that the remote authority has not yet
// confirmed, Heap holds confirmed session state, and Cache is a
// persistent SQLite tier shared across sessions. Reads shadow
// Nursery > Heap > Cache and fall through to a remote pull on a full
// miss.
//
// The Manager is the sole writer to all three tiers. Local writes enter
// through Set and the compare-and-swap Commit protocol; remote
// subscription updates enter through ApplyRemote, which reconciles them
// against pending Nursery entries.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/remote"
)

// Sentinel errors. Use errors.Is to check.
var (
	// ErrNotFound reports that no tier and no remote pull produced a
	// fact for the requested entity.
	ErrNotFound = errors.New("store: entity not found")

	// ErrCommitConflict reports a compare-and-swap rejection, either by
	// the local head check or by the remote authority. The whole batch
	// is rejected; nothing is partially applied.
	ErrCommitConflict = errors.New("store: commit conflict")
)

// ConflictError carries the detail of a commit rejection: which entity
// failed, at which stage, and the refs that disagreed. Refs are empty
// for remote-stage rejections, where the authority reports only the
// fact of the conflict. Unwraps to ErrCommitConflict.
type ConflictError struct {
	Key      fact.EntityKey
	Stage    string // "local" or "remote"
	Expected fact.Ref
	Found    fact.Ref
	Err      error
}

func (e *ConflictError) Error() string {
	if e.Stage == "local" {
		return fmt.Sprintf("store: %s: local head is %s, write expected %s", e.Key, e.Found, e.Expected)
	}

	return fmt.Sprintf("store: %s: rejected by authority: %v", e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return ErrCommitConflict
}

// Authority is the remote store the manager reconciles against.
// remote.Client implements it; tests use remotetest.Authority. Pull
// returns (nil, nil) when the entity does not exist remotely.
type Authority interface {
	Pull(ctx context.Context, space, entity string) (*fact.Fact, error)
	Commit(ctx context.Context, space string, writes []fact.Fact) error
}

// Tier identifies which tier satisfied a read.
type Tier int

// Tier provenance values, in read-priority order.
const (
	TierNone Tier = iota
	TierNursery
	TierHeap
	TierCache
	TierRemote
)

// String returns the tier name for logs and inspection output.
func (t Tier) String() string {
	switch t {
	case TierNursery:
		return "nursery"
	case TierHeap:
		return "heap"
	case TierCache:
		return "cache"
	case TierRemote:
		return "remote"
	default:
		return "none"
	}
}

// Reconcile is the outcome of matching a remote update against the
// entity's pending Nursery entry.
type Reconcile int

// Reconcile outcomes.
const (
	// ReconcileNone: no pending local write for the entity.
	ReconcileNone Reconcile = iota
	// ReconcileEcho: the update matches the pending write; the server
	// caught up and the Nursery entry is evicted.
	ReconcileEcho
	// ReconcileRetained: the pending write was built on the arriving
	// fact, so it stays in Nursery as a still-valid successor.
	ReconcileRetained
	// ReconcilePurged: the update conflicts with the pending write,
	// which is discarded so reads fall back to confirmed state.
	ReconcilePurged
)

// String returns the reconcile outcome name.
func (r Reconcile) String() string {
	switch r {
	case ReconcileEcho:
		return "echo"
	case ReconcileRetained:
		return "retained"
	case ReconcilePurged:
		return "purged"
	default:
		return "none"
	}
}

// Write pairs a Fact with the space it belongs to. Facts do not carry
// their space; tier entries are keyed by (space, entity).
type Write struct {
	Space string
	Fact  fact.Fact
}

// Key returns the tier key for this write.
func (w Write) Key() fact.EntityKey {
	return fact.EntityKey{Space: w.Space, Entity: w.Fact.Entity}
}

// TierSnapshot is a read-only copy of the in-memory tiers for
// diagnostics and inspection.
type TierSnapshot struct {
	Nursery map[fact.EntityKey]fact.Fact
	Heap    map[fact.EntityKey]fact.Fact
}

// Manager owns the three tiers and is their sole writer. A nil cache
// runs the manager memory-only; a nil authority runs it local-only,
// where commits promote without a remote round-trip.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger

	nursery map[fact.EntityKey]fact.Fact
	heap    map[fact.EntityKey]fact.Fact

	cache     *Cache
	authority Authority
}

// NewManager builds a Manager over the given persistent cache and
// remote authority, either of which may be nil.
func NewManager(cache *Cache, authority Authority, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:    logger,
		nursery:   make(map[fact.EntityKey]fact.Fact),
		heap:      make(map[fact.EntityKey]fact.Fact),
		cache:     cache,
		authority: authority,
	}
}

// Get resolves the value at addr: the entity's fact is looked up
// through the tiers (pulling from the authority on a full miss) and
// addr.Path is descended into its value. A miss everywhere returns
// ErrNotFound.
func (m *Manager) Get(ctx context.Context, addr fact.Address) (json.RawMessage, error) {
	f, _, err := m.GetFact(ctx, addr.EntityKey())
	if err != nil {
		return nil, err
	}

	value, err := fact.ValueAt(f.Value, addr.Path)
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", addr, err)
	}

	return value, nil
}

// GetFact resolves the entity's current fact and the tier that held it.
// Cache hits are promoted into Heap so later reads stay in memory;
// remote pulls land in Heap and write through to Cache.
func (m *Manager) GetFact(ctx context.Context, key fact.EntityKey) (fact.Fact, Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.nursery[key]; ok {
		return f, TierNursery, nil
	}

	if f, ok := m.heap[key]; ok {
		return f, TierHeap, nil
	}

	if m.cache != nil {
		row, err := m.cache.Get(ctx, key)
		if err != nil {
			return fact.Fact{}, TierNone, err
		}

		if row != nil {
			m.heap[key] = row.Fact

			if err := m.cache.Touch(ctx, key); err != nil {
				m.logger.Warn("cache touch failed", slog.String("entity", key.String()), slog.String("error", err.Error()))
			}

			return row.Fact, TierCache, nil
		}
	}

	return m.pullRemote(ctx, key)
}

// pullRemote fetches the entity from the authority on a full local
// miss. Caller holds m.mu.
func (m *Manager) pullRemote(ctx context.Context, key fact.EntityKey) (fact.Fact, Tier, error) {
	if m.authority == nil {
		return fact.Fact{}, TierNone, fmt.Errorf("store: %s: %w", key, ErrNotFound)
	}

	f, err := m.authority.Pull(ctx, key.Space, key.Entity)
	if err != nil {
		return fact.Fact{}, TierNone, fmt.Errorf("store: pulling %s: %w", key, err)
	}

	if f == nil {
		return fact.Fact{}, TierNone, fmt.Errorf("store: %s: %w", key, ErrNotFound)
	}

	m.heap[key] = *f
	m.writeThrough(ctx, key.Space, *f)

	m.logger.Debug("pulled entity from authority", slog.String("entity", key.String()))

	return *f, TierRemote, nil
}

// Set stages an optimistic local write: it builds a fact superseding
// the entity's current visible head at addr.Path and places it in
// Nursery, immediately visible to readers without waiting for remote
// confirmation. The staged fact is returned so the caller can commit
// it. A fresh entity starts a new causal chain with an empty type.
func (m *Manager) Set(ctx context.Context, addr fact.Address, value json.RawMessage) (fact.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stageLocked(ctx, addr, value)
}

// stageLocked implements Set. Caller holds m.mu.
func (m *Manager) stageLocked(_ context.Context, addr fact.Address, value json.RawMessage) (fact.Fact, error) {
	key := addr.EntityKey()

	var (
		typ      string
		base     json.RawMessage
		cause    fact.Ref
		haveHead bool
	)

	head, ok := m.nursery[key]
	if !ok {
		head, ok = m.heap[key]
	}

	if ok {
		ref, err := head.Ref()
		if err != nil {
			return fact.Fact{}, err
		}

		typ, base, cause, haveHead = head.Type, head.Value, ref, true
	}

	merged, err := fact.WriteAt(base, addr.Path, value)
	if err != nil {
		return fact.Fact{}, fmt.Errorf("store: staging %s: %w", addr, err)
	}

	next, err := fact.New(typ, addr.Entity, merged, cause)
	if err != nil {
		return fact.Fact{}, err
	}

	m.nursery[key] = next

	m.logger.Debug("staged local write",
		slog.String("address", addr.String()),
		slog.Bool("supersedes_head", haveHead),
	)

	return next, nil
}

// Commit applies the compare-and-swap protocol to a batch of writes:
// every write's Cause is checked against the entity's current visible
// head, the batch is staged in Nursery, pushed to the authority, and
// on success promoted to Heap with write-through to Cache. Any check
// or push failure rejects the whole batch and purges its Nursery
// entries, so reads fall back to the last confirmed state. Rejection
// never partially applies.
func (m *Manager) Commit(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batchID := uuid.New().String()

	if err := m.checkCauses(writes); err != nil {
		return err
	}

	for _, w := range writes {
		m.nursery[w.Key()] = w.Fact
	}

	if err := m.push(ctx, writes); err != nil {
		for _, w := range writes {
			delete(m.nursery, w.Key())
		}

		m.logger.Warn("commit rejected, nursery purged",
			slog.String("batch_id", batchID),
			slog.Int("writes", len(writes)),
			slog.String("error", err.Error()),
		)

		return err
	}

	for _, w := range writes {
		key := w.Key()
		delete(m.nursery, key)
		m.heap[key] = w.Fact
		m.writeThrough(ctx, w.Space, w.Fact)
	}

	m.logger.Debug("commit promoted",
		slog.String("batch_id", batchID),
		slog.Int("writes", len(writes)),
	)

	return nil
}

// checkCauses verifies every write's Cause against the entity's current
// visible head. A write whose ref equals the visible head is the
// already-staged optimistic value being confirmed and passes. Caller
// holds m.mu.
func (m *Manager) checkCauses(writes []Write) error {
	for _, w := range writes {
		key := w.Key()

		head, ok := m.nursery[key]
		if !ok {
			head, ok = m.heap[key]
		}

		if !ok {
			if !w.Fact.Cause.IsZero() {
				return &ConflictError{Key: key, Stage: "local", Expected: w.Fact.Cause}
			}

			continue
		}

		headRef, err := head.Ref()
		if err != nil {
			return err
		}

		writeRef, err := w.Fact.Ref()
		if err != nil {
			return err
		}

		if writeRef == headRef {
			continue
		}

		if w.Fact.Cause != headRef {
			return &ConflictError{Key: key, Stage: "local", Expected: w.Fact.Cause, Found: headRef}
		}
	}

	return nil
}

// push sends the batch to the authority, one commit per space. A nil
// authority confirms locally. Caller holds m.mu.
func (m *Manager) push(ctx context.Context, writes []Write) error {
	if m.authority == nil {
		return nil
	}

	bySpace := make(map[string][]fact.Fact)
	for _, w := range writes {
		bySpace[w.Space] = append(bySpace[w.Space], w.Fact)
	}

	for space, facts := range bySpace {
		if err := m.authority.Commit(ctx, space, facts); err != nil {
			if errors.Is(err, remote.ErrConflict) {
				return &ConflictError{
					Key:   fact.EntityKey{Space: space, Entity: facts[0].Entity},
					Stage: "remote",
					Err:   err,
				}
			}

			return fmt.Errorf("store: pushing %d writes to %s: %w", len(facts), space, err)
		}
	}

	return nil
}

// ApplyRemote lands a fact arriving from the authority (a subscription
// update or another client's committed write) in Heap with write-
// through to Cache. Remote data never enters Nursery. The entity's
// pending Nursery entry, if any, is reconciled: evicted when the
// update echoes it, retained when the pending write was built on the
// arriving fact, purged when they conflict.
func (m *Manager) ApplyRemote(ctx context.Context, space string, f fact.Fact) (Reconcile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fact.EntityKey{Space: space, Entity: f.Entity}

	arriving, err := f.Ref()
	if err != nil {
		return ReconcileNone, err
	}

	m.heap[key] = f
	m.writeThrough(ctx, space, f)

	pending, ok := m.nursery[key]
	if !ok {
		return ReconcileNone, nil
	}

	pendingRef, err := pending.Ref()
	if err != nil {
		return ReconcileNone, err
	}

	switch {
	case pendingRef == arriving:
		delete(m.nursery, key)

		m.logger.Debug("remote update echoed pending write", slog.String("entity", key.String()))

		return ReconcileEcho, nil
	case pending.Cause == arriving:
		m.logger.Debug("remote update confirmed base of pending write", slog.String("entity", key.String()))

		return ReconcileRetained, nil
	default:
		delete(m.nursery, key)

		m.logger.Warn("remote update conflicts with pending write, purged",
			slog.String("entity", key.String()),
			slog.String("pending_ref", pendingRef.String()),
			slog.String("arriving_ref", arriving.String()),
		)

		return ReconcilePurged, nil
	}
}

// writeThrough persists a confirmed fact to the cache tier. Cache
// failures degrade to a warning; the in-memory tiers stay correct.
// Caller holds m.mu.
func (m *Manager) writeThrough(ctx context.Context, space string, f fact.Fact) {
	if m.cache == nil {
		return
	}

	if err := m.cache.Put(ctx, space, f); err != nil {
		m.logger.Warn("cache write-through failed",
			slog.String("entity", space+"/"+f.Entity),
			slog.String("error", err.Error()),
		)
	}
}

// Snapshot returns a copy of the in-memory tiers.
func (m *Manager) Snapshot() TierSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := TierSnapshot{
		Nursery: make(map[fact.EntityKey]fact.Fact, len(m.nursery)),
		Heap:    make(map[fact.EntityKey]fact.Fact, len(m.heap)),
	}

	for k, f := range m.nursery {
		snap.Nursery[k] = f
	}

	for k, f := range m.heap {
		snap.Heap[k] = f
	}

	return snap
}

// EvictStale removes cached facts not read within the retention window.
// Memory-only managers report zero evictions.
func (m *Manager) EvictStale(ctx context.Context, retention time.Duration) (int64, error) {
	if m.cache == nil {
		return 0, nil
	}

	return m.cache.EvictStale(ctx, retention)
}

// Checkpoint consolidates the cache WAL into the main database file.
func (m *Manager) Checkpoint() error {
	if m.cache == nil {
		return nil
	}

	return m.cache.Checkpoint()
}

// Close releases the cache tier. The in-memory tiers need no teardown.
func (m *Manager) Close() error {
	if m.cache == nil {
		return nil
	}

	return m.cache.Close()
}
