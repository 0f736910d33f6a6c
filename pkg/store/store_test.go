package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/remote/remotetest"
)

func TestGetFact_NurseryShadowsHeap(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()
	addr := fact.NewAddress("main", "cart")

	confirmed := mkFact(t, "note", "cart", map[string]any{"qty": 1}, "")
	_, err := m.ApplyRemote(ctx, "main", confirmed)
	require.NoError(t, err)

	staged, err := m.Set(ctx, addr, json.RawMessage(`{"qty":9}`))
	require.NoError(t, err)

	got, tier, err := m.GetFact(ctx, addr.EntityKey())
	require.NoError(t, err)
	assert.Equal(t, TierNursery, tier)
	assert.JSONEq(t, `{"qty":9}`, string(got.Value))

	stagedRef, err := staged.Ref()
	require.NoError(t, err)

	gotRef, err := got.Ref()
	require.NoError(t, err)
	assert.Equal(t, stagedRef, gotRef)
}

func TestGetFact_HeapAfterApply(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()

	confirmed := mkFact(t, "note", "cart", map[string]any{"qty": 1}, "")
	_, err := m.ApplyRemote(ctx, "main", confirmed)
	require.NoError(t, err)

	_, tier, err := m.GetFact(ctx, fact.EntityKey{Space: "main", Entity: "cart"})
	require.NoError(t, err)
	assert.Equal(t, TierHeap, tier)
}

func TestGetFact_CacheHitPromotesToHeap(t *testing.T) {
	cache := newTestCache(t)
	m := NewManager(cache, nil, testLogger(t))
	ctx := context.Background()
	key := fact.EntityKey{Space: "main", Entity: "cart"}

	require.NoError(t, cache.Put(ctx, "main", mkFact(t, "note", "cart", map[string]any{"qty": 2}, "")))

	got, tier, err := m.GetFact(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, TierCache, tier)
	assert.JSONEq(t, `{"qty":2}`, string(got.Value))

	// The hit was promoted; the next read stays in memory.
	_, tier, err = m.GetFact(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, TierHeap, tier)
}

func TestGetFact_FullMissPullsFromAuthority(t *testing.T) {
	auth := remotetest.New()
	cache := newTestCache(t)
	m := NewManager(cache, auth, testLogger(t))
	ctx := context.Background()
	key := fact.EntityKey{Space: "main", Entity: "cart"}

	auth.Seed("main", mkFact(t, "note", "cart", map[string]any{"qty": 3}, ""))

	got, tier, err := m.GetFact(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, TierRemote, tier)
	assert.JSONEq(t, `{"qty":3}`, string(got.Value))
	assert.Equal(t, 1, auth.PullCount())

	// Landed in heap: no second pull.
	_, tier, err = m.GetFact(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, TierHeap, tier)
	assert.Equal(t, 1, auth.PullCount())

	// Write-through landed in cache: a fresh session reads it without
	// touching the authority.
	m2 := NewManager(cache, auth, testLogger(t))
	_, tier, err = m2.GetFact(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, TierCache, tier)
	assert.Equal(t, 1, auth.PullCount())
}

func TestGetFact_MissEverywhere(t *testing.T) {
	t.Run("no authority", func(t *testing.T) {
		m := NewManager(nil, nil, testLogger(t))

		_, _, err := m.GetFact(context.Background(), fact.EntityKey{Space: "main", Entity: "nope"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty authority", func(t *testing.T) {
		auth := remotetest.New()
		m := NewManager(nil, auth, testLogger(t))

		_, _, err := m.GetFact(context.Background(), fact.EntityKey{Space: "main", Entity: "nope"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, auth.PullCount())
	})
}

func TestGet_DescendsPath(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()

	profile := map[string]any{"profile": map[string]any{"name": "Alice", "age": 30}}
	_, err := m.ApplyRemote(ctx, "main", mkFact(t, "user", "alice", profile, ""))
	require.NoError(t, err)

	got, err := m.Get(ctx, fact.NewAddress("main", "alice", "profile", "name"))
	require.NoError(t, err)
	assert.JSONEq(t, `"Alice"`, string(got))

	whole, err := m.Get(ctx, fact.NewAddress("main", "alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"profile":{"name":"Alice","age":30}}`, string(whole))

	_, err = m.Get(ctx, fact.NewAddress("main", "alice", "profile", "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fact.ErrPathNotFound)
}

func TestSet_FreshEntityStartsChain(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()

	staged, err := m.Set(ctx, fact.NewAddress("main", "cart"), json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	assert.True(t, staged.Cause.IsZero())
	assert.Empty(t, staged.Type)
	assert.JSONEq(t, `{"qty":1}`, string(staged.Value))

	_, tier, err := m.GetFact(ctx, fact.EntityKey{Space: "main", Entity: "cart"})
	require.NoError(t, err)
	assert.Equal(t, TierNursery, tier)
}

func TestSet_SupersedesVisibleHead(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()
	addr := fact.NewAddress("main", "cart")

	first, err := m.Set(ctx, addr, json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	second, err := m.Set(ctx, addr, json.RawMessage(`{"qty":2}`))
	require.NoError(t, err)

	firstRef, err := first.Ref()
	require.NoError(t, err)
	assert.Equal(t, firstRef, second.Cause)
}

func TestSet_MergesAtPath(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()

	head := mkFact(t, "doc", "cart", map[string]any{"a": 1, "b": 2}, "")
	_, err := m.ApplyRemote(ctx, "main", head)
	require.NoError(t, err)

	staged, err := m.Set(ctx, fact.NewAddress("main", "cart", "b"), json.RawMessage(`3`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"a":1,"b":3}`, string(staged.Value))
	assert.Equal(t, "doc", staged.Type, "type is inherited from the head")

	headRef, err := head.Ref()
	require.NoError(t, err)
	assert.Equal(t, headRef, staged.Cause)
}

func TestCommit_SetThenCommitPromotes(t *testing.T) {
	auth := remotetest.New()
	cache := newTestCache(t)
	m := NewManager(cache, auth, testLogger(t))
	ctx := context.Background()
	addr := fact.NewAddress("main", "cart")

	staged, err := m.Set(ctx, addr, json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	require.NoError(t, m.Commit(ctx, []Write{{Space: "main", Fact: staged}}))

	snap := m.Snapshot()
	assert.Empty(t, snap.Nursery)
	assert.Contains(t, snap.Heap, addr.EntityKey())

	head, ok := auth.Head("main", "cart")
	require.True(t, ok)
	assert.JSONEq(t, `{"qty":1}`, string(head.Value))

	row, err := cache.Get(ctx, addr.EntityKey())
	require.NoError(t, err)
	require.NotNil(t, row, "promotion writes through to cache")
}

func TestCommit_StaleCauseRejectedLocally(t *testing.T) {
	auth := remotetest.New()
	m := NewManager(nil, auth, testLogger(t))
	ctx := context.Background()

	confirmed := mkFact(t, "note", "cart", map[string]any{"qty": 1}, "")
	_, err := m.ApplyRemote(ctx, "main", confirmed)
	require.NoError(t, err)

	// A blind write ignoring the existing head.
	blind := mkFact(t, "note", "cart", map[string]any{"qty": 9}, "")

	err = m.Commit(ctx, []Write{{Space: "main", Fact: blind}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitConflict)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "local", conflictErr.Stage)

	// The rejection never reached the authority.
	assert.Equal(t, 0, auth.CommitCount())

	snap := m.Snapshot()
	assert.Empty(t, snap.Nursery)

	got, _, err := m.GetFact(ctx, fact.EntityKey{Space: "main", Entity: "cart"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"qty":1}`, string(got.Value))
}

func TestCommit_RemoteConflictPurgesBatch(t *testing.T) {
	auth := remotetest.New()
	m := NewManager(nil, auth, testLogger(t))
	ctx := context.Background()
	addr := fact.NewAddress("main", "cart")

	f1 := mkFact(t, "note", "cart", map[string]any{"qty": 1}, "")
	auth.Seed("main", f1)

	// This session pulls f1, then the authority advances behind its back.
	_, _, err := m.GetFact(ctx, addr.EntityKey())
	require.NoError(t, err)

	f2, err := f1.Supersede(map[string]any{"qty": 2})
	require.NoError(t, err)
	auth.Seed("main", f2)

	staged, err := m.Set(ctx, addr, json.RawMessage(`{"qty":9}`))
	require.NoError(t, err)

	err = m.Commit(ctx, []Write{{Space: "main", Fact: staged}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitConflict)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "remote", conflictErr.Stage)

	// Nothing pending; reads fall back to the last confirmed state.
	snap := m.Snapshot()
	assert.Empty(t, snap.Nursery)

	got, tier, err := m.GetFact(ctx, addr.EntityKey())
	require.NoError(t, err)
	assert.Equal(t, TierHeap, tier)
	assert.JSONEq(t, `{"qty":1}`, string(got.Value))
}

func TestCommit_TransportErrorPurgesBatch(t *testing.T) {
	auth := remotetest.New()
	m := NewManager(nil, auth, testLogger(t))
	ctx := context.Background()

	auth.SetCommitErr(errors.New("network down"))

	staged, err := m.Set(ctx, fact.NewAddress("main", "cart"), json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	err = m.Commit(ctx, []Write{{Space: "main", Fact: staged}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCommitConflict)

	snap := m.Snapshot()
	assert.Empty(t, snap.Nursery)
	assert.Empty(t, snap.Heap)
}

func TestCommit_LocalOnlyMode(t *testing.T) {
	cache := newTestCache(t)
	m := NewManager(cache, nil, testLogger(t))
	ctx := context.Background()
	addr := fact.NewAddress("main", "cart")

	staged, err := m.Set(ctx, addr, json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	require.NoError(t, m.Commit(ctx, []Write{{Space: "main", Fact: staged}}))

	_, tier, err := m.GetFact(ctx, addr.EntityKey())
	require.NoError(t, err)
	assert.Equal(t, TierHeap, tier)

	row, err := cache.Get(ctx, addr.EntityKey())
	require.NoError(t, err)
	assert.NotNil(t, row)
}

func TestCommit_MultiSpaceBatch(t *testing.T) {
	auth := remotetest.New()
	m := NewManager(nil, auth, testLogger(t))
	ctx := context.Background()

	cart, err := m.Set(ctx, fact.NewAddress("main", "cart"), json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	draft, err := m.Set(ctx, fact.NewAddress("scratch", "draft"), json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)

	require.NoError(t, m.Commit(ctx, []Write{
		{Space: "main", Fact: cart},
		{Space: "scratch", Fact: draft},
	}))

	// One authority commit per space.
	assert.Equal(t, 2, auth.CommitCount())

	_, ok := auth.Head("main", "cart")
	assert.True(t, ok)
	_, ok = auth.Head("scratch", "draft")
	assert.True(t, ok)
}

func TestCommit_EmptyBatch(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	require.NoError(t, m.Commit(context.Background(), nil))
}

func TestApplyRemote_EchoEvictsPending(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()
	addr := fact.NewAddress("main", "cart")

	staged, err := m.Set(ctx, addr, json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	// The authority confirms the exact write we staged.
	outcome, err := m.ApplyRemote(ctx, "main", staged)
	require.NoError(t, err)
	assert.Equal(t, ReconcileEcho, outcome)

	snap := m.Snapshot()
	assert.Empty(t, snap.Nursery)

	_, tier, err := m.GetFact(ctx, addr.EntityKey())
	require.NoError(t, err)
	assert.Equal(t, TierHeap, tier)
}

func TestApplyRemote_RetainsPendingSuccessor(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()
	addr := fact.NewAddress("main", "cart")

	base := mkFact(t, "note", "cart", map[string]any{"qty": 1}, "")
	_, err := m.ApplyRemote(ctx, "main", base)
	require.NoError(t, err)

	// The pending write is built on base; base arriving again (e.g.
	// replayed by the feed) must not disturb it.
	pending, err := m.Set(ctx, addr, json.RawMessage(`{"qty":2}`))
	require.NoError(t, err)

	outcome, err := m.ApplyRemote(ctx, "main", base)
	require.NoError(t, err)
	assert.Equal(t, ReconcileRetained, outcome)

	got, tier, err := m.GetFact(ctx, addr.EntityKey())
	require.NoError(t, err)
	assert.Equal(t, TierNursery, tier)

	pendingRef, err := pending.Ref()
	require.NoError(t, err)

	gotRef, err := got.Ref()
	require.NoError(t, err)
	assert.Equal(t, pendingRef, gotRef)
}

func TestApplyRemote_PurgesConflictingPending(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()
	addr := fact.NewAddress("main", "cart")

	_, err := m.Set(ctx, addr, json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	// Another client won the race with an unrelated write.
	winner := mkFact(t, "note", "cart", map[string]any{"qty": 5}, "")

	outcome, err := m.ApplyRemote(ctx, "main", winner)
	require.NoError(t, err)
	assert.Equal(t, ReconcilePurged, outcome)

	got, tier, err := m.GetFact(ctx, addr.EntityKey())
	require.NoError(t, err)
	assert.Equal(t, TierHeap, tier)
	assert.JSONEq(t, `{"qty":5}`, string(got.Value))
}

func TestApplyRemote_NoPending(t *testing.T) {
	cache := newTestCache(t)
	m := NewManager(cache, nil, testLogger(t))
	ctx := context.Background()

	f := mkFact(t, "note", "cart", map[string]any{"qty": 1}, "")

	outcome, err := m.ApplyRemote(ctx, "main", f)
	require.NoError(t, err)
	assert.Equal(t, ReconcileNone, outcome)

	// Confirmed facts write through to cache on arrival.
	row, err := cache.Get(ctx, fact.EntityKey{Space: "main", Entity: "cart"})
	require.NoError(t, err)
	assert.NotNil(t, row)
}

func TestSnapshot_IsACopy(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))
	ctx := context.Background()

	_, err := m.Set(ctx, fact.NewAddress("main", "cart"), json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap.Nursery, 1)

	// Mutating the snapshot leaves the manager untouched.
	for k := range snap.Nursery {
		delete(snap.Nursery, k)
	}

	_, tier, err := m.GetFact(ctx, fact.EntityKey{Space: "main", Entity: "cart"})
	require.NoError(t, err)
	assert.Equal(t, TierNursery, tier)
}

func TestMaintenance_MemoryOnly(t *testing.T) {
	m := NewManager(nil, nil, testLogger(t))

	evicted, err := m.EvictStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, evicted)

	assert.NoError(t, m.Checkpoint())
	assert.NoError(t, m.Close())
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "nursery", TierNursery.String())
	assert.Equal(t, "heap", TierHeap.String())
	assert.Equal(t, "cache", TierCache.String())
	assert.Equal(t, "remote", TierRemote.String())
	assert.Equal(t, "none", TierNone.String())
}

func TestReconcileString(t *testing.T) {
	assert.Equal(t, "echo", ReconcileEcho.String())
	assert.Equal(t, "retained", ReconcileRetained.String())
	assert.Equal(t, "purged", ReconcilePurged.String())
	assert.Equal(t, "none", ReconcileNone.String())
}
