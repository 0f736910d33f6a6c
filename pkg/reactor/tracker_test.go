package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverdelta/eddy/pkg/fact"
)

func TestTrackerUpdate_LinksWritersToReaders(t *testing.T) {
	tr := newTracker()

	producer := ActionID(1)
	consumer := ActionID(2)

	tr.update(producer, Footprint{
		Writes: []fact.Address{fact.NewAddress("s", "e1", "count")},
	})
	tr.update(consumer, Footprint{
		Reads: []fact.Address{fact.NewAddress("s", "e1", "count")},
	})

	assert.Equal(t, []ActionID{consumer}, tr.dependentsOf(producer))
	assert.Equal(t, []ActionID{producer}, tr.suppliersOf(consumer))
}

func TestTrackerUpdate_PrefixPathsOverlap(t *testing.T) {
	tr := newTracker()

	// Writing the whole entity value overlaps a read of any nested
	// path, and vice versa.
	tr.update(1, Footprint{Writes: []fact.Address{fact.NewAddress("s", "e1")}})
	tr.update(2, Footprint{Reads: []fact.Address{fact.NewAddress("s", "e1", "a", "b")}})

	assert.Equal(t, []ActionID{2}, tr.dependentsOf(1))
}

func TestTrackerUpdate_DisjointPathsSameEntityDoNotLink(t *testing.T) {
	tr := newTracker()

	tr.update(1, Footprint{Writes: []fact.Address{fact.NewAddress("s", "e1", "left")}})
	tr.update(2, Footprint{Reads: []fact.Address{fact.NewAddress("s", "e1", "right")}})

	assert.Empty(t, tr.dependentsOf(1))
	assert.Empty(t, tr.suppliersOf(2))
}

func TestTrackerUpdate_ReadingOwnWriteIsNotAnEdge(t *testing.T) {
	tr := newTracker()

	tr.update(7, Footprint{
		Reads:  []fact.Address{fact.NewAddress("s", "e1", "v")},
		Writes: []fact.Address{fact.NewAddress("s", "e1", "v")},
	})

	assert.Empty(t, tr.dependentsOf(7))
	assert.Empty(t, tr.suppliersOf(7))

	// The action still shows up as a reader of the address it watches.
	assert.Equal(t, []ActionID{7}, tr.readersOf(fact.NewAddress("s", "e1", "v")))
}

func TestTrackerUpdate_ReplacesOldEdges(t *testing.T) {
	tr := newTracker()

	tr.update(1, Footprint{Writes: []fact.Address{fact.NewAddress("s", "e1", "v")}})
	tr.update(2, Footprint{Reads: []fact.Address{fact.NewAddress("s", "e1", "v")}})
	require.Equal(t, []ActionID{2}, tr.dependentsOf(1))

	// The consumer moves to a different entity; the old edge must go.
	tr.update(2, Footprint{Reads: []fact.Address{fact.NewAddress("s", "e2", "v")}})

	assert.Empty(t, tr.dependentsOf(1))
	assert.Empty(t, tr.suppliersOf(2))

	assert.Empty(t, tr.readersOf(fact.NewAddress("s", "e1", "v")))
	assert.Equal(t, []ActionID{2}, tr.readersOf(fact.NewAddress("s", "e2", "v")))
}

func TestTrackerRemove_ErasesEveryTrace(t *testing.T) {
	tr := newTracker()

	addr := fact.NewAddress("s", "e1", "v")

	tr.update(1, Footprint{Writes: []fact.Address{addr}})
	tr.update(2, Footprint{Reads: []fact.Address{addr}})

	tr.remove(2)

	assert.Empty(t, tr.dependentsOf(1))
	assert.Empty(t, tr.readersOf(addr))

	_, ok := tr.footprintOf(2)
	assert.False(t, ok)

	// Removing an unknown handle is a no-op.
	tr.remove(99)
}

func TestTrackerReadersOf_FiltersAndSorts(t *testing.T) {
	tr := newTracker()

	tr.update(3, Footprint{Reads: []fact.Address{fact.NewAddress("s", "e1", "a")}})
	tr.update(1, Footprint{Reads: []fact.Address{fact.NewAddress("s", "e1", "a", "deep")}})
	tr.update(2, Footprint{Reads: []fact.Address{fact.NewAddress("s", "e1", "b")}})

	got := tr.readersOf(fact.NewAddress("s", "e1", "a"))

	assert.Equal(t, []ActionID{1, 3}, got)
}

func TestTrackerFootprintOf_IsACopy(t *testing.T) {
	tr := newTracker()

	orig := Footprint{Reads: []fact.Address{fact.NewAddress("s", "e1", "a")}}
	tr.update(1, orig)

	// Mutating the caller's slice must not change the stored footprint.
	orig.Reads[0] = fact.NewAddress("s", "other", "x")

	fp, ok := tr.footprintOf(1)
	require.True(t, ok)
	assert.Equal(t, "e1", fp.Reads[0].Entity)
}

func TestTopoOrder_SuppliersFirst(t *testing.T) {
	tr := newTracker()

	// 3 writes what 2 reads, 2 writes what 1 reads.
	tr.update(3, Footprint{Writes: []fact.Address{fact.NewAddress("s", "mid", "v")}})
	tr.update(2, Footprint{
		Reads:  []fact.Address{fact.NewAddress("s", "mid", "v")},
		Writes: []fact.Address{fact.NewAddress("s", "out", "v")},
	})
	tr.update(1, Footprint{Reads: []fact.Address{fact.NewAddress("s", "out", "v")}})

	got := tr.topoOrder([]ActionID{1, 2, 3})

	assert.Equal(t, []ActionID{3, 2, 1}, got)
}

func TestTopoOrder_UnrelatedActionsByHandle(t *testing.T) {
	tr := newTracker()

	tr.update(5, Footprint{})
	tr.update(2, Footprint{})
	tr.update(9, Footprint{})

	got := tr.topoOrder([]ActionID{9, 5, 2})

	assert.Equal(t, []ActionID{2, 5, 9}, got)
}

func TestTopoOrder_CycleEmitsEveryMemberOnce(t *testing.T) {
	tr := newTracker()

	a := fact.NewAddress("s", "ea", "v")
	b := fact.NewAddress("s", "eb", "v")

	tr.update(1, Footprint{Reads: []fact.Address{b}, Writes: []fact.Address{a}})
	tr.update(2, Footprint{Reads: []fact.Address{a}, Writes: []fact.Address{b}})

	got := tr.topoOrder([]ActionID{2, 1})

	assert.ElementsMatch(t, []ActionID{1, 2}, got)
	assert.Len(t, got, 2)
}

func TestTopoOrder_SelfReferentialActionOrdersTrivially(t *testing.T) {
	tr := newTracker()

	v := fact.NewAddress("s", "e1", "v")
	tr.update(1, Footprint{Reads: []fact.Address{v}, Writes: []fact.Address{v}})

	assert.Equal(t, []ActionID{1}, tr.topoOrder([]ActionID{1}))
}

func TestTopoOrder_EdgesOutsideSetIgnored(t *testing.T) {
	tr := newTracker()

	// 1 supplies 2, but 1 is not part of the batch; 2 must not wait.
	tr.update(1, Footprint{Writes: []fact.Address{fact.NewAddress("s", "e1", "v")}})
	tr.update(2, Footprint{Reads: []fact.Address{fact.NewAddress("s", "e1", "v")}})

	got := tr.topoOrder([]ActionID{2})

	assert.Equal(t, []ActionID{2}, got)
}
