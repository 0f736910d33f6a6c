package reactor

import (
	"sort"

	"github.com/riverdelta/eddy/pkg/fact"
)

// Footprint is the exact account of addresses one execution touched:
// neither a superset (spurious reruns) nor a subset (missed updates).
type Footprint struct {
	Reads  []fact.Address
	Writes []fact.Address
}

// cloneFootprint copies the slices so later caller mutation can not
// corrupt the graph. Addresses themselves are immutable values.
func cloneFootprint(fp Footprint) Footprint {
	cp := Footprint{
		Reads:  make([]fact.Address, len(fp.Reads)),
		Writes: make([]fact.Address, len(fp.Writes)),
	}

	copy(cp.Reads, fp.Reads)
	copy(cp.Writes, fp.Writes)

	return cp
}

// tracker owns the bipartite dependency graph in arena-and-index form:
// actions are addressed by stable integer handles, addresses are
// bucketed by entity key, and edges are plain map sets. Subscribe,
// update, and unsubscribe are O(degree) map edits with no reference
// cycles between actions and addresses.
//
// The entity buckets narrow candidates; exact path overlap is always
// re-checked against the stored footprint, so two actions touching
// disjoint paths of one entity are not linked.
type tracker struct {
	forward map[ActionID]Footprint

	// readers/writers bucket actions by the entities their footprints
	// touch.
	readers map[fact.EntityKey]map[ActionID]struct{}
	writers map[fact.EntityKey]map[ActionID]struct{}

	// dependents[a] = actions that read what a writes.
	// suppliers[a] = actions that write what a reads (the mirror).
	dependents map[ActionID]map[ActionID]struct{}
	suppliers  map[ActionID]map[ActionID]struct{}
}

func newTracker() *tracker {
	return &tracker{
		forward:    make(map[ActionID]Footprint),
		readers:    make(map[fact.EntityKey]map[ActionID]struct{}),
		writers:    make(map[fact.EntityKey]map[ActionID]struct{}),
		dependents: make(map[ActionID]map[ActionID]struct{}),
		suppliers:  make(map[ActionID]map[ActionID]struct{}),
	}
}

// update replaces the action's footprint and rebuilds its edges in both
// directions. Called on subscribe and again after every run: an
// action's dependencies can change between runs, so only the last
// captured footprint is trusted.
func (t *tracker) update(id ActionID, fp Footprint) {
	t.remove(id)

	fp = cloneFootprint(fp)
	t.forward[id] = fp

	for _, r := range fp.Reads {
		addToSet(t.readers, r.EntityKey(), id)
	}

	for _, w := range fp.Writes {
		addToSet(t.writers, w.EntityKey(), id)
	}

	// New edges from this action's writes to overlapping readers.
	// Reading back one's own write is the ordinary read-compare-write
	// shape, not a dependency, so self edges are never recorded.
	for _, w := range fp.Writes {
		for candidate := range t.readers[w.EntityKey()] {
			if candidate == id {
				continue
			}

			if t.readsOverlap(candidate, w) {
				t.link(id, candidate)
			}
		}
	}

	// New edges from overlapping writers to this action's reads.
	for _, r := range fp.Reads {
		for candidate := range t.writers[r.EntityKey()] {
			if candidate == id {
				continue
			}

			if t.writesOverlap(candidate, r) {
				t.link(candidate, id)
			}
		}
	}
}

// remove erases every trace of the action from the graph.
func (t *tracker) remove(id ActionID) {
	fp, ok := t.forward[id]
	if !ok {
		return
	}

	for _, r := range fp.Reads {
		dropFromSet(t.readers, r.EntityKey(), id)
	}

	for _, w := range fp.Writes {
		dropFromSet(t.writers, w.EntityKey(), id)
	}

	delete(t.forward, id)

	for to := range t.dependents[id] {
		dropFromSet(t.suppliers, to, id)
	}

	delete(t.dependents, id)

	for from := range t.suppliers[id] {
		dropFromSet(t.dependents, from, id)
	}

	delete(t.suppliers, id)
}

// footprintOf returns the last captured footprint for the action.
func (t *tracker) footprintOf(id ActionID) (Footprint, bool) {
	fp, ok := t.forward[id]
	return fp, ok
}

// readersOf returns the actions whose reads overlap addr, sorted for
// deterministic scheduling.
func (t *tracker) readersOf(addr fact.Address) []ActionID {
	var out []ActionID

	for id := range t.readers[addr.EntityKey()] {
		if t.readsOverlap(id, addr) {
			out = append(out, id)
		}
	}

	sortIDs(out)

	return out
}

// dependentsOf returns the actions that read what id writes, sorted.
func (t *tracker) dependentsOf(id ActionID) []ActionID {
	return sortedSet(t.dependents[id])
}

// suppliersOf returns the actions that write what id reads, sorted.
func (t *tracker) suppliersOf(id ActionID) []ActionID {
	return sortedSet(t.suppliers[id])
}

func (t *tracker) link(from, to ActionID) {
	addToSet(t.dependents, from, to)
	addToSet(t.suppliers, to, from)
}

func (t *tracker) readsOverlap(id ActionID, addr fact.Address) bool {
	for _, r := range t.forward[id].Reads {
		if r.Overlaps(addr) {
			return true
		}
	}

	return false
}

func (t *tracker) writesOverlap(id ActionID, addr fact.Address) bool {
	for _, w := range t.forward[id].Writes {
		if w.Overlaps(addr) {
			return true
		}
	}

	return false
}

func addToSet[K comparable](m map[K]map[ActionID]struct{}, key K, id ActionID) {
	set, ok := m[key]
	if !ok {
		set = make(map[ActionID]struct{})
		m[key] = set
	}

	set[id] = struct{}{}
}

func dropFromSet[K comparable](m map[K]map[ActionID]struct{}, key K, id ActionID) {
	set, ok := m[key]
	if !ok {
		return
	}

	delete(set, id)

	if len(set) == 0 {
		delete(m, key)
	}
}

func sortedSet(set map[ActionID]struct{}) []ActionID {
	if len(set) == 0 {
		return nil
	}

	out := make([]ActionID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}

	sortIDs(out)

	return out
}

func sortIDs(ids []ActionID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
