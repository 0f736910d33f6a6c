package reactor

// topoOrder sorts the given actions so suppliers run before dependents,
// considering only edges internal to the set. Ready actions (no
// unresolved suppliers left) are emitted lowest handle first, which
// makes scheduling deterministic. When nothing is ready the set
// contains a cycle; the action with the fewest unresolved suppliers is
// forced next so one pass still covers every member exactly once.
//
// Self edges never block their own action.
func (t *tracker) topoOrder(ids []ActionID) []ActionID {
	if len(ids) < 2 {
		return append([]ActionID(nil), ids...)
	}

	set := make(map[ActionID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	indeg := make(map[ActionID]int, len(ids))

	for _, id := range ids {
		n := 0

		for from := range t.suppliers[id] {
			if from == id {
				continue
			}

			if _, ok := set[from]; ok {
				n++
			}
		}

		indeg[id] = n
	}

	remaining := append([]ActionID(nil), ids...)
	sortIDs(remaining)

	out := make([]ActionID, 0, len(ids))

	for len(remaining) > 0 {
		pick := -1

		for i, id := range remaining {
			if indeg[id] == 0 {
				pick = i
				break
			}
		}

		if pick < 0 {
			// Cycle: force the member with the fewest unresolved
			// suppliers. remaining is sorted, so ties go to the lowest
			// handle.
			best := int(^uint(0) >> 1)

			for i, id := range remaining {
				if indeg[id] < best {
					best = indeg[id]
					pick = i
				}
			}
		}

		id := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		out = append(out, id)

		for to := range t.dependents[id] {
			if to == id {
				continue
			}

			if _, ok := set[to]; ok && indeg[to] > 0 {
				indeg[to]--
			}
		}

		delete(set, id)
	}

	return out
}
