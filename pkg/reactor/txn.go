package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/store"
)

// Store is the slice of the fact store the scheduler needs: visible
// reads and batched causal commits. *store.Manager satisfies it.
type Store interface {
	GetFact(ctx context.Context, key fact.EntityKey) (fact.Fact, store.Tier, error)
	Commit(ctx context.Context, writes []store.Write) error
}

// Txn is the window through which one action execution touches facts.
// Reads see the action's own buffered writes first, then the store's
// visible head. Writes stay buffered until the action returns without
// error, so a failing action leaves no trace in any tier. Every
// address touched is recorded; the resulting footprint replaces the
// action's previous one wholesale after the run.
//
// A Txn is only valid for the duration of the action call it was
// created for.
type Txn struct {
	store Store

	reads    []fact.Address
	readSet  map[string]struct{}
	writes   []fact.Address
	writeSet map[string]struct{}

	// buffered holds the merged whole-entity value per written entity.
	buffered map[fact.EntityKey]json.RawMessage

	// expected pins the head ref observed at first write; the commit
	// asserts it as the new fact's cause.
	expected map[fact.EntityKey]fact.Ref
	types    map[fact.EntityKey]string
}

func newTxn(st Store) *Txn {
	return &Txn{
		store:    st,
		readSet:  make(map[string]struct{}),
		writeSet: make(map[string]struct{}),
		buffered: make(map[fact.EntityKey]json.RawMessage),
		expected: make(map[fact.EntityKey]fact.Ref),
		types:    make(map[fact.EntityKey]string),
	}
}

// Read returns the value at addr, descending into the entity value
// along the address path. The read is recorded before the lookup:
// depending on an entity that does not exist yet is still a
// dependency, and the action reruns when it appears.
//
// Missing entities return store.ErrNotFound; missing paths return
// fact.ErrPathNotFound.
func (tx *Txn) Read(ctx context.Context, addr fact.Address) (json.RawMessage, error) {
	tx.recordRead(addr)

	key := addr.EntityKey()

	if buf, ok := tx.buffered[key]; ok {
		return fact.ValueAt(buf, addr.Path)
	}

	f, _, err := tx.store.GetFact(ctx, key)
	if err != nil {
		return nil, err
	}

	return fact.ValueAt(f.Value, addr.Path)
}

// Write merges value into the entity at the address path. The first
// write to an entity captures the visible head: its ref becomes the
// cause the commit will assert, its type carries over, and its value
// is the base the merge applies to. An absent entity starts a fresh
// causal chain. An empty path replaces the whole value.
func (tx *Txn) Write(ctx context.Context, addr fact.Address, value json.RawMessage) error {
	key := addr.EntityKey()

	base, ok := tx.buffered[key]
	if !ok {
		head, _, err := tx.store.GetFact(ctx, key)

		switch {
		case err == nil:
			ref, refErr := head.Ref()
			if refErr != nil {
				return refErr
			}

			tx.expected[key] = ref
			tx.types[key] = head.Type
			base = head.Value
		case errors.Is(err, store.ErrNotFound):
			tx.expected[key] = ""
			tx.types[key] = ""
		default:
			return err
		}
	}

	merged, err := fact.WriteAt(base, addr.Path, value)
	if err != nil {
		return err
	}

	tx.buffered[key] = merged
	tx.recordWrite(addr)

	return nil
}

// Footprint returns the addresses this transaction has touched so far.
func (tx *Txn) Footprint() Footprint {
	return cloneFootprint(Footprint{Reads: tx.reads, Writes: tx.writes})
}

// commit flushes the buffered writes as one causally pinned batch.
// Entities are ordered by space then entity so conflict reporting and
// remote push order are deterministic.
func (tx *Txn) commit(ctx context.Context) error {
	if len(tx.buffered) == 0 {
		return nil
	}

	keys := make([]fact.EntityKey, 0, len(tx.buffered))
	for key := range tx.buffered {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Space != keys[j].Space {
			return keys[i].Space < keys[j].Space
		}

		return keys[i].Entity < keys[j].Entity
	})

	writes := make([]store.Write, 0, len(keys))

	for _, key := range keys {
		f, err := fact.New(tx.types[key], key.Entity, tx.buffered[key], tx.expected[key])
		if err != nil {
			return err
		}

		writes = append(writes, store.Write{Space: key.Space, Fact: f})
	}

	return tx.store.Commit(ctx, writes)
}

func (tx *Txn) recordRead(addr fact.Address) {
	k := addr.Key()
	if _, ok := tx.readSet[k]; ok {
		return
	}

	tx.readSet[k] = struct{}{}
	tx.reads = append(tx.reads, addr)
}

func (tx *Txn) recordWrite(addr fact.Address) {
	k := addr.Key()
	if _, ok := tx.writeSet[k]; ok {
		return
	}

	tx.writeSet[k] = struct{}{}
	tx.writes = append(tx.writes, addr)
}
