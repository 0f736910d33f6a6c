// Package remotetest provides an in-memory authority for exercising
// commit and pull flows without a network. It enforces the same
// compare-and-swap rule as a real authority: a write lands only when
// its cause matches the current head for its entity.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/remote"
)

// Authority is a process-local fact authority. The zero value is not
// usable; call New.
type Authority struct {
	mu    sync.Mutex
	heads map[string]map[string]fact.Fact // space -> entity -> head

	pullErr   error
	commitErr error

	pulls   int
	commits int
}

// New returns an empty authority.
func New() *Authority {
	return &Authority{
		heads: make(map[string]map[string]fact.Fact),
	}
}

// Pull returns the head fact for an entity, or (nil, nil) when the
// authority holds nothing for it.
func (a *Authority) Pull(_ context.Context, space, entity string) (*fact.Fact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pulls++

	if a.pullErr != nil {
		return nil, a.pullErr
	}

	head, ok := a.heads[space][entity]
	if !ok {
		return nil, nil
	}

	cp := head
	cp.Value = append([]byte(nil), head.Value...)

	return &cp, nil
}

// Commit applies a batch of writes to one space. Every write's cause is
// checked against the current head before anything lands; a single
// mismatch rejects the whole batch with an error wrapping
// remote.ErrConflict. Resending a write that already is the head
// succeeds without effect.
func (a *Authority) Commit(_ context.Context, space string, writes []fact.Fact) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.commits++

	if a.commitErr != nil {
		return a.commitErr
	}

	staged := make(map[string]fact.Fact, len(writes))
	for entity, head := range a.heads[space] {
		staged[entity] = head
	}

	for _, w := range writes {
		ref, err := w.Ref()
		if err != nil {
			return fmt.Errorf("remotetest: hashing write for %s/%s: %w", space, w.Entity, err)
		}

		head, ok := staged[w.Entity]
		if !ok {
			if !w.Cause.IsZero() {
				return fmt.Errorf("remotetest: %s/%s: cause %s but no head: %w",
					space, w.Entity, w.Cause, remote.ErrConflict)
			}

			staged[w.Entity] = w

			continue
		}

		headRef, err := head.Ref()
		if err != nil {
			return fmt.Errorf("remotetest: hashing head for %s/%s: %w", space, w.Entity, err)
		}

		if ref == headRef {
			continue
		}

		if w.Cause != headRef {
			return fmt.Errorf("remotetest: %s/%s: cause %s does not match head %s: %w",
				space, w.Entity, w.Cause, headRef, remote.ErrConflict)
		}

		staged[w.Entity] = w
	}

	a.heads[space] = staged

	return nil
}

// Seed installs a head fact directly, bypassing the cause check.
func (a *Authority) Seed(space string, f fact.Fact) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heads[space] == nil {
		a.heads[space] = make(map[string]fact.Fact)
	}

	a.heads[space][f.Entity] = f
}

// Head reports the current head fact for an entity.
func (a *Authority) Head(space, entity string) (fact.Fact, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	head, ok := a.heads[space][entity]

	return head, ok
}

// SetPullErr makes every subsequent Pull fail with err until cleared
// with nil.
func (a *Authority) SetPullErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pullErr = err
}

// SetCommitErr makes every subsequent Commit fail with err until
// cleared with nil.
func (a *Authority) SetCommitErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.commitErr = err
}

// PullCount reports how many times Pull has been called.
func (a *Authority) PullCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.pulls
}

// CommitCount reports how many times Commit has been called.
func (a *Authority) CommitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.commits
}
