package reactor

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of triggers per action: every new trigger
// cancels the pending timer and arms a fresh one, so a burst fires
// exactly once, after the interval passes with no further trigger.
type debouncer struct {
	mu     sync.Mutex
	timers map[ActionID]*time.Timer
}

func newDebouncer() *debouncer {
	return &debouncer{timers: make(map[ActionID]*time.Timer)}
}

// trigger arms (or re-arms) the action's timer. fire runs on the timer
// goroutine once the interval elapses quietly. A callback that lost the
// race against a newer trigger or a cancel finds a different timer (or
// none) registered and suppresses itself, so the last trigger wins.
func (d *debouncer) trigger(id ActionID, interval time.Duration, fire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[id]; ok {
		t.Stop()
	}

	var t *time.Timer

	t = time.AfterFunc(interval, func() {
		d.mu.Lock()
		current := d.timers[id] == t
		if current {
			delete(d.timers, id)
		}
		d.mu.Unlock()

		if current {
			fire()
		}
	})

	d.timers[id] = t
}

// cancel stops any pending timer for the action and reports whether one
// was pending.
func (d *debouncer) cancel(id ActionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.timers[id]
	if !ok {
		return false
	}

	t.Stop()
	delete(d.timers, id)

	return true
}

// cancelAll stops every pending timer.
func (d *debouncer) cancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// armed reports how many timers are currently pending.
func (d *debouncer) armed() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.timers)
}
