package reactor

import "time"

// Stats is the accumulated run accounting for one action. AverageTime
// drives cycle cost classification and debounce auto-detection.
type Stats struct {
	RunCount    int64
	TotalTime   time.Duration
	AverageTime time.Duration
	Failures    int64
}

// actionStats is the mutable accumulator behind Stats. The scheduler
// owns it; callers read copies via Stats().
type actionStats struct {
	runCount  int64
	totalTime time.Duration
	failures  int64
}

func (a *actionStats) record(d time.Duration) {
	a.runCount++
	a.totalTime += d
}

func (a *actionStats) fail() {
	a.failures++
}

// average returns the mean run time, zero before the first run.
func (a *actionStats) average() time.Duration {
	if a.runCount == 0 {
		return 0
	}

	return a.totalTime / time.Duration(a.runCount)
}

func (a *actionStats) snapshot() Stats {
	return Stats{
		RunCount:    a.runCount,
		TotalTime:   a.totalTime,
		AverageTime: a.average(),
		Failures:    a.failures,
	}
}

// Snapshot is a point-in-time view of scheduler state for diagnostics
// and inspection output.
type Snapshot struct {
	Mode               Mode
	Effects            int
	Computations       int
	Pending            int
	Dirty              int
	ActiveCycles       int
	DroppedDiagnostics int64
	Actions            map[ActionID]Stats
}
