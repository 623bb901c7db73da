package progress

import "time"

// DefaultMinSample is how long a tracker waits before publishing a rate.
const DefaultMinSample = 3 * time.Second

// Tracker turns processed/total counts into elapsed time, rate and ETA.
// Rate and ETA are withheld until MinSample has elapsed so the first few
// items do not produce wild estimates.
type Tracker struct {
	Phase     string
	MinSample time.Duration

	start time.Time
	now   func() time.Time
}

// NewTracker starts a tracker for phase at the current time.
func NewTracker(phase string, minSample time.Duration) *Tracker {
	return newTrackerAt(phase, minSample, time.Now)
}

func newTrackerAt(phase string, minSample time.Duration, now func() time.Time) *Tracker {
	if minSample < 0 {
		minSample = 0
	}
	return &Tracker{Phase: phase, MinSample: minSample, start: now(), now: now}
}

// Elapsed returns time since the tracker started.
func (t *Tracker) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Snapshot builds a running snapshot for the given counts.
func (t *Tracker) Snapshot(processed, total, found int, detail string) Snapshot {
	elapsed := t.Elapsed()
	s := Snapshot{
		Phase:     t.Phase,
		State:     StateRunning,
		Detail:    detail,
		Processed: processed,
		Total:     total,
		Found:     found,
		Elapsed:   elapsed,
	}

	// ETA stays 0 until a rate is known and once nothing remains.
	if elapsed < t.MinSample || processed <= 0 || elapsed <= 0 {
		return s
	}

	s.Rate = float64(processed) / elapsed.Seconds()
	s.HasRate = true
	if remaining := total - processed; remaining > 0 {
		s.ETA = time.Duration(float64(remaining) / s.Rate * float64(time.Second))
	}
	return s
}

// Done builds the terminal snapshot for the phase.
func (t *Tracker) Done(processed, found int, detail string) Snapshot {
	s := t.Snapshot(processed, processed, found, detail)
	s.State = StateDone
	return s
}
