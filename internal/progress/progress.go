// Package progress carries pipeline telemetry from the worker code to
// whatever is watching (terminal UI, log, tests) without ever blocking it.
package progress

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle position of a phase.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateSkipped State = "skipped"
	StateFailed  State = "failed"
)

// Snapshot is one progress observation.
type Snapshot struct {
	Phase     string
	State     State
	Detail    string
	Processed int
	Total     int
	Found     int
	Elapsed   time.Duration
	Rate      float64 // items per second, valid when HasRate
	ETA       time.Duration
	HasRate   bool
}

// Fraction returns completion in [0,1], or 0 when the total is unknown.
func (s Snapshot) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	f := float64(s.Processed) / float64(s.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Reporter receives snapshots. Implementations must return promptly.
type Reporter interface {
	Report(Snapshot)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Snapshot)

// Report calls f(s).
func (f ReporterFunc) Report(s Snapshot) { f(s) }

// Discard drops every snapshot.
var Discard Reporter = ReporterFunc(func(Snapshot) {})

// Channel fans snapshots into a buffered channel. When the buffer is full
// the snapshot is dropped: a slow consumer never stalls the pipeline.
type Channel struct {
	ch      chan Snapshot
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewChannel returns a Channel with the given buffer size.
func NewChannel(size int) *Channel {
	if size < 1 {
		size = 1
	}
	return &Channel{ch: make(chan Snapshot, size)}
}

// Report enqueues s without blocking.
func (c *Channel) Report(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- s:
	default:
		c.dropped++
	}
}

// C exposes the receive side.
func (c *Channel) C() <-chan Snapshot {
	return c.ch
}

// Dropped returns how many snapshots were discarded.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops delivery and closes the channel. Safe to call twice.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Multi forwards each snapshot to every reporter.
type Multi []Reporter

// Report forwards s.
func (m Multi) Report(s Snapshot) {
	for _, r := range m {
		if r != nil {
			r.Report(s)
		}
	}
}

// LogReporter writes phase transitions at Info and running updates at Debug.
type LogReporter struct {
	Log *logrus.Entry
}

// Report logs s.
func (l LogReporter) Report(s Snapshot) {
	entry := l.Log.WithFields(logrus.Fields{
		"phase":     s.Phase,
		"processed": s.Processed,
		"total":     s.Total,
	})
	if s.Found > 0 {
		entry = entry.WithField("found", s.Found)
	}
	if s.HasRate {
		entry = entry.WithFields(logrus.Fields{
			"rate": s.Rate,
			"eta":  s.ETA.Round(time.Second).String(),
		})
	}
	if s.State == StateRunning {
		entry.Debug(s.Detail)
		return
	}
	entry.WithField("state", s.State).Info(s.Detail)
}
