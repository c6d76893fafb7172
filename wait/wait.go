// Package wait implements the cooperative blocking protocol shared by the
// fair locks: bounded busy-spinning, then yielding to the scheduler, and
// coarse sleeps for long waits. No wait in this module is ever an unbounded
// busy loop, so a contender waiting for the lock cannot starve the holder
// when both are multiplexed onto the same processor.
package wait

import (
	"runtime"
	"time"

	"github.com/Souparna-Mandal/sched-sync/timing"
)

// Scheduler is the cooperative runtime a waiting contender hands control back to.
type Scheduler interface {
	// Yield relinquishes the current execution slot.
	Yield()
	// Sleep suspends the caller for at least d.
	Sleep(d time.Duration)
}

// Runtime is the Go runtime scheduler.
type Runtime struct{}

// Yield calls runtime.Gosched.
func (Runtime) Yield() { runtime.Gosched() }

// Sleep calls time.Sleep.
func (Runtime) Sleep(d time.Duration) { time.Sleep(d) }

// DefaultSpinLimit is the number of busy checks made before yielding.
const DefaultSpinLimit = 128

// Spinner performs bounded spinning: Limit calls to Pause return after a
// short busy loop, the next one yields to the scheduler and starts over.
// A Spinner belongs to a single waiting goroutine.
type Spinner struct {
	Limit int
	Sched Scheduler

	spins int
}

// NewSpinner returns a Spinner yielding through sched every limit pauses.
func NewSpinner(limit int, sched Scheduler) *Spinner {
	if limit < 0 {
		limit = 0
	}
	if sched == nil {
		sched = Runtime{}
	}
	return &Spinner{Limit: limit, Sched: sched}
}

// Pause waits a little. It reports whether it yielded.
func (s *Spinner) Pause() bool {
	if s.spins < s.Limit {
		s.spins++
		for range spinIterations {
			// Empty spin loop.
		}
		return false
	}
	s.spins = 0
	s.Sched.Yield()
	return true
}

// Reset forgets previous pauses.
func (s *Spinner) Reset() { s.spins = 0 }

const spinIterations = 30

// Until blocks the caller until clock reports a time at or after deadline.
//
// While more than one granularity unit remains it sleeps for the remaining
// time minus one unit, since coarse sleeps tend to overshoot. The final
// stretch is covered by spinning and yielding. It returns the number of
// coarse sleeps taken.
func Until(clock timing.Clock, sched Scheduler, deadline time.Time, granularity time.Duration, spinLimit int) int {
	spinner := NewSpinner(spinLimit, sched)
	sleeps := 0
	for {
		now := clock.Now()
		if !now.Before(deadline) {
			return sleeps
		}
		if remaining := deadline.Sub(now); granularity > 0 && remaining > granularity {
			spinner.Sched.Sleep(remaining - granularity)
			sleeps++
			continue
		}
		spinner.Pause()
	}
}
