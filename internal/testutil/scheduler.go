// Package testutil holds test doubles for the cooperative scheduler.
package testutil

import (
	"sync/atomic"
	"time"

	"github.com/Souparna-Mandal/sched-sync/timing"
)

// Scheduler records yields and sleeps. When Clock is set, a sleep advances
// it by the requested duration and a yield advances it by YieldCost, so
// time-based waits make progress without real sleeping.
type Scheduler struct {
	Clock     *timing.Manual
	YieldCost time.Duration

	yields atomic.Int64
	sleeps atomic.Int64
	slept  atomic.Int64
}

// NewScheduler returns a Scheduler driving clock.
func NewScheduler(clock *timing.Manual) *Scheduler {
	return &Scheduler{Clock: clock, YieldCost: time.Microsecond}
}

// Yield records a yield.
func (s *Scheduler) Yield() {
	s.yields.Add(1)
	if s.Clock != nil {
		s.Clock.Advance(s.YieldCost)
	}
}

// Sleep records a sleep of d.
func (s *Scheduler) Sleep(d time.Duration) {
	s.sleeps.Add(1)
	s.slept.Add(int64(d))
	if s.Clock != nil {
		s.Clock.Advance(d)
	}
}

// Yields returns the number of recorded yields.
func (s *Scheduler) Yields() int64 { return s.yields.Load() }

// Sleeps returns the number of recorded sleeps.
func (s *Scheduler) Sleeps() int64 { return s.sleeps.Load() }

// Slept returns the total duration slept.
func (s *Scheduler) Slept() time.Duration { return time.Duration(s.slept.Load()) }

// Calls returns yields plus sleeps.
func (s *Scheduler) Calls() int64 { return s.Yields() + s.Sleeps() }
