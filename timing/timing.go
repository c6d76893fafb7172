// Package timing provides the wall-clock arithmetic used for fairness
// bookkeeping. All durations handed out by this package are truncated to
// microseconds, the resolution the ban accounting is specified in.
//
// Example usage:
//
//	clock := timing.System{}
//	start := clock.Now()
//	// ... critical section ...
//	held := timing.Diff(start, clock.Now())
//	ban := timing.Scale(held, 4, 1) // held * 4
//	until := timing.Add(start, ban)
package timing

import (
	"math"
	"sync"
	"time"
)

// Clock is the source of the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock (with Go's monotonic reading attached).
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Diff returns t1 - t0 truncated to microseconds. A negative difference is
// reported as zero so callers never compute a negative critical-section length.
func Diff(t0, t1 time.Time) time.Duration {
	d := t1.Sub(t0)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Microsecond)
}

// Add returns t + d where d is first truncated to microseconds.
func Add(t time.Time, d time.Duration) time.Time {
	return t.Add(d.Truncate(time.Microsecond))
}

// Scale returns d * num / den computed in whole microseconds. The result
// saturates at the largest representable duration instead of overflowing,
// and is zero for non-positive inputs or a zero denominator.
func Scale(d time.Duration, num, den uint64) time.Duration {
	us := d.Microseconds()
	if us <= 0 || num == 0 || den == 0 {
		return 0
	}
	const maxUs = uint64(math.MaxInt64 / int64(time.Microsecond))

	u := uint64(us)
	if u > math.MaxUint64/num {
		return time.Duration(maxUs) * time.Microsecond
	}
	scaled := u * num / den
	if scaled > maxUs {
		scaled = maxUs
	}
	return time.Duration(scaled) * time.Microsecond
}

// Manual is a Clock that only moves when told to. It is safe for concurrent
// use and is intended for deterministic tests of time-based behavior.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual { return &Manual{now: start} }

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
