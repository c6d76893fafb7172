// Package ban computes how long a contender is excluded from the lock after
// it releases it.
//
// A contender that held the lock for L while n contenders were active is
// charged as though it deprived each of them of one L-long turn: its ban
// deadline moves forward by L*n. With weighted shares the charge becomes
// L*total/own, which is the same thing when every weight is equal. The
// charge is added to the previous deadline rather than to the release time,
// so a contender that keeps re-entering quickly keeps pushing its own
// exclusion window further out.
package ban

import (
	"time"

	"github.com/Souparna-Mandal/sched-sync/registry"
	"github.com/Souparna-Mandal/sched-sync/timing"
)

// Weighted returns the ban charged for holding the lock for held with a
// fairness share of own out of total.
func Weighted(held time.Duration, total uint64, own uint32) time.Duration {
	if own == 0 {
		own = registry.DefaultWeight
	}
	return timing.Scale(held, total, uint64(own))
}

// Settlement describes one release.
type Settlement struct {
	Held      time.Duration
	Increment time.Duration
	Active    int
	Evicted   []int
}

// Accountant applies bans to the waiters of a registry.
type Accountant struct {
	Registry *registry.Registry

	// InactiveThreshold is how long a contender may go without releasing
	// the lock before it is forgotten.
	InactiveThreshold time.Duration
	// ScanLimit bounds the number of waiters visited per eviction pass.
	ScanLimit int
	// Contenders, when set, replaces the registry's count of active
	// contenders as the fairness divisor.
	Contenders func() int
	// DefaultWeight is assumed for contenders counted by Contenders but
	// not tracked by the registry.
	DefaultWeight uint32
}

// Settle accounts for the critical section w just left at now: it stamps the
// end time, extends the ban (or clears it when w is the only contender),
// marks w as recently active and evicts stale waiters. Waiters for which
// keep returns true survive eviction regardless of age.
func (a *Accountant) Settle(w *registry.Waiter, now time.Time, keep func(*registry.Waiter) bool) Settlement {
	w.EndTicks = now

	n, total := a.contenders()
	s := Settlement{Active: n, Held: timing.Diff(w.StartTicks, now)}
	if n > 1 {
		s.Increment = Weighted(s.Held, total, w.Weight)
		w.BannedUntil = timing.Add(w.BannedUntil, s.Increment)
	} else {
		w.BannedUntil = now
	}

	a.Registry.Touch(w)
	s.Evicted = a.Registry.EvictStale(now, a.InactiveThreshold, a.ScanLimit, func(o *registry.Waiter) bool {
		return o == w || (keep != nil && keep(o))
	})
	return s
}

func (a *Accountant) contenders() (int, uint64) {
	n := a.Registry.Active()
	total := a.Registry.TotalWeight()
	if a.Contenders == nil {
		return n, total
	}
	external := a.Contenders()
	switch {
	case external <= 0:
		return 0, 0
	case external < n:
		total = total * uint64(external) / uint64(n)
	case external > n:
		dw := a.DefaultWeight
		if dw == 0 {
			dw = registry.DefaultWeight
		}
		total += uint64(external-n) * uint64(dw)
	}
	return external, total
}
