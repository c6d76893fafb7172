package fairlock

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/Souparna-Mandal/sched-sync/ban"
	"github.com/Souparna-Mandal/sched-sync/registry"
	"github.com/Souparna-Mandal/sched-sync/timing"
	"github.com/Souparna-Mandal/sched-sync/wait"
)

// Fairness is the fairness state of a single lock. The lock implementation
// owns the mutual exclusion; Fairness decides whether the contender it just
// admitted may run and charges the holder on release.
//
// Admit and Release must only be called by the contender that holds the
// lock's admission turn, which serializes access to the registry.
type Fairness struct {
	conf    Config
	clock   timing.Clock
	sched   wait.Scheduler
	log     logger.Logger
	metrics *metrics

	registry *registry.Registry
	acct     *ban.Accountant
	weights  *xsync.Map[int, uint32]

	// acquiring counts the unfinished Lock and TryLock calls per contender,
	// pending their sum.
	acquiring *xsync.Map[int, int32]
	pending   atomic.Int64

	holder    *registry.Waiter
	destroyed atomic.Bool
}

// NewFairness returns the fairness state for a lock of the given variant.
func NewFairness(variant string, opts ...Option) (*Fairness, error) {
	o := newOptions(opts)
	if err := o.Config.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s lock config: %w", variant, err)
	}
	r, err := registry.New(o.Config.RegistryCapacity)
	if err != nil {
		return nil, err
	}

	f := &Fairness{
		conf:     o.Config,
		clock:    o.Clock,
		sched:    o.Scheduler,
		log:      o.Logger.Child("fairlock").Child(variant),
		metrics:  newMetrics(o.Stats, variant),
		registry: r,
		weights:  xsync.NewMap[int, uint32](),

		acquiring: xsync.NewMap[int, int32](),
	}
	f.acct = &ban.Accountant{
		Registry:          r,
		InactiveThreshold: o.Config.InactiveThreshold,
		ScanLimit:         o.Config.EvictScanLimit,
		Contenders:        o.Contenders,
		DefaultWeight:     uint32(o.Config.DefaultWeight),
	}
	for id, w := range o.Weights {
		f.weights.Store(id, w)
	}
	return f, nil
}

// Config returns the lock configuration.
func (f *Fairness) Config() Config { return f.conf }

// Clock returns the lock's time source.
func (f *Fairness) Clock() timing.Clock { return f.clock }

// Scheduler returns the scheduler waiting contenders yield to.
func (f *Fairness) Scheduler() wait.Scheduler { return f.sched }

// Logger returns the lock's logger.
func (f *Fairness) Logger() logger.Logger { return f.log }

// Spinner returns a new spinner for one waiting contender.
func (f *Fairness) Spinner() *wait.Spinner {
	return wait.NewSpinner(f.conf.SpinLimit, f.sched)
}

// Admit resolves the waiter for id and reports whether it may take the lock
// now. When it may, the waiter becomes the holder and its critical section
// starts. A banned waiter is returned with ok false and must hand its turn
// on before serving the ban.
func (f *Fairness) Admit(id int) (w *registry.Waiter, ok bool, err error) {
	now := f.clock.Now()
	w, err = f.waiter(id, now)
	if err != nil {
		return nil, false, err
	}
	if w.Banned(now) {
		f.metrics.bans.Increment()
		return w, false, nil
	}
	w.StartTicks = now
	f.holder = w
	f.metrics.acquisitions.Increment()
	return w, true, nil
}

// Resume makes w the holder again without a ban check, for a contender
// reclaiming the lock within its time slice. It fails if w was evicted
// since its last release.
func (f *Fairness) Resume(w *registry.Waiter) bool {
	if cur, ok := f.registry.Lookup(w.ID); !ok || cur != w {
		return false
	}
	w.StartTicks = f.clock.Now()
	f.holder = w
	f.metrics.sliceReentries.Increment()
	return true
}

func (f *Fairness) waiter(id int, now time.Time) (*registry.Waiter, error) {
	if w, ok := f.registry.Lookup(id); ok {
		if weight, ok := f.weights.Load(id); ok {
			f.registry.SetWeight(w, weight)
		}
		return w, nil
	}

	weight, _ := f.weights.Load(id)
	if weight == 0 {
		weight = uint32(f.conf.DefaultWeight)
	}
	w, err := f.registry.Create(id, now, weight)
	if errors.Is(err, registry.ErrExhausted) {
		// Reclaim whatever went stale before giving up.
		f.evicted(f.registry.EvictStale(now, f.conf.InactiveThreshold, 0, f.keep))
		w, err = f.registry.Create(id, now, weight)
	}
	if err != nil {
		return nil, fmt.Errorf("admitting contender %d: %w: %w", id, ErrRegistryExhausted, err)
	}
	f.metrics.activeContenders.Gauge(f.registry.Active())
	return w, nil
}

// Release settles the holder's critical section and clears the holder.
// It panics with ErrNotHeld when nobody holds the lock.
func (f *Fairness) Release() *registry.Waiter {
	w := f.holder
	if w == nil {
		panic(ErrNotHeld)
	}
	f.holder = nil

	s := f.acct.Settle(w, f.clock.Now(), f.keep)
	f.metrics.holdTime.SendTiming(s.Held)
	if s.Increment > 0 {
		f.metrics.banIncrement.SendTiming(s.Increment)
	}
	f.evicted(s.Evicted)
	return w
}

// Holder returns the current holder, or nil.
func (f *Fairness) Holder() *registry.Waiter { return f.holder }

// keep protects the holder and every contender still on its way in, queued
// or serving a ban, from eviction.
func (f *Fairness) keep(w *registry.Waiter) bool {
	return w == f.holder || f.Acquiring(w.ID)
}

// Enter records that id started to acquire the lock. Every Enter must be
// paired with a Leave once the acquisition returns, successful or not.
func (f *Fairness) Enter(id int) {
	f.pending.Add(1)
	f.acquiring.Compute(id, func(n int32, _ bool) (int32, xsync.ComputeOp) {
		return n + 1, xsync.UpdateOp
	})
}

// Leave ends an acquisition recorded by Enter.
func (f *Fairness) Leave(id int) {
	f.acquiring.Compute(id, func(n int32, _ bool) (int32, xsync.ComputeOp) {
		if n <= 1 {
			return 0, xsync.DeleteOp
		}
		return n - 1, xsync.UpdateOp
	})
	f.pending.Add(-1)
}

// Acquiring reports whether id is inside Lock or TryLock.
func (f *Fairness) Acquiring(id int) bool {
	_, ok := f.acquiring.Load(id)
	return ok
}

// Pending returns the number of acquisitions in progress.
func (f *Fairness) Pending() int64 { return f.pending.Load() }

// DrainPause backs off a Destroy that found acquisitions still pending
// after giving up its turn.
func (f *Fairness) DrainPause() {
	if f.conf.SleepGranularity > 0 {
		f.sched.Sleep(f.conf.SleepGranularity)
		return
	}
	f.sched.Yield()
}

func (f *Fairness) evicted(ids []int) {
	if len(ids) == 0 {
		return
	}
	f.metrics.evictions.Count(len(ids))
	f.metrics.activeContenders.Gauge(f.registry.Active())
	f.log.Debugn("Evicted inactive contenders",
		logger.NewIntField("evicted", int64(len(ids))),
		logger.NewStringField("ids", fmt.Sprint(ids)),
		logger.NewIntField("active", int64(f.registry.Active())),
	)
}

// ServeBan blocks until w's ban has lapsed. The caller must not hold the
// admission turn.
func (f *Fairness) ServeBan(w *registry.Waiter) {
	sleeps := wait.Until(f.clock, f.sched, w.BannedUntil, f.conf.SleepGranularity, f.conf.SpinLimit)
	if sleeps > 0 {
		f.metrics.banSleeps.Count(sleeps)
	}
}

// SetWeight gives contender id a fairness share of weight, starting with its
// next admission. A zero weight restores the default share.
func (f *Fairness) SetWeight(id int, weight uint32) {
	if weight == 0 {
		weight = uint32(f.conf.DefaultWeight)
	}
	f.weights.Store(id, weight)
}

// Weight returns the configured fairness share of id.
func (f *Fairness) Weight(id int) uint32 {
	if w, ok := f.weights.Load(id); ok {
		return w
	}
	return uint32(f.conf.DefaultWeight)
}

// Active returns the number of contenders the lock currently tracks.
func (f *Fairness) Active() int { return f.registry.Active() }

// Registry exposes the waiter registry. Mutating it outside of the
// admission turn is a data race.
func (f *Fairness) Registry() *registry.Registry { return f.registry }

// Fatal logs err and panics with it. It is used for allocation failures on
// paths that cannot return an error.
func (f *Fairness) Fatal(id int, err error) {
	f.log.Errorn("Failed to admit contender",
		logger.NewIntField("id", int64(id)),
		logger.NewErrorField(err),
	)
	panic(err)
}

// CheckAlive panics with ErrDestroyed once the lock was destroyed.
func (f *Fairness) CheckAlive() {
	if f.destroyed.Load() {
		panic(ErrDestroyed)
	}
}

// Destroyed reports whether Destroy completed.
func (f *Fairness) Destroyed() bool { return f.destroyed.Load() }

// Destroy retires the fairness state. The caller must hold the admission
// turn forever after, and no acquisition may be pending.
func (f *Fairness) Destroy() {
	if f.destroyed.Swap(true) {
		return
	}
	active := f.registry.Active()
	f.registry.Purge()
	f.holder = nil
	f.metrics.activeContenders.Gauge(0)
	f.log.Infon("Lock destroyed", logger.NewIntField("contenders", int64(active)))
}
