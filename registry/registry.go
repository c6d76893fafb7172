// Package registry tracks persistent fairness state for every contender of a
// fair lock.
//
// A Registry maps a contender identity to its Waiter and keeps the waiters in
// activity order, least recently released first, so that contenders which
// stopped competing can be found and evicted without scanning the whole set.
// Evicting them shrinks the active-contender count, which in turn shrinks the
// bans handed out to the contenders that remain.
//
// A Registry is not safe for concurrent mutation. The locks in this module
// only mutate it while holding their admission turn, which serializes all
// access. Active and TotalWeight may be read from any goroutine.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ErrExhausted is returned by Create when the registry is at capacity and
// no stale waiter could be reclaimed.
var ErrExhausted = errors.New("registry: waiter capacity exhausted")

// DefaultWeight is the fairness share of a contender unless told otherwise.
const DefaultWeight uint32 = 1

// Waiter is the fairness state of one contender.
type Waiter struct {
	ID int

	// BannedUntil is the time before which the contender must not be granted the lock.
	BannedUntil time.Time
	// StartTicks and EndTicks bracket the contender's last critical section.
	StartTicks time.Time
	EndTicks   time.Time
	// Weight is the contender's fairness share.
	Weight uint32

	pins atomic.Int32
}

// Banned reports whether the contender is serving a ban at now: the ban was
// extended after its last critical section and has not lapsed yet.
func (w *Waiter) Banned(now time.Time) bool {
	return w.EndTicks.Before(w.BannedUntil) && now.Before(w.BannedUntil)
}

// Pin marks the contender as mid-acquisition. Pinned waiters are never evicted.
func (w *Waiter) Pin() { w.pins.Add(1) }

// Unpin undoes one Pin.
func (w *Waiter) Unpin() {
	if w.pins.Add(-1) < 0 {
		panic(fmt.Sprintf("registry: waiter %d unpinned more often than pinned", w.ID))
	}
}

// Pinned reports whether the waiter is pinned.
func (w *Waiter) Pinned() bool { return w.pins.Load() > 0 }

// Registry is the identity-to-waiter index with activity ordering.
type Registry struct {
	lru      *simplelru.LRU[int, *Waiter]
	capacity int

	active      atomic.Int64
	totalWeight atomic.Uint64
}

// New returns a Registry holding at most capacity waiters.
func New(capacity int) (*Registry, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("registry: capacity must be positive, got %d", capacity)
	}
	lru, err := simplelru.NewLRU[int, *Waiter](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: creating index: %w", err)
	}
	return &Registry{lru: lru, capacity: capacity}, nil
}

// Lookup returns the waiter for id without changing its activity position.
func (r *Registry) Lookup(id int) (*Waiter, bool) {
	return r.lru.Peek(id)
}

// Create tracks a new contender. Its ban, start and end timestamps are all
// set to now, so it starts with no outstanding ban.
func (r *Registry) Create(id int, now time.Time, weight uint32) (*Waiter, error) {
	if _, ok := r.lru.Peek(id); ok {
		return nil, fmt.Errorf("registry: waiter %d already exists", id)
	}
	if r.lru.Len() >= r.capacity {
		return nil, fmt.Errorf("registry: creating waiter %d: %w", id, ErrExhausted)
	}
	if weight == 0 {
		weight = DefaultWeight
	}
	w := &Waiter{
		ID:          id,
		BannedUntil: now,
		StartTicks:  now,
		EndTicks:    now,
		Weight:      weight,
	}
	r.lru.Add(id, w)
	r.active.Add(1)
	r.totalWeight.Add(uint64(weight))
	return w, nil
}

// Touch moves w to the most recently active end of the activity order.
func (r *Registry) Touch(w *Waiter) {
	r.lru.Get(w.ID)
}

// SetWeight changes the fairness share of a tracked waiter.
func (r *Registry) SetWeight(w *Waiter, weight uint32) {
	if weight == 0 {
		weight = DefaultWeight
	}
	if w.Weight == weight {
		return
	}
	if _, ok := r.lru.Peek(w.ID); ok {
		r.totalWeight.Add(uint64(weight))
		r.totalWeight.Add(^uint64(w.Weight - 1))
	}
	w.Weight = weight
}

// EvictStale removes waiters whose last critical section ended before
// now - threshold, starting from the least recently active one.
//
// Waiters for which keep returns true are left in place and rotated to the
// recent end. The scan stops at the first waiter that is not stale or after
// limit waiters were visited; a non-positive limit visits every waiter once.
// It returns the identities it evicted.
func (r *Registry) EvictStale(now time.Time, threshold time.Duration, limit int, keep func(*Waiter) bool) []int {
	n := r.lru.Len()
	if limit <= 0 || limit > n {
		limit = n
	}
	cutoff := now.Add(-threshold)

	var evicted []int
	for range limit {
		id, w, ok := r.lru.GetOldest()
		if !ok || !w.EndTicks.Before(cutoff) {
			break
		}
		if w.Pinned() || (keep != nil && keep(w)) {
			r.lru.Get(id)
			continue
		}
		r.remove(id, w)
		evicted = append(evicted, id)
	}
	return evicted
}

func (r *Registry) remove(id int, w *Waiter) {
	if r.lru.Remove(id) {
		r.active.Add(-1)
		r.totalWeight.Add(^uint64(w.Weight - 1))
	}
}

// Active returns the number of tracked contenders.
func (r *Registry) Active() int { return int(r.active.Load()) }

// TotalWeight returns the sum of the weights of all tracked contenders.
func (r *Registry) TotalWeight() uint64 { return r.totalWeight.Load() }

// IDs returns the tracked identities, least recently active first.
func (r *Registry) IDs() []int { return r.lru.Keys() }

// Purge forgets every waiter.
func (r *Registry) Purge() {
	r.lru.Purge()
	r.active.Store(0)
	r.totalWeight.Store(0)
}
