// Package alock implements an array-based queue lock. Every waiter spins on
// its own padded slot and the lock moves from slot to slot in arrival order.
//
// The lock does not account for contenders or critical-section lengths. It is
// strictly FIFO per acquisition, which makes it the baseline the fair locks
// are compared against:
//
//	l, err := alock.New(8, nil) // at most 8 concurrent contenders
//	if err != nil {
//	    return err
//	}
//	l.Lock(id)
//	// ... critical section ...
//	l.Unlock()
//
// More concurrent contenders than slots makes two waiters share a slot and
// breaks mutual exclusion.
package alock

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	fairlock "github.com/Souparna-Mandal/sched-sync"
	"github.com/Souparna-Mandal/sched-sync/wait"
)

type slot struct {
	ready atomic.Bool
	_     cpu.CacheLinePad
}

// Lock is an array-based queue lock.
type Lock struct {
	_    cpu.CacheLinePad
	tail atomic.Uint64
	_    cpu.CacheLinePad

	slots []slot
	held  atomic.Bool
	// owner is the position of the holder, written only while holding.
	owner uint64

	spinLimit int
	sched     wait.Scheduler
}

var _ fairlock.Locker = (*Lock)(nil)

// New returns an unlocked Lock with size slots. A nil sched yields through
// the Go runtime.
func New(size int, sched wait.Scheduler) (*Lock, error) {
	if size <= 0 {
		return nil, fmt.Errorf("array lock needs at least one slot, got %d", size)
	}
	if sched == nil {
		sched = wait.Runtime{}
	}
	l := &Lock{
		slots:     make([]slot, size),
		spinLimit: wait.DefaultSpinLimit,
		sched:     sched,
	}
	l.slots[0].ready.Store(true)
	return l, nil
}

// Lock takes the next position and waits until the previous holder hands the
// lock to it. The contender ID is ignored.
func (l *Lock) Lock(int) {
	pos := l.tail.Add(1) - 1
	s := &l.slots[pos%uint64(len(l.slots))]
	spinner := wait.NewSpinner(l.spinLimit, l.sched)
	for !s.ready.Load() {
		spinner.Pause()
	}
	l.acquired(s, pos)
}

// TryLock acquires the lock only if nobody holds or waits for it.
func (l *Lock) TryLock(int) bool {
	pos := l.tail.Load()
	s := &l.slots[pos%uint64(len(l.slots))]
	if !s.ready.Load() || !l.tail.CompareAndSwap(pos, pos+1) {
		return false
	}
	l.acquired(s, pos)
	return true
}

func (l *Lock) acquired(s *slot, pos uint64) {
	s.ready.Store(false)
	l.owner = pos
	l.held.Store(true)
}

// Unlock hands the lock to the next position.
// It panics with fairlock.ErrNotHeld if the lock is not held.
func (l *Lock) Unlock() {
	if !l.held.Swap(false) {
		panic(fairlock.ErrNotHeld)
	}
	next := l.owner + 1
	l.slots[next%uint64(len(l.slots))].ready.Store(true)
}

// Destroy is a no-op, the lock holds no contender state.
func (l *Lock) Destroy() {}
