// Package ticket provides a fair mutual exclusion lock built on a ticket
// queue. Contenders are admitted in the order they took their tickets, and
// on top of that each contender is banned from re-entering for a time
// proportional to how long it held the lock, so one long critical section
// cannot crowd out many short ones.
//
// A contender serving a ban does not keep its place: it passes the turn to
// the next ticket, waits out the ban cooperatively and queues again.
package ticket

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/cpu"

	fairlock "github.com/Souparna-Mandal/sched-sync"
	"github.com/Souparna-Mandal/sched-sync/registry"
)

// Lock is a fair ticket lock.
//
// The internal implementation uses two counters:
//   - next: the next ticket to be issued
//   - serving: the ticket allowed to run
//
// The lock is free when next == serving. Both counters live on their own
// cache line since waiters poll serving while arrivals bump next.
type Lock struct {
	_       cpu.CacheLinePad
	next    atomic.Uint32
	_       cpu.CacheLinePad
	serving atomic.Uint32
	_       cpu.CacheLinePad

	fair *fairlock.Fairness
}

var _ fairlock.Locker = (*Lock)(nil)

const variant = "ticket"

// New creates a fair ticket lock.
func New(opts ...fairlock.Option) (*Lock, error) {
	f, err := fairlock.NewFairness(variant, opts...)
	if err != nil {
		return nil, err
	}
	return &Lock{fair: f}, nil
}

// Lock acquires the lock for contender id.
//
// It panics with fairlock.ErrDestroyed after Destroy, and with an error
// wrapping fairlock.ErrRegistryExhausted when id is new and no fairness state
// can be allocated for it.
func (t *Lock) Lock(id int) {
	t.fair.Enter(id)
	defer t.fair.Leave(id)
	t.fair.CheckAlive()

	// The waiter stays pinned from its first ban until it is admitted so
	// that eviction cannot drop a ban it is still serving.
	var pinned *registry.Waiter
	for {
		t.waitTurn(t.next.Add(1) - 1)

		w, ok, err := t.fair.Admit(id)
		if err != nil {
			t.serving.Add(1)
			t.fair.Fatal(id, err)
		}
		if ok {
			if pinned != nil {
				pinned.Unpin()
			}
			return
		}
		if pinned == nil {
			w.Pin()
			pinned = w
		}
		t.serving.Add(1)
		t.fair.ServeBan(w)
	}
}

// TryLock acquires the lock for id if it is free and id is not serving a
// ban. It never waits.
func (t *Lock) TryLock(id int) bool {
	if t.fair.Destroyed() {
		return false
	}
	t.fair.Enter(id)
	defer t.fair.Leave(id)

	s := t.serving.Load()
	if !t.next.CompareAndSwap(s, s+1) {
		return false
	}
	if _, ok, err := t.fair.Admit(id); err == nil && ok {
		return true
	}
	// Hand the ticket back. If somebody queued behind it meanwhile, serve them.
	if !t.next.CompareAndSwap(s+1, s) {
		t.serving.Add(1)
	}
	return false
}

// Unlock releases the lock, charging the holder for the time it held it.
// It panics with fairlock.ErrNotHeld if the lock is not held.
func (t *Lock) Unlock() {
	t.fair.Release()
	t.serving.Add(1)
}

// Destroy waits for every Lock call in progress to return, including those
// of contenders serving a ban, then retires the lock. The lock stays held
// afterwards: Lock panics and TryLock fails. Destroy must not race with new
// calls to Lock.
func (t *Lock) Destroy() {
	if t.fair.Destroyed() {
		return
	}
	for {
		t.waitTurn(t.next.Add(1) - 1)
		if t.fair.Pending() == 0 {
			break
		}
		// A banned contender gave its turn away and queues again once
		// its ban is over.
		t.serving.Add(1)
		t.fair.DrainPause()
	}
	t.fair.Destroy()
}

// SetWeight gives id a fairness share of weight from its next admission on.
func (t *Lock) SetWeight(id int, weight uint32) { t.fair.SetWeight(id, weight) }

// Active returns the number of contenders the lock currently tracks.
func (t *Lock) Active() int { return t.fair.Active() }

const (
	ticketBaseWait uint32 = 10
	farInitialWait        = 50 * time.Microsecond
	farMaxWait            = time.Millisecond
)

// waitTurn blocks until ticket is served. Waiters next in line spin briefly
// and yield, waiters further back spin proportionally to their distance and
// yield, and waiters far back sleep on an exponential schedule that restarts
// whenever the queue moves.
func (t *Lock) waitTurn(ticket uint32) {
	if t.serving.Load() == ticket {
		return
	}

	far := uint32(t.fair.Config().FarDistance)
	sched := t.fair.Scheduler()
	spinner := t.fair.Spinner()
	var bo *backoff.ExponentialBackOff
	distancePrev := uint32(0)

	for {
		cur := t.serving.Load()
		if cur == ticket {
			return
		}
		d := distance(cur, ticket)
		moved := d != distancePrev
		distancePrev = d

		switch {
		case d > far:
			if bo == nil {
				bo = newFarBackOff()
			} else if moved {
				bo.Reset()
			}
			sched.Sleep(bo.NextBackOff())
		case d > 1:
			for range d * ticketBaseWait {
				// Empty spin loop.
			}
			sched.Yield()
		default:
			if moved {
				spinner.Reset()
			}
			spinner.Pause()
		}
	}
}

func newFarBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = farInitialWait
	bo.MaxInterval = farMaxWait
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// distance returns how many tickets are served before ticket, with
// wraparound of the counters.
func distance(serving, ticket uint32) uint32 { return ticket - serving }
