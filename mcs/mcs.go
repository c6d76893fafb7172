// Package mcs implements a fair Mellor-Crummey Scott (MCS) lock, a scalable
// FIFO queue lock, extended with weighted ban accounting and time slices.
//
// Compared to the ticket lock, contenders wait on their own queue node
// instead of a shared counter, and only the contender next in line spins.
// Everyone further back parks until its predecessor starts running.
//
// On top of the queue:
//   - every release charges the holder a ban proportional to the time it held
//     the lock and inversely proportional to its weight
//   - a holder releasing the lock with nobody queued behind it keeps a lease
//     on its turn until its time slice ends, so it can re-acquire without
//     queuing again
//
// Example usage:
//
//	lock, err := mcs.New(fairlock.WithWeight(reader, 2))
//	if err != nil {
//	    return err
//	}
//
//	lock.Lock(reader)
//	// ... critical section ...
//	lock.Unlock()
//
//	// Non-blocking try-lock
//	if lock.TryLock(writer) {
//	    // ... critical section ...
//	    lock.Unlock()
//	}
package mcs

import (
	"sync/atomic"
	"time"

	fairlock "github.com/Souparna-Mandal/sched-sync"
	"github.com/Souparna-Mandal/sched-sync/registry"
	"github.com/Souparna-Mandal/sched-sync/timing"
)

type state = uint32

const (
	// stateInit: queued behind a contender that is not running yet.
	stateInit state = iota
	// stateNext: queued directly behind the running contender.
	stateNext
	// stateRunnable: the turn was handed over but not taken yet.
	stateRunnable
	// stateRunning: owns the turn.
	stateRunning
)

// QNode represents a queue node. A node is used for a single pass through
// the queue and never recycled.
type QNode struct {
	next  atomic.Pointer[QNode]
	state atomic.Uint32
	wake  chan struct{}
}

func newNode() *QNode { return &QNode{wake: make(chan struct{}, 1)} }

func (n *QNode) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// promote moves a waiting node to the spinning state.
func (n *QNode) promote() {
	if n.state.CompareAndSwap(stateInit, stateNext) {
		n.signal()
	}
}

// grant hands the turn to n.
func (n *QNode) grant() {
	n.state.Store(stateRunnable)
	n.signal()
}

// run marks n as owning the turn. A successor that linked before it could
// see the new state is moved up to spinning.
func run(n *QNode) {
	n.state.Store(stateRunning)
	promoteNext(n)
}

func promoteNext(n *QNode) {
	if succ := n.next.Load(); succ != nil {
		succ.promote()
	}
}

// parked is a turn left behind by a releasing holder. The next enqueuer
// takes it over, and so may the releasing contender while end lies ahead.
type parked struct {
	node   *QNode
	id     int
	waiter *registry.Waiter
	end    time.Time
}

// Lock is a fair MCS lock.
type Lock struct {
	tail  atomic.Pointer[QNode]
	lease atomic.Pointer[parked]

	// Only accessed by the holder.
	owner    *QNode
	sliceEnd time.Time

	fair *fairlock.Fairness
}

var _ fairlock.Locker = (*Lock)(nil)

const variant = "mcs"

// New creates a fair MCS lock.
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
func (l *Lock) Lock(id int) {
	l.fair.Enter(id)
	defer l.fair.Leave(id)
	l.fair.CheckAlive()

	if p := l.lease.Load(); p != nil && p.id == id && l.live(p) && l.lease.CompareAndSwap(p, nil) {
		if l.resume(p) {
			return
		}
		l.handOff(p.node)
	}

	var pinned *registry.Waiter
	for {
		node := newNode()
		l.enqueue(node)

		w, ok, err := l.fair.Admit(id)
		if err != nil {
			l.handOff(node)
			l.fair.Fatal(id, err)
		}
		if ok {
			if pinned != nil {
				pinned.Unpin()
			}
			l.start(node, w)
			return
		}
		if pinned == nil {
			w.Pin()
			pinned = w
		}
		l.handOff(node)
		l.fair.ServeBan(w)
	}
}

// TryLock acquires the lock for id if that is possible without waiting:
// nobody holds it or queues for it. A lease parked by a releasing contender
// does not count as holding, TryLock revokes it the way a queuing Lock
// would. It fails while id is serving a ban.
func (l *Lock) TryLock(id int) bool {
	if l.fair.Destroyed() {
		return false
	}
	l.fair.Enter(id)
	defer l.fair.Leave(id)

	if p := l.lease.Load(); p != nil {
		return l.claim(p, id)
	}
	node := newNode()
	if !l.tail.CompareAndSwap(nil, node) {
		return false
	}
	run(node)
	return l.tryAdmit(node, id)
}

func (l *Lock) claim(p *parked, id int) bool {
	if !l.lease.CompareAndSwap(p, nil) {
		return false
	}
	if p.id == id && l.live(p) && l.resume(p) {
		return true
	}
	return l.tryAdmit(p.node, id)
}

func (l *Lock) tryAdmit(node *QNode, id int) bool {
	if w, ok, err := l.fair.Admit(id); err == nil && ok {
		l.start(node, w)
		return true
	}
	l.abandon(node)
	return false
}

// Unlock releases the lock, charging the holder for the time it held it.
// It panics with fairlock.ErrNotHeld if the lock is not held.
func (l *Lock) Unlock() {
	w := l.fair.Release()
	node := l.owner
	l.owner = nil

	if w.EndTicks.Before(l.sliceEnd) && node.next.Load() == nil {
		p := &parked{node: node, id: w.ID, waiter: w, end: l.sliceEnd}
		l.lease.Store(p)
		// An enqueuer that linked in the meantime may not have seen the
		// lease. Whoever revokes it passes the turn on.
		if node.next.Load() == nil || !l.lease.CompareAndSwap(p, nil) {
			return
		}
	}
	l.handOff(node)
}

// Destroy waits for every Lock call in progress to return, including those
// of contenders serving a ban, then retires the lock. The lock stays held
// afterwards: Lock panics and TryLock fails. Destroy must not race with new
// calls to Lock.
func (l *Lock) Destroy() {
	if l.fair.Destroyed() {
		return
	}
	for {
		node := newNode()
		l.enqueue(node)
		if l.fair.Pending() == 0 {
			break
		}
		l.handOff(node)
		l.fair.DrainPause()
	}
	l.fair.Destroy()
}

// SetWeight gives id a fairness share of weight from its next admission on.
func (l *Lock) SetWeight(id int, weight uint32) { l.fair.SetWeight(id, weight) }

// Active returns the number of contenders the lock currently tracks.
func (l *Lock) Active() int { return l.fair.Active() }

// IsFree reports whether the lock is neither held nor reserved by a live lease.
func (l *Lock) IsFree() bool {
	if p := l.lease.Load(); p != nil {
		return !l.live(p)
	}
	return l.tail.Load() == nil
}

func (l *Lock) live(p *parked) bool {
	return l.fair.Clock().Now().Before(p.end)
}

func (l *Lock) resume(p *parked) bool {
	if !l.fair.Resume(p.waiter) {
		return false
	}
	l.owner = p.node
	l.sliceEnd = p.end
	return true
}

func (l *Lock) start(node *QNode, w *registry.Waiter) {
	l.owner = node
	l.sliceEnd = time.Time{}
	if size := l.fair.Config().SliceSize; size > 0 {
		l.sliceEnd = timing.Add(w.StartTicks, size)
	}
}

// enqueue appends node to the queue and returns once it owns the turn.
func (l *Lock) enqueue(node *QNode) {
	pred := l.tail.Swap(node)
	if pred == nil {
		run(node)
		return
	}
	pred.next.Store(node)

	if p := l.lease.Load(); p != nil && p.node == pred && l.lease.CompareAndSwap(p, nil) {
		run(node)
		return
	}
	if s := pred.state.Load(); s == stateRunnable || s == stateRunning {
		node.promote()
	}

	spinner := l.fair.Spinner()
	for {
		switch node.state.Load() {
		case stateRunnable:
			if node.state.CompareAndSwap(stateRunnable, stateRunning) {
				promoteNext(node)
				return
			}
		case stateNext:
			spinner.Pause()
		default:
			<-node.wake
		}
	}
}

// handOff passes node's turn to its successor, or empties the queue.
func (l *Lock) handOff(node *QNode) {
	succ := node.next.Load()
	if succ == nil {
		if l.tail.CompareAndSwap(node, nil) {
			return
		}
		// Someone is in the process of enqueuing, wait for them to link.
		spinner := l.fair.Spinner()
		for succ = node.next.Load(); succ == nil; succ = node.next.Load() {
			spinner.Pause()
		}
	}
	succ.grant()
}

// abandon gives up node's turn without waiting. If an enqueuer is about to
// link behind node, the turn is parked as an expired lease for it to take.
func (l *Lock) abandon(node *QNode) {
	if node.next.Load() == nil {
		if l.tail.CompareAndSwap(node, nil) {
			return
		}
		p := &parked{node: node}
		l.lease.Store(p)
		if node.next.Load() == nil || !l.lease.CompareAndSwap(p, nil) {
			return
		}
	}
	node.next.Load().grant()
}
