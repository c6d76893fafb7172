// Package fairlock holds what the fair locks in this module have in common:
// configuration, the Locker contract, the errors they fail with, and Fairness,
// the per-lock state that decides whether an admitted contender may run and
// charges it for the time it held the lock.
//
// Two lock implementations build on it:
//
//   - ticket: a ticket lock. Simple, strictly ordered admission.
//   - mcs: an MCS queue lock with weighted shares and time-slice reentry,
//     for heavily contended locks.
//
// Example usage:
//
//	lock, err := ticket.New(fairlock.WithInactiveThreshold(time.Second))
//	if err != nil {
//	    return err
//	}
//	defer lock.Destroy()
//
//	lock.Lock(fiberID)
//	// ... critical section ...
//	lock.Unlock()
//
// A contender is identified by an integer that stays the same across its
// acquisitions; the lock remembers how long each identity held it and bans
// it from re-entering for a proportional amount of time. An identity must
// not be used by two goroutines at once.
package fairlock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Souparna-Mandal/sched-sync/registry"
)

var (
	// ErrNotHeld is the panic value of an Unlock without a matching Lock.
	ErrNotHeld = errors.New("fairlock: unlock of unlocked lock")
	// ErrDestroyed is the panic value of using a lock after Destroy.
	ErrDestroyed = errors.New("fairlock: lock destroyed")
	// ErrRegistryExhausted reports that no fairness state could be
	// allocated for a new contender.
	ErrRegistryExhausted = fmt.Errorf("fairlock: %w", registry.ErrExhausted)
)

// Locker is a fairness-aware mutual exclusion lock.
type Locker interface {
	// Lock acquires the lock for contender id, blocking while the lock is
	// held or while id is serving a ban.
	Lock(id int)
	// TryLock acquires the lock for id only if that is possible without
	// waiting. It never yields.
	TryLock(id int) bool
	// Unlock releases the lock and charges its holder.
	Unlock()
	// Destroy waits for in-flight acquisitions to drain and retires the lock.
	Destroy()
}

// ForContender returns a sync.Locker acquiring l on behalf of id.
func ForContender(l Locker, id int) sync.Locker {
	return contenderLocker{l: l, id: id}
}

type contenderLocker struct {
	l  Locker
	id int
}

func (c contenderLocker) Lock()   { c.l.Lock(c.id) }
func (c contenderLocker) Unlock() { c.l.Unlock() }
