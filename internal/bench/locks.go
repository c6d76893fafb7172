package bench

import (
	"fmt"

	golock "github.com/viney-shih/go-lock"

	fairlock "github.com/Souparna-Mandal/sched-sync"
	"github.com/Souparna-Mandal/sched-sync/alock"
	"github.com/Souparna-Mandal/sched-sync/mcs"
	"github.com/Souparna-Mandal/sched-sync/ticket"
)

// Lock variants.
const (
	VariantTicket = "ticket"
	VariantMCS    = "mcs"
	VariantMutex  = "mutex"
	VariantArray  = "array"
)

// Variants lists the lock variants a benchmark can run.
var Variants = []string{VariantTicket, VariantMCS, VariantMutex, VariantArray}

// NewLock creates a lock of the given variant for up to contenders concurrent
// contenders. The mutex and array variants are baselines without fairness
// accounting and ignore opts.
func NewLock(variant string, contenders int, opts ...fairlock.Option) (fairlock.Locker, error) {
	switch variant {
	case VariantTicket:
		return ticket.New(opts...)
	case VariantMCS:
		return mcs.New(opts...)
	case VariantMutex:
		return NewMutex(), nil
	case VariantArray:
		return alock.New(contenders, nil)
	default:
		return nil, fmt.Errorf("unknown lock variant: %s", variant)
	}
}

// Mutex adapts a CAS mutex to the contender-aware lock interface. It does
// not track contenders at all.
type Mutex struct {
	mu *golock.CASMutex
}

var _ fairlock.Locker = (*Mutex)(nil)

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex { return &Mutex{mu: golock.NewCASMutex()} }

func (m *Mutex) Lock(int)         { m.mu.Lock() }
func (m *Mutex) TryLock(int) bool { return m.mu.TryLock() }
func (m *Mutex) Unlock()          { m.mu.Unlock() }
func (m *Mutex) Destroy()         {}
