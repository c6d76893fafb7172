package fairlock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/rudderlabs/rudder-go-kit/stats/memstats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fairlock "github.com/Souparna-Mandal/sched-sync"
	"github.com/Souparna-Mandal/sched-sync/internal/testutil"
	"github.com/Souparna-Mandal/sched-sync/registry"
	"github.com/Souparna-Mandal/sched-sync/timing"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestLoadConfigDefaults(t *testing.T) {
	assert.Equal(t, fairlock.DefaultConfig(), fairlock.LoadConfig(config.New()))
}

func TestLoadConfigOverrides(t *testing.T) {
	c := config.New()
	c.Set("FairLock.inactiveThreshold", "2s")
	c.Set("FairLock.sliceSize", "250us")
	c.Set("FairLock.spinLimit", 7)
	c.Set("FairLock.registryCapacity", 16)

	conf := fairlock.LoadConfig(c)
	assert.Equal(t, 2*time.Second, conf.InactiveThreshold)
	assert.Equal(t, 250*time.Microsecond, conf.SliceSize)
	assert.Equal(t, 7, conf.SpinLimit)
	assert.Equal(t, 16, conf.RegistryCapacity)
	assert.Equal(t, 500*time.Microsecond, conf.SleepGranularity)
}

func TestNewFairnessRejectsInvalidConfig(t *testing.T) {
	_, err := fairlock.NewFairness("test", fairlock.WithRegistryCapacity(0))
	require.Error(t, err)
	_, err = fairlock.NewFairness("test", fairlock.WithInactiveThreshold(-time.Second))
	require.Error(t, err)
}

func newFairness(t *testing.T, opts ...fairlock.Option) (*fairlock.Fairness, *timing.Manual, *memstats.Store) {
	t.Helper()
	clk := timing.NewManual(epoch)
	statsStore, err := memstats.New()
	require.NoError(t, err)
	opts = append([]fairlock.Option{
		fairlock.WithClock(clk),
		fairlock.WithScheduler(testutil.NewScheduler(clk)),
		fairlock.WithStats(statsStore),
		fairlock.WithSpinLimit(0),
	}, opts...)
	f, err := fairlock.NewFairness("test", opts...)
	require.NoError(t, err)
	return f, clk, statsStore
}

func admit(t *testing.T, f *fairlock.Fairness, id int) *registry.Waiter {
	t.Helper()
	w, ok, err := f.Admit(id)
	require.NoError(t, err)
	require.True(t, ok, "contender %d should be admitted", id)
	return w
}

func TestAdmitAndRelease(t *testing.T) {
	f, clk, statsStore := newFairness(t)
	tags := stats.Tags{"variant": "test"}

	admit(t, f, 1)
	f.Release()

	w2 := admit(t, f, 2)
	assert.Same(t, w2, f.Holder())
	clk.Advance(100 * time.Microsecond)
	require.Same(t, w2, f.Release())
	assert.Nil(t, f.Holder())
	assert.Equal(t, epoch.Add(200*time.Microsecond), w2.BannedUntil, "two contenders double the held time")

	w, ok, err := f.Admit(2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Same(t, w2, w)
	assert.Nil(t, f.Holder())

	admit(t, f, 1)
	f.Release()

	clk.Advance(100 * time.Microsecond)
	admit(t, f, 2)
	f.Release()

	assert.EqualValues(t, 4, statsStore.Get("fairlock_acquisitions", tags).LastValue())
	assert.EqualValues(t, 1, statsStore.Get("fairlock_bans", tags).LastValue())
	assert.Equal(t, 200*time.Microsecond, statsStore.Get("fairlock_ban_increment", tags).LastDuration())
}

func TestSingletonIsNeverBanned(t *testing.T) {
	f, clk, _ := newFairness(t)
	for range 10 {
		w := admit(t, f, 42)
		clk.Advance(time.Millisecond)
		f.Release()
		assert.Equal(t, w.EndTicks, w.BannedUntil)
	}
}

func TestReleaseWithoutHolderPanics(t *testing.T) {
	f, _, _ := newFairness(t)
	assert.PanicsWithValue(t, fairlock.ErrNotHeld, func() { f.Release() })
}

func TestServeBan(t *testing.T) {
	f, clk, statsStore := newFairness(t, fairlock.WithSleepGranularity(10*time.Microsecond))

	admit(t, f, 1)
	f.Release()
	w := admit(t, f, 2)
	clk.Advance(100 * time.Microsecond)
	f.Release()

	_, ok, err := f.Admit(2)
	require.NoError(t, err)
	require.False(t, ok)

	f.ServeBan(w)
	assert.False(t, clk.Now().Before(w.BannedUntil))
	assert.EqualValues(t, 1, statsStore.Get("fairlock_ban_sleeps", stats.Tags{"variant": "test"}).LastValue())
	admit(t, f, 2)
}

func TestRegistryExhaustionReclaimsStaleWaiters(t *testing.T) {
	f, clk, statsStore := newFairness(t, fairlock.WithRegistryCapacity(2))

	admit(t, f, 1)
	f.Release()
	admit(t, f, 2)
	f.Release()

	_, _, err := f.Admit(3)
	require.ErrorIs(t, err, fairlock.ErrRegistryExhausted)
	require.ErrorIs(t, err, registry.ErrExhausted)
	assert.Nil(t, f.Holder())

	clk.Advance(2 * time.Second)
	w := admit(t, f, 3)
	assert.Equal(t, clk.Now(), w.BannedUntil)
	assert.Equal(t, 1, f.Active())
	assert.EqualValues(t, 2, statsStore.Get("fairlock_evictions", stats.Tags{"variant": "test"}).LastValue())
}

func TestStaleContenderIsForgottenOnce(t *testing.T) {
	f, clk, _ := newFairness(t)

	admit(t, f, 1)
	f.Release()
	admit(t, f, 2)
	clk.Advance(10 * time.Microsecond)
	f.Release()
	require.Equal(t, 2, f.Active())

	clk.Advance(2 * time.Second)
	admit(t, f, 2)
	f.Release()
	assert.Equal(t, 1, f.Active(), "contender 1 went stale")

	_, ok := f.Registry().Lookup(1)
	assert.False(t, ok)

	w := admit(t, f, 1)
	assert.Equal(t, clk.Now(), w.BannedUntil, "a returning contender starts over")
	assert.Equal(t, 2, f.Active())
}

func TestAcquiringContenderIsNotEvicted(t *testing.T) {
	f, clk, _ := newFairness(t)

	admit(t, f, 1)
	f.Release()
	w2 := admit(t, f, 2)
	clk.Advance(10 * time.Microsecond)
	f.Release()

	f.Enter(2)
	f.Enter(2)
	assert.True(t, f.Acquiring(2))
	assert.EqualValues(t, 2, f.Pending())

	clk.Advance(2 * time.Second)
	admit(t, f, 1)
	f.Release()
	cur, ok := f.Registry().Lookup(2)
	require.True(t, ok, "a contender waiting for its turn keeps its state")
	assert.Same(t, w2, cur)

	f.Leave(2)
	assert.True(t, f.Acquiring(2))
	f.Leave(2)
	assert.False(t, f.Acquiring(2))
	assert.Zero(t, f.Pending())

	clk.Advance(2 * time.Second)
	admit(t, f, 1)
	f.Release()
	_, ok = f.Registry().Lookup(2)
	assert.False(t, ok)
}

func TestRegistryExhaustionSparesAcquiringContenders(t *testing.T) {
	f, clk, _ := newFairness(t, fairlock.WithRegistryCapacity(2))

	admit(t, f, 1)
	f.Release()
	admit(t, f, 2)
	f.Release()

	f.Enter(1)
	clk.Advance(2 * time.Second)
	admit(t, f, 3)
	f.Release()
	_, ok := f.Registry().Lookup(1)
	assert.True(t, ok)
	_, ok = f.Registry().Lookup(2)
	assert.False(t, ok)
	f.Leave(1)
}

func TestWeights(t *testing.T) {
	f, clk, _ := newFairness(t, fairlock.WithWeight(1, 3))
	assert.EqualValues(t, 3, f.Weight(1))
	assert.EqualValues(t, 1, f.Weight(2))

	admit(t, f, 2)
	f.Release()
	w1 := admit(t, f, 1)
	clk.Advance(300 * time.Microsecond)
	f.Release()
	assert.Equal(t, epoch.Add(400*time.Microsecond), w1.BannedUntil)

	f.SetWeight(1, 0)
	assert.EqualValues(t, 1, f.Weight(1))
	clk.Advance(time.Millisecond)
	admit(t, f, 1)
	assert.EqualValues(t, 1, w1.Weight, "new weights apply at the next admission")
	assert.EqualValues(t, 2, f.Registry().TotalWeight())
}

func TestContenderCounterOverridesRegistry(t *testing.T) {
	f, clk, _ := newFairness(t, fairlock.WithContenderCounter(func() int { return 8 }))
	w := admit(t, f, 1)
	clk.Advance(10 * time.Microsecond)
	f.Release()
	assert.Equal(t, epoch.Add(80*time.Microsecond), w.BannedUntil)
}

func TestDestroy(t *testing.T) {
	f, _, _ := newFairness(t)
	admit(t, f, 1)
	f.Release()
	f.CheckAlive()

	f.Destroy()
	f.Destroy()
	assert.True(t, f.Destroyed())
	assert.Zero(t, f.Active())
	assert.PanicsWithValue(t, fairlock.ErrDestroyed, f.CheckAlive)
}

type recordingLocker struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingLocker) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recordingLocker) Lock(id int)         { r.record("lock") }
func (r *recordingLocker) TryLock(id int) bool { r.record("try"); return true }
func (r *recordingLocker) Unlock()             { r.record("unlock") }
func (r *recordingLocker) Destroy()            { r.record("destroy") }

func TestForContender(t *testing.T) {
	l := &recordingLocker{}
	var sl sync.Locker = fairlock.ForContender(l, 3)
	sl.Lock()
	sl.Unlock()
	assert.Equal(t, []string{"lock", "unlock"}, l.calls)
}
