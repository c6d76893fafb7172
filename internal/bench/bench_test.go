package bench

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Souparna-Mandal/sched-sync/timing"
)

func TestParseSections(t *testing.T) {
	got, err := ParseSections([]string{"10", " 100 ", "1ms", "250us"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Microsecond, 100 * time.Microsecond, time.Millisecond, 250 * time.Microsecond}, got)

	_, err = ParseSections([]string{"abc"})
	require.Error(t, err)
	_, err = ParseSections([]string{"-1ms"})
	require.Error(t, err)
}

func TestNewLock(t *testing.T) {
	for _, variant := range Variants {
		t.Run(variant, func(t *testing.T) {
			l, err := NewLock(variant, 2)
			require.NoError(t, err)
			l.Lock(1)
			assert.False(t, l.TryLock(2))
			l.Unlock()
			require.True(t, l.TryLock(1))
			l.Unlock()
		})
	}

	_, err := NewLock("spin", 2)
	require.Error(t, err)
}

func TestNewRequiresSections(t *testing.T) {
	_, err := New(config.New(), stats.NOP, logger.NOP, nil)
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	for _, variant := range Variants {
		t.Run(variant, func(t *testing.T) {
			conf := config.New()
			conf.Set("FairBench.lock", variant)
			conf.Set("FairBench.duration", "50ms")
			conf.Set("FairBench.progressInterval", "10ms")

			sections := []time.Duration{10 * time.Microsecond, 100 * time.Microsecond, 10 * time.Microsecond}
			b, err := New(conf, stats.NOP, logger.NOP, sections)
			require.NoError(t, err)
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			report, err := b.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, variant, report.Variant)
			assert.GreaterOrEqual(t, report.Duration, 50*time.Millisecond)
			require.Len(t, report.Results, len(sections))
			for i, res := range report.Results {
				assert.Equal(t, i, res.ID)
				assert.Equal(t, sections[i], res.Section)
				assert.NotZero(t, res.Acquisitions, "contender %d never got the lock", i)
				assert.GreaterOrEqual(t, res.Held, time.Duration(res.Acquisitions)*res.Section)
				assert.GreaterOrEqual(t, res.Loops, res.Acquisitions)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	conf := config.New()
	conf.Set("FairBench.duration", "1h")
	b, err := New(conf, stats.NOP, logger.NOP, []time.Duration{time.Microsecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Results[0].Acquisitions)
}

type panickingLock struct{ Mutex }

func (panickingLock) Lock(int) { panic(errors.New("out of waiters")) }

func TestRunReportsPanickingContender(t *testing.T) {
	b := &Bench{
		variant:  "broken",
		lock:     &panickingLock{Mutex: *NewMutex()},
		tasks:    []Task{{ID: 7, Section: time.Microsecond}},
		duration: time.Second,
		clock:    timing.System{},
		log:      logger.NOP,
	}
	_, err := b.Run(context.Background())
	require.ErrorContains(t, err, "contender 7: out of waiters")
}

func TestReport(t *testing.T) {
	r := Report{
		Variant:  "ticket",
		Duration: time.Second,
		Results: []Result{
			{ID: 0, Section: 10 * time.Microsecond, Loops: 900, Acquisitions: 30, Held: 300 * time.Microsecond},
			{ID: 1, Section: 100 * time.Microsecond, Loops: 800, Acquisitions: 5, Held: 500 * time.Microsecond},
			{ID: 2, Section: 10 * time.Microsecond, Loops: 700, Acquisitions: 20, Held: 200 * time.Microsecond},
		},
	}
	assert.Equal(t, time.Millisecond, r.TotalHeld())
	assert.InDelta(t, 0.3, r.Share(r.Results[0]), 1e-9)

	top, share := r.MaxShare()
	assert.Equal(t, 1, top.ID)
	assert.InDelta(t, 0.5, share, 1e-9)

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf))
	out := buf.String()
	for _, s := range []string{"Lock acquires", "Lock hold (us)", "ticket", "50.0%", "1000", "55"} {
		assert.Contains(t, out, s)
	}

	_, share = Report{}.MaxShare()
	assert.Zero(t, share)
	assert.Zero(t, Report{}.Share(Result{Held: time.Second}))
}
