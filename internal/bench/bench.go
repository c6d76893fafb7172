// Package bench runs contenders with fixed critical-section lengths against a
// lock for a fixed duration and reports how the lock shared its time.
package bench

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	fairlock "github.com/Souparna-Mandal/sched-sync"
	"github.com/Souparna-Mandal/sched-sync/timing"
)

// Task is one contender of a run.
type Task struct {
	ID      int
	Section time.Duration
}

// Result is what a contender observed during a run.
type Result struct {
	ID      int
	Section time.Duration
	// Loops counts the clock reads spent inside critical sections.
	Loops        uint64
	Acquisitions uint64
	Held         time.Duration
}

// Bench runs one benchmark.
type Bench struct {
	variant  string
	lock     fairlock.Locker
	tasks    []Task
	duration time.Duration
	progress time.Duration

	clock timing.Clock
	log   logger.Logger
}

// New prepares a run of the lock variant configured under FairBench.lock with
// one contender per entry of sections.
func New(conf *config.Config, stat stats.Stats, log logger.Logger, sections []time.Duration) (*Bench, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("at least one critical section length is required")
	}
	variant := conf.GetStringVar(VariantTicket, "FairBench.lock")
	lock, err := NewLock(variant, len(sections),
		fairlock.WithConfig(conf),
		fairlock.WithStats(stat),
		fairlock.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	tasks := lo.Map(sections, func(cs time.Duration, i int) Task {
		return Task{ID: i, Section: cs}
	})
	return &Bench{
		variant:  variant,
		lock:     lock,
		tasks:    tasks,
		duration: conf.GetDurationVar(5, time.Second, "FairBench.duration"),
		progress: conf.GetDurationVar(1, time.Second, "FairBench.progressInterval"),
		clock:    timing.System{},
		log:      log.Child("bench"),
	}, nil
}

// Run lets every contender loop over lock, critical section and unlock until
// the configured duration has passed or ctx is cancelled. A contender that
// panics inside the lock fails the run.
func (b *Bench) Run(ctx context.Context) (Report, error) {
	g, ctx := errgroup.WithContext(ctx)
	start := b.clock.Now()
	deadline := start.Add(b.duration)

	results := make([]Result, len(b.tasks))
	var acquisitions atomic.Uint64
	for i, task := range b.tasks {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("contender %d: %v", task.ID, r)
				}
			}()
			res := &results[i]
			res.ID, res.Section = task.ID, task.Section
			for ctx.Err() == nil && b.clock.Now().Before(deadline) {
				b.lock.Lock(task.ID)
				res.Acquisitions++
				acquisitions.Add(1)

				csStart := b.clock.Now()
				now := csStart
				for {
					res.Loops++
					now = b.clock.Now()
					if timing.Diff(csStart, now) >= task.Section {
						break
					}
				}
				res.Held += timing.Diff(csStart, now)

				b.lock.Unlock()
			}
			return nil
		})
	}

	done := make(chan struct{})
	if b.progress > 0 {
		go b.reportProgress(ctx, done, &acquisitions)
	}
	err := g.Wait()
	close(done)
	b.lock.Destroy()

	return Report{
		Variant:  b.variant,
		Duration: timing.Diff(start, b.clock.Now()),
		Results:  results,
	}, err
}

func (b *Bench) reportProgress(ctx context.Context, done <-chan struct{}, acquisitions *atomic.Uint64) {
	ticker := time.NewTicker(b.progress)
	defer ticker.Stop()
	previous := b.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			now := b.clock.Now()
			rate := float64(acquisitions.Swap(0)) / now.Sub(previous).Seconds()
			previous = now
			b.log.Infon("Benchmark progress",
				logger.NewStringField("lock", b.variant),
				logger.NewIntField("acquisitionsPerSecond", int64(rate)),
			)
		}
	}
}

// ParseSections parses critical-section lengths. A bare number is taken as
// microseconds, anything else must be a Go duration.
func ParseSections(args []string) ([]time.Duration, error) {
	sections := make([]time.Duration, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if us, err := strconv.ParseUint(arg, 10, 63); err == nil {
			sections = append(sections, time.Duration(us)*time.Microsecond)
			continue
		}
		d, err := time.ParseDuration(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid critical section %q: %w", arg, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("invalid critical section %q: negative", arg)
		}
		sections = append(sections, d)
	}
	return sections, nil
}
