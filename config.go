package fairlock

import (
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/Souparna-Mandal/sched-sync/timing"
	"github.com/Souparna-Mandal/sched-sync/wait"
)

const (
	defaultInactiveThreshold = time.Second
	defaultSleepGranularity  = 500 * time.Microsecond
	defaultSliceSize         = 100 * time.Microsecond
	defaultRegistryCapacity  = 4096
	defaultEvictScanLimit    = 32
	defaultFarDistance       = 20
	defaultWeight            = 1
)

// Config holds the tunables shared by every fair lock.
type Config struct {
	// InactiveThreshold is how long a contender may go without releasing
	// the lock before its fairness state is dropped.
	InactiveThreshold time.Duration
	// SleepGranularity is the precision assumed for coarse sleeps while
	// serving a ban. The last unit before a deadline is spun/yielded away.
	SleepGranularity time.Duration
	// SpinLimit is the number of busy checks before yielding.
	SpinLimit int
	// SliceSize is how long a queue-lock holder may cheaply re-acquire.
	SliceSize time.Duration
	// RegistryCapacity bounds the number of tracked contenders.
	RegistryCapacity int
	// EvictScanLimit bounds the waiters visited per eviction pass.
	EvictScanLimit int
	// FarDistance is the ticket distance beyond which a waiter sleeps.
	FarDistance int
	// DefaultWeight is the fairness share of contenders without an explicit weight.
	DefaultWeight int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		InactiveThreshold: defaultInactiveThreshold,
		SleepGranularity:  defaultSleepGranularity,
		SpinLimit:         wait.DefaultSpinLimit,
		SliceSize:         defaultSliceSize,
		RegistryCapacity:  defaultRegistryCapacity,
		EvictScanLimit:    defaultEvictScanLimit,
		FarDistance:       defaultFarDistance,
		DefaultWeight:     defaultWeight,
	}
}

// LoadConfig reads the FairLock.* keys from conf, falling back to the defaults.
func LoadConfig(conf *config.Config) Config {
	return Config{
		InactiveThreshold: conf.GetDurationVar(1, time.Second, "FairLock.inactiveThreshold"),
		SleepGranularity:  conf.GetDurationVar(500, time.Microsecond, "FairLock.sleepGranularity"),
		SpinLimit:         conf.GetIntVar(wait.DefaultSpinLimit, 1, "FairLock.spinLimit"),
		SliceSize:         conf.GetDurationVar(100, time.Microsecond, "FairLock.sliceSize"),
		RegistryCapacity:  conf.GetIntVar(defaultRegistryCapacity, 1, "FairLock.registryCapacity"),
		EvictScanLimit:    conf.GetIntVar(defaultEvictScanLimit, 1, "FairLock.evictScanLimit"),
		FarDistance:       conf.GetIntVar(defaultFarDistance, 1, "FairLock.farDistance"),
		DefaultWeight:     conf.GetIntVar(defaultWeight, 1, "FairLock.defaultWeight"),
	}
}

func (c Config) validate() error {
	switch {
	case c.InactiveThreshold < 0:
		return fmt.Errorf("inactive threshold must not be negative, got %v", c.InactiveThreshold)
	case c.SleepGranularity < 0:
		return fmt.Errorf("sleep granularity must not be negative, got %v", c.SleepGranularity)
	case c.SpinLimit < 0:
		return fmt.Errorf("spin limit must not be negative, got %d", c.SpinLimit)
	case c.SliceSize < 0:
		return fmt.Errorf("slice size must not be negative, got %v", c.SliceSize)
	case c.RegistryCapacity <= 0:
		return fmt.Errorf("registry capacity must be positive, got %d", c.RegistryCapacity)
	case c.FarDistance <= 0:
		return fmt.Errorf("far distance must be positive, got %d", c.FarDistance)
	case c.DefaultWeight <= 0:
		return fmt.Errorf("default weight must be positive, got %d", c.DefaultWeight)
	}
	return nil
}

// Options configure a fair lock.
type Options struct {
	Config     Config
	Clock      timing.Clock
	Scheduler  wait.Scheduler
	Logger     logger.Logger
	Stats      stats.Stats
	Weights    map[int]uint32
	Contenders func() int
}

// Option mutates Options.
type Option func(*Options)

func newOptions(opts []Option) Options {
	o := Options{
		Config:    DefaultConfig(),
		Clock:     timing.System{},
		Scheduler: wait.Runtime{},
		Logger:    logger.NOP,
		Stats:     stats.NOP,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithConfig replaces the whole configuration with the values found in conf.
// Options applied after it still take precedence.
func WithConfig(conf *config.Config) Option {
	return func(o *Options) { o.Config = LoadConfig(conf) }
}

// WithInactiveThreshold sets Config.InactiveThreshold.
func WithInactiveThreshold(d time.Duration) Option {
	return func(o *Options) { o.Config.InactiveThreshold = d }
}

// WithSleepGranularity sets Config.SleepGranularity.
func WithSleepGranularity(d time.Duration) Option {
	return func(o *Options) { o.Config.SleepGranularity = d }
}

// WithSpinLimit sets Config.SpinLimit.
func WithSpinLimit(n int) Option {
	return func(o *Options) { o.Config.SpinLimit = n }
}

// WithSliceSize sets Config.SliceSize. Zero disables slice reentry.
func WithSliceSize(d time.Duration) Option {
	return func(o *Options) { o.Config.SliceSize = d }
}

// WithRegistryCapacity sets Config.RegistryCapacity.
func WithRegistryCapacity(n int) Option {
	return func(o *Options) { o.Config.RegistryCapacity = n }
}

// WithClock sets the time source.
func WithClock(c timing.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithScheduler sets the scheduler waiting contenders yield to.
func WithScheduler(s wait.Scheduler) Option {
	return func(o *Options) { o.Scheduler = s }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithStats sets the metrics sink.
func WithStats(s stats.Stats) Option {
	return func(o *Options) { o.Stats = s }
}

// WithWeight gives contender id a fairness share of weight.
func WithWeight(id int, weight uint32) Option {
	return func(o *Options) {
		if o.Weights == nil {
			o.Weights = make(map[int]uint32)
		}
		o.Weights[id] = weight
	}
}

// WithContenderCounter makes fn the source of the live-contender count used
// as the fairness divisor, for runtimes that know better than the registry.
func WithContenderCounter(fn func() int) Option {
	return func(o *Options) { o.Contenders = fn }
}
