package fairlock

import "github.com/rudderlabs/rudder-go-kit/stats"

type metrics struct {
	acquisitions     stats.Measurement
	bans             stats.Measurement
	banIncrement     stats.Measurement
	holdTime         stats.Measurement
	evictions        stats.Measurement
	activeContenders stats.Measurement
	sliceReentries   stats.Measurement
	banSleeps        stats.Measurement
}

func newMetrics(s stats.Stats, variant string) *metrics {
	tags := stats.Tags{"variant": variant}
	return &metrics{
		acquisitions:     s.NewTaggedStat("fairlock_acquisitions", stats.CountType, tags),
		bans:             s.NewTaggedStat("fairlock_bans", stats.CountType, tags),
		banIncrement:     s.NewTaggedStat("fairlock_ban_increment", stats.TimerType, tags),
		holdTime:         s.NewTaggedStat("fairlock_hold_time", stats.TimerType, tags),
		evictions:        s.NewTaggedStat("fairlock_evictions", stats.CountType, tags),
		activeContenders: s.NewTaggedStat("fairlock_active_contenders", stats.GaugeType, tags),
		sliceReentries:   s.NewTaggedStat("fairlock_slice_reentries", stats.CountType, tags),
		banSleeps:        s.NewTaggedStat("fairlock_ban_sleeps", stats.CountType, tags),
	}
}
