// Command fairbench runs one contender per critical-section argument against a
// fair lock and prints how the lock time was shared.
//
//	fairbench --lock mcs --duration 10s 10 100 10 10
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/Souparna-Mandal/sched-sync/internal/bench"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conf := config.New()
	app := &cli.App{
		Name:      "fairbench",
		Usage:     "measure how fairly a lock shares time between contenders",
		ArgsUsage: "<critical section>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "lock",
				Aliases: []string{"l"},
				Usage:   fmt.Sprintf("lock variant, one of %v", bench.Variants),
				Value:   conf.GetStringVar(bench.VariantTicket, "FairBench.lock"),
			},
			&cli.DurationFlag{
				Name:    "duration",
				Aliases: []string{"d"},
				Usage:   "how long to run",
				Value:   conf.GetDurationVar(5, time.Second, "FairBench.duration"),
			},
			&cli.DurationFlag{
				Name:  "slice",
				Usage: "slice length granted to an mcs lock holder, 0 disables slices",
				Value: conf.GetDurationVar(100, time.Microsecond, "FairLock.sliceSize"),
			},
			&cli.DurationFlag{
				Name:  "inactive-threshold",
				Usage: "idle time after which a contender is forgotten",
				Value: conf.GetDurationVar(1, time.Second, "FairLock.inactiveThreshold"),
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "do not log progress",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, conf)
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context, conf *config.Config) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one critical section length is required", 2)
	}
	sections, err := bench.ParseSections(c.Args().Slice())
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	conf.Set("FairBench.lock", c.String("lock"))
	conf.Set("FairBench.duration", c.Duration("duration"))
	conf.Set("FairLock.sliceSize", c.Duration("slice"))
	conf.Set("FairLock.inactiveThreshold", c.Duration("inactive-threshold"))
	if c.Bool("quiet") {
		conf.Set("FairBench.progressInterval", 0)
	}

	log := logger.NewLogger().Child("fairbench")
	b, err := bench.New(conf, stats.NOP, log, sections)
	if err != nil {
		return err
	}

	log.Infon("Starting benchmark",
		logger.NewStringField("lock", c.String("lock")),
		logger.NewIntField("contenders", int64(len(sections))),
	)
	report, err := b.Run(c.Context)
	if err != nil {
		return err
	}
	if err := report.Render(os.Stdout); err != nil {
		return err
	}

	top, share := report.MaxShare()
	log.Infon("Benchmark finished",
		logger.NewIntField("topContender", int64(top.ID)),
		logger.NewIntField("topSharePercent", int64(share*100)),
	)
	return nil
}
