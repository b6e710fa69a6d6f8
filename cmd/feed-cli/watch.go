package main

import (
	"fmt"
	"log/slog"

	"github.com/robertmeta/feedreader/reader"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
)

// newScheduler returns a cron scheduler running job on schedule.
// A run that is still going when the next one is due makes that one skip.
func newScheduler(schedule string, logger *slog.Logger, job func()) (*cron.Cron, error) {
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(schedule, job); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return c, nil
}

func watch(c *cli.Context) error {
	logger := newLogger(c.App.ErrWriter, c.Bool("verbose"))

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	ctx := c.Context
	job := func() {
		logger.Info("starting scheduled update")
		summary, err := runUpdate(ctx, r, "", reader.UpdateOptions{})
		if err != nil {
			logger.Error("scheduled update failed", "err", err)
			return
		}
		// One JSON document per run.
		if err := outputJSON(c.App.Writer, summary); err != nil {
			logger.Error("failed to write summary", "err", err)
		}
	}

	sched, err := newScheduler(c.String("schedule"), logger, job)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	if c.Bool("now") {
		job()
	}

	sched.Start()
	logger.Info("watching feeds", "schedule", c.String("schedule"))
	<-ctx.Done()

	// Wait for a running update to notice cancellation and finish.
	<-sched.Stop().Done()
	return nil
}
