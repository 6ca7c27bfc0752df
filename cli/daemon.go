// ABOUTME: Long-running sync daemon
// ABOUTME: Resumes interrupted jobs at startup, then runs scheduled passes until signalled
package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/harperreed/mailsync/scheduler"
)

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "Run scheduled syncs for every active account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "schedule", Usage: "cron schedule (default from MAILSYNC_SYNC_SCHEDULE)"},
			&cli.StringFlag{Name: "type", Value: "all", Usage: "sync types to run each pass"},
			&cli.BoolFlag{Name: "now", Usage: "run one pass immediately"},
			&cli.BoolFlag{Name: "no-resume", Usage: "leave interrupted jobs alone at startup"},
		},
		Action: daemonAction,
	}
}

func daemonAction(c *cli.Context) error {
	types := parseSyncTypes(c.String("type"))
	if len(types) == 0 {
		return fmt.Errorf("no valid sync type in %q", c.String("type"))
	}

	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := withSignals(c.Context)
	defer stop()

	svc, err := env.service(ctx)
	if err != nil {
		return err
	}

	if !c.Bool("no-resume") {
		results, err := svc.ResumeInterrupted(ctx)
		if err != nil {
			env.logger.Warn("some interrupted jobs could not be resumed", zap.Error(err))
		}
		if len(results) > 0 {
			env.logger.Info("resumed interrupted jobs", zap.Int("count", len(results)))
		}
	}

	opts := env.cfg.SchedulerOptions()
	opts.Types = types
	if s := c.String("schedule"); s != "" {
		opts.Schedule = s
	}
	sched, err := scheduler.New(env.db, svc, env.logger, opts)
	if err != nil {
		return err
	}

	if c.Bool("now") {
		sched.RunOnce(ctx)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "mailsync daemon running (%s). Press Ctrl+C to stop.\n", opts.Schedule)

	<-ctx.Done()
	env.logger.Info("shutting down")
	sched.Stop()
	return nil
}
