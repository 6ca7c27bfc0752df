// ABOUTME: Sync CLI commands
// ABOUTME: Runs syncs in the foreground, reports status and jobs, resumes and cancels jobs
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a sync for one account in the foreground",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "account id", Required: true},
			&cli.StringFlag{Name: "type", Value: "all", Usage: "email, calendar, contacts, a comma list, or all"},
			&cli.StringFlag{Name: "external-user", Usage: "external user id for the proxy (default: account owner)"},
		},
		Action: syncAction,
	}
}

func syncAction(c *cli.Context) error {
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

	var failed []string
	for _, syncType := range types {
		res, err := svc.StartSync(ctx, c.String("account"), syncType, c.String("external-user"))
		if res != nil {
			fmt.Fprintln(c.App.Writer, renderResult(syncType, res))
		}
		if err != nil {
			env.logger.Debug("sync failed", zap.String("sync_type", string(syncType)), zap.Error(err))
			failed = append(failed, string(syncType))
			if ctx.Err() != nil {
				break
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("sync failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the sync status of one or every account",
		Flags: []cli.Flag{&cli.StringFlag{Name: "account", Usage: "account id (default: all accounts)"}},
		Action: func(c *cli.Context) error {
			env, err := openEnv(c)
			if err != nil {
				return err
			}
			defer env.Close()

			var accounts []*models.Account
			if id := c.String("account"); id != "" {
				a, err := db.GetAccount(c.Context, env.db, id)
				if err != nil {
					return fmt.Errorf("failed to load account %s: %w", id, err)
				}
				accounts = append(accounts, a)
			} else if accounts, err = db.ListAccounts(c.Context, env.db, false); err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Fprint(c.App.Writer, renderAccounts(nil, time.Now()))
				return nil
			}

			now := time.Now()
			for _, a := range accounts {
				statuses := make([]*models.SyncStatus, 0, len(models.AllSyncTypes))
				for _, t := range models.AllSyncTypes {
					st, err := db.GetSyncStatus(c.Context, env.db, a.ID, t)
					if err != nil {
						return err
					}
					statuses = append(statuses, st)
				}
				fmt.Fprintln(c.App.Writer, renderStatus(a, statuses, now))
			}
			return nil
		},
	}
}

func jobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "List recent sync jobs for an account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "account id", Required: true},
			&cli.IntFlag{Name: "limit", Value: 10},
		},
		Action: func(c *cli.Context) error {
			env, err := openEnv(c)
			if err != nil {
				return err
			}
			defer env.Close()

			jobs, err := db.ListRecentJobs(c.Context, env.db, c.String("account"), c.Int("limit"))
			if err != nil {
				return err
			}
			fmt.Fprint(c.App.Writer, renderJobs(jobs, time.Now()))
			return nil
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume an interrupted job, or every interrupted job with --all",
		ArgsUsage: "[job-id]",
		Flags:     []cli.Flag{&cli.BoolFlag{Name: "all", Usage: "resume every job left processing"}},
		Action: func(c *cli.Context) error {
			jobID := c.Args().First()
			if jobID == "" && !c.Bool("all") {
				return fmt.Errorf("a job id or --all is required")
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

			if c.Bool("all") {
				results, err := svc.ResumeInterrupted(ctx)
				for _, r := range results {
					fmt.Fprintf(c.App.Writer, "%s  %s %s\n", r.JobID, r.Status, progress(r.Processed, r.Failed, r.Total))
				}
				if len(results) == 0 && err == nil {
					fmt.Fprintln(c.App.Writer, mutedStyle.Render("Nothing to resume."))
				}
				return err
			}

			res, err := svc.Resume(ctx, jobID)
			if res != nil {
				fmt.Fprintf(c.App.Writer, "%s  %s %s\n", jobID, res.Status, progress(res.Processed, res.Failed, res.Total))
			}
			return err
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a stuck job and release its lock",
		ArgsUsage: "<job-id>",
		Flags:     []cli.Flag{&cli.StringFlag{Name: "reason", Value: "cancelled by operator"}},
		Action: func(c *cli.Context) error {
			jobID := c.Args().First()
			if jobID == "" {
				return fmt.Errorf("job id is required")
			}
			env, err := openEnv(c)
			if err != nil {
				return err
			}
			defer env.Close()

			job, err := env.adminService().Cancel(c.Context, jobID, c.String("reason"))
			if errors.Is(err, db.ErrJobTerminal) {
				return fmt.Errorf("job %s already finished", jobID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Cancelled job %s (%s)\n", job.ID, job.Type)
			return nil
		},
	}
}

// parseSyncTypes accepts "all" or a comma list. Unknown names are ignored
// and duplicates collapse.
func parseSyncTypes(input string) []models.SyncType {
	if strings.TrimSpace(input) == "all" {
		return models.AllSyncTypes
	}
	var out []models.SyncType
	seen := make(map[models.SyncType]bool)
	for _, part := range strings.Split(input, ",") {
		t, err := models.ParseSyncType(strings.TrimSpace(part))
		if err != nil || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// withSignals cancels ctx on SIGINT or SIGTERM.
func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
