// ABOUTME: Cron-driven periodic syncs over every active account and sync type
// ABOUTME: Overlapping ticks are skipped and a panicking tick never kills the daemon
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/sync"
)

// DefaultSchedule runs a pass every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// Syncer is the slice of sync.Service the scheduler drives.
type Syncer interface {
	StartSync(ctx context.Context, accountID string, syncType models.SyncType, externalUserID string) (*sync.Result, error)
}

type Options struct {
	Schedule string
	Types    []models.SyncType
	// RunTimeout bounds one full pass. Zero means no bound.
	RunTimeout time.Duration
}

// Summary counts the outcomes of one pass.
type Summary struct {
	Started  int
	Skipped  int
	Failed   int
	Accounts int
}

type Scheduler struct {
	db     *sql.DB
	syncer Syncer
	logger *zap.Logger
	opts   Options

	cron   *cronv3.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(database *sql.DB, syncer Syncer, logger *zap.Logger, opts Options) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if len(opts.Types) == 0 {
		opts.Types = models.AllSyncTypes
	}
	if _, err := cronv3.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", opts.Schedule, err)
	}
	return &Scheduler{db: database, syncer: syncer, logger: logger.Named("scheduler"), opts: opts}, nil
}

// Start registers the pass on the cron and starts it. Passes run with ctx
// until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	cl := cronLogger{s.logger.Sugar()}
	c := cronv3.New(cronv3.WithChain(
		cronv3.SkipIfStillRunning(cl),
		cronv3.Recover(cl),
	))
	if _, err := c.AddFunc(s.opts.Schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("failed to register sync pass: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", zap.String("schedule", s.opts.Schedule))
	return nil
}

// Stop cancels any running pass and waits for it to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("scheduler stopped")
}

// RunOnce starts a sync for every active account and configured type, one
// at a time. A failing account does not stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	var sum Summary
	accounts, err := db.ListAccounts(ctx, s.db, true)
	if err != nil {
		s.logger.Error("failed to list accounts", zap.Error(err))
		return sum
	}
	sum.Accounts = len(accounts)

	for _, account := range accounts {
		for _, syncType := range s.opts.Types {
			if ctx.Err() != nil {
				s.logger.Warn("sync pass interrupted", zap.Error(ctx.Err()))
				return sum
			}
			res, err := s.syncer.StartSync(ctx, account.ID, syncType, "")
			switch {
			case err != nil:
				sum.Failed++
				s.logger.Warn("scheduled sync failed",
					zap.String("account_id", account.ID),
					zap.String("sync_type", string(syncType)),
					zap.Error(err))
			case res.Status == sync.StatusAlreadySyncing:
				sum.Skipped++
			default:
				sum.Started++
			}
		}
	}

	s.logger.Info("sync pass finished",
		zap.Int("accounts", sum.Accounts),
		zap.Int("started", sum.Started),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed))
	return sum
}

// cronLogger adapts zap to cron's logr-style logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
