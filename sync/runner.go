// ABOUTME: Shared fetch-paginate-persist harness handed to each provider strategy
// ABOUTME: Owns the rate-limited fetch path and the per-run progress counters
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/fetch"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/ratelimit"
	"github.com/harperreed/mailsync/workflow"
)

// Status is the closed set of outcomes callers of StartSync see.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusAlreadySyncing    Status = "already_syncing"
	StatusNoCalendars       Status = "no_calendars"
	StatusNoPrimaryCalendar Status = "no_primary_calendar"
	StatusNoMessages        Status = "no_messages"
	StatusError             Status = "error"
)

// Token cost per upstream call site.
const (
	costList    = 5
	costHistory = 2
	costGet     = 1
)

// Strategy implements one data domain's sync loop.
type Strategy interface {
	Type() models.SyncType
	Run(ctx context.Context, r *Run) (*Outcome, error)
}

// Outcome is what a strategy returns on a run that did not fail. Cursor is
// merged into the account's sync state before the job is marked completed.
type Outcome struct {
	Status  Status
	Cursor  models.Cursor
	Details map[string]any
}

// tally is the per-step counter delta. Steps return it so a replayed step
// contributes the same counts it did the first time.
type tally struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func (t *tally) ok()   { t.Processed++ }
func (t *tally) fail() { t.Failed++ }

// Run is the state of one sync run. Counters are mutated only by the
// goroutine executing the strategy.
type Run struct {
	Account        *models.Account
	Job            *models.SyncJob
	ExternalUserID string
	State          models.SyncState
	Steps          workflow.Stepper
	Settings       Settings
	Logger         *zap.Logger

	db       *sql.DB
	fetcher  fetch.Client
	bucket   *ratelimit.Bucket
	tracker  *Tracker
	now      func() time.Time
	progress db.Progress
}

func (r *Run) DB() *sql.DB { return r.db }

func (r *Run) Now() time.Time { return r.now() }

// Fetch waits for cost tokens, performs a GET through the fetch client, and
// decodes the JSON body into out.
func (r *Run) Fetch(ctx context.Context, cost int, url string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.bucket.Wait(ctx, cost, r.Settings.RateLimitTimeout); err != nil {
		return err
	}
	body, err := r.fetcher.Do(ctx, fetch.Request{
		AccountID:      r.Account.ExternalAccountID,
		ExternalUserID: r.ExternalUserID,
		URL:            url,
		Method:         "GET",
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

func (r *Run) Progress() db.Progress { return r.progress }

// Add applies a finished step's counts.
func (r *Run) Add(t tally) {
	r.progress.Processed += t.Processed
	r.progress.Failed += t.Failed
	if r.progress.Total > 0 && r.progress.Processed+r.progress.Failed > r.progress.Total {
		r.progress.Total = r.progress.Processed + r.progress.Failed
	}
}

func (r *Run) SetTotal(n int) {
	if done := r.progress.Processed + r.progress.Failed; n < done {
		n = done
	}
	r.progress.Total = n
}

// Report pushes the counters to the job row and the status snapshot.
func (r *Run) Report(ctx context.Context) {
	r.report(ctx, r.progress)
}

// Tick is called after each record inside a step. Every ProgressEvery
// records it reports the committed counters plus the step's running tally
// without committing them.
func (r *Run) Tick(ctx context.Context, t tally) {
	every := r.Settings.ProgressEvery
	if every <= 0 {
		return
	}
	if n := t.Processed + t.Failed; n == 0 || n%every != 0 {
		return
	}
	p := r.progress
	p.Processed += t.Processed
	p.Failed += t.Failed
	if p.Total < p.Processed+p.Failed {
		p.Total = p.Processed + p.Failed
	}
	r.report(ctx, p)
}

func (r *Run) report(ctx context.Context, p db.Progress) {
	r.tracker.Progress(ctx, r.Job, p)
	if err := db.UpdateLockProgress(ctx, r.db, r.Account.ID, r.Job.Type, r.Job.ID, p); err != nil {
		r.Logger.Warn("failed to update sync status", zap.Error(err))
	}
}

// recordFailure logs a per-record failure. The caller counts it.
func (r *Run) recordFailure(kind, id string, err error) {
	r.Logger.Warn("failed to sync record", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
}
