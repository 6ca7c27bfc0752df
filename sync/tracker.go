// ABOUTME: Sync job tracker that persists lifecycle, counters, and errors for one run
// ABOUTME: Write failures after creation are logged and never abort the run
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/events"
	"github.com/harperreed/mailsync/models"
)

type Tracker struct {
	db        *sql.DB
	logger    *zap.Logger
	publisher events.Publisher
	now       func() time.Time
}

func NewTracker(database *sql.DB, logger *zap.Logger, publisher events.Publisher) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Tracker{db: database, logger: logger, publisher: publisher, now: time.Now}
}

// Create inserts a pending job with zero counters. Unlike later writes, a
// failure here is returned: a run without a job row has nothing to report to.
func (t *Tracker) Create(ctx context.Context, account *models.Account, syncType models.SyncType, config map[string]any) (*models.SyncJob, error) {
	job := &models.SyncJob{
		UserID:    account.UserID,
		AccountID: account.ID,
		Type:      syncType,
		Status:    models.JobPending,
	}
	if len(config) > 0 {
		raw, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job config: %w", err)
		}
		job.Config = raw
	}
	if err := db.CreateJob(ctx, t.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (t *Tracker) Get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return db.GetJob(ctx, t.db, jobID)
}

// Update merges u into the job row. Errors are logged only.
func (t *Tracker) Update(ctx context.Context, jobID string, u db.JobUpdate) {
	if err := db.UpdateJob(ctx, t.db, jobID, u); err != nil {
		t.logger.Warn("failed to update sync job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (t *Tracker) Start(ctx context.Context, job *models.SyncJob) {
	status := models.JobProcessing
	t.Update(ctx, job.ID, db.JobUpdate{Status: &status})
	now := t.now()
	job.Status = status
	job.StartedAt = &now
	t.publish(ctx, job, events.JobStarted, db.Progress{}, "")
}

func (t *Tracker) Progress(ctx context.Context, job *models.SyncJob, p db.Progress) {
	t.Update(ctx, job.ID, counters(p))
	t.publish(ctx, job, events.JobProgress, p, "")
}

func (t *Tracker) Complete(ctx context.Context, job *models.SyncJob, p db.Progress, result map[string]any) {
	u := counters(p)
	status := models.JobCompleted
	u.Status = &status
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			t.logger.Warn("failed to encode job result", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			u.Result = raw
		}
	}
	t.Update(ctx, job.ID, u)
	job.Status = status
	t.publish(ctx, job, events.JobCompleted, p, "")
}

func (t *Tracker) Fail(ctx context.Context, job *models.SyncJob, p db.Progress, message string) {
	u := counters(p)
	status := models.JobFailed
	u.Status = &status
	u.Error = &message
	t.Update(ctx, job.ID, u)
	job.Status = status
	t.publish(ctx, job, events.JobFailed, p, message)
}

// Cancel is the administrative override for a stuck job. Unlike the run's
// own writes it reports failure, since the caller acts on the result.
func (t *Tracker) Cancel(ctx context.Context, jobID, reason string) (*models.SyncJob, error) {
	status := models.JobCancelled
	if err := db.UpdateJob(ctx, t.db, jobID, db.JobUpdate{Status: &status, Error: &reason}); err != nil {
		return nil, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	job, err := db.GetJob(ctx, t.db, jobID)
	if err != nil {
		return nil, err
	}
	t.publish(ctx, job, events.JobCancelled, db.Progress{
		Total: job.TotalItems, Processed: job.ProcessedItems, Failed: job.FailedItems,
	}, reason)
	return job, nil
}

func (t *Tracker) publish(ctx context.Context, job *models.SyncJob, kind events.Kind, p db.Progress, errText string) {
	err := t.publisher.Publish(ctx, events.JobEvent{
		Kind:      kind,
		JobID:     job.ID,
		AccountID: job.AccountID,
		UserID:    job.UserID,
		SyncType:  string(job.Type),
		Status:    string(job.Status),
		Total:     p.Total,
		Processed: p.Processed,
		Failed:    p.Failed,
		Error:     errText,
		At:        t.now().UTC(),
	})
	if err != nil {
		t.logger.Debug("failed to publish job event", zap.String("job_id", job.ID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func counters(p db.Progress) db.JobUpdate {
	total, processed, failed := p.Total, p.Processed, p.Failed
	return db.JobUpdate{TotalItems: &total, ProcessedItems: &processed, FailedItems: &failed}
}
