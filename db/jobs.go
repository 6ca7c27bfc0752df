// ABOUTME: Sync job row persistence with lifecycle enforcement
// ABOUTME: Updates merge partial fields and refuse to touch terminal jobs
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harperreed/mailsync/models"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrJobTerminal is returned when updating a completed, failed, or cancelled job.
	ErrJobTerminal = errors.New("sync job already finished")
	// ErrInvalidTransition is returned for a non-monotonic status change.
	ErrInvalidTransition = errors.New("invalid sync job status transition")
)

// JobUpdate carries the fields to merge into a job row. Nil fields are left alone.
type JobUpdate struct {
	Status         *models.JobStatus
	TotalItems     *int
	ProcessedItems *int
	FailedItems    *int
	Result         json.RawMessage
	Error          *string
}

// CreateJob inserts a job row. ID, CreatedAt, and Status are filled in when empty.
func CreateJob(ctx context.Context, db *sql.DB, job *models.SyncJob) error {
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	if job.Status == models.JobProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, user_id, account_id, type, status, total_items, processed_items, failed_items,
			config, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?)
	`, job.ID, job.UserID, job.AccountID, string(job.Type), string(job.Status),
		rawOrNil(job.Config), job.StartedAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

const jobColumns = `id, user_id, account_id, type, status, total_items, processed_items, failed_items,
	config, result, error, started_at, completed_at, created_at`

func scanJob(row rowScanner) (*models.SyncJob, error) {
	var j models.SyncJob
	var config, result, jobErr sql.NullString
	var started, completed sql.NullTime
	var typ, status string

	if err := row.Scan(&j.ID, &j.UserID, &j.AccountID, &typ, &status,
		&j.TotalItems, &j.ProcessedItems, &j.FailedItems,
		&config, &result, &jobErr, &started, &completed, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Type = models.SyncType(typ)
	j.Status = models.JobStatus(status)
	if config.Valid {
		j.Config = json.RawMessage(config.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = nullStringPtr(jobErr)
	j.StartedAt = nullTimePtr(started)
	j.CompletedAt = nullTimePtr(completed)
	return &j, nil
}

func GetJob(ctx context.Context, db *sql.DB, id string) (*models.SyncJob, error) {
	job, err := scanJob(db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus returns jobs in the given status, oldest first.
func ListJobsByStatus(ctx context.Context, db *sql.DB, status models.JobStatus) ([]*models.SyncJob, error) {
	return queryJobs(ctx, db, `SELECT `+jobColumns+` FROM sync_jobs WHERE status = ? ORDER BY id`, string(status))
}

// ListRecentJobs returns the newest jobs for an account, newest first.
func ListRecentJobs(ctx context.Context, db *sql.DB, accountID string, limit int) ([]*models.SyncJob, error) {
	if limit <= 0 {
		limit = 10
	}
	return queryJobs(ctx, db, `SELECT `+jobColumns+` FROM sync_jobs WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
}

func queryJobs(ctx context.Context, db *sql.DB, query string, args ...any) ([]*models.SyncJob, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*models.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob merges u into the job row inside a transaction. Once counters
// are known, total_items is raised so processed + failed never exceeds it.
func UpdateJob(ctx context.Context, db *sql.DB, id string, u JobUpdate) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin job update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load sync job: %w", err)
	}

	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
	}
	if u.Status != nil && !job.Status.CanTransitionTo(*u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *u.Status)
	}

	now := time.Now().UTC()
	if u.Status != nil {
		job.Status = *u.Status
		if job.Status == models.JobProcessing && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if job.Status.IsTerminal() {
			job.CompletedAt = &now
		}
	}
	if u.TotalItems != nil {
		job.TotalItems = *u.TotalItems
	}
	if u.ProcessedItems != nil {
		job.ProcessedItems = *u.ProcessedItems
	}
	if u.FailedItems != nil {
		job.FailedItems = *u.FailedItems
	}
	if job.TotalItems > 0 && job.ProcessedItems+job.FailedItems > job.TotalItems {
		job.TotalItems = job.ProcessedItems + job.FailedItems
	}
	if u.Result != nil {
		job.Result = u.Result
	}
	if u.Error != nil {
		job.Error = u.Error
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, total_items = ?, processed_items = ?, failed_items = ?,
			result = ?, error = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(job.Status), job.TotalItems, job.ProcessedItems, job.FailedItems,
		rawOrNil(job.Result), job.Error, job.StartedAt, job.CompletedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update sync job: %w", err)
	}

	return tx.Commit()
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
