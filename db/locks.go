// ABOUTME: Single-flight sync locks per (account, sync type)
// ABOUTME: The same row doubles as the read-only status snapshot for GetSyncStatus
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harperreed/mailsync/models"
)

// ClaimSyncLock atomically flips is_syncing from 0 to 1. It reports false
// when another run already holds the lock. jobID may be empty and attached
// later with AttachLockJob.
func ClaimSyncLock(ctx context.Context, db *sql.DB, accountID string, syncType models.SyncType, jobID string) (bool, error) {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_locks (account_id, sync_type, is_syncing, job_id, last_sync_start,
			total_items, processed_items, failed_items, last_error, updated_at)
		VALUES (?, ?, 1, ?, ?, 0, 0, 0, NULL, ?)
		ON CONFLICT(account_id, sync_type) DO UPDATE SET
			is_syncing = 1,
			job_id = excluded.job_id,
			last_sync_start = excluded.last_sync_start,
			total_items = 0,
			processed_items = 0,
			failed_items = 0,
			last_error = NULL,
			updated_at = excluded.updated_at
		WHERE sync_locks.is_syncing = 0
	`, accountID, string(syncType), nullableString(jobID), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim sync lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim sync lock: %w", err)
	}
	return n == 1, nil
}

// ReclaimSyncLock takes over a lock left behind by jobID after a crash.
// It succeeds when the lock is free or still held by that same job.
func ReclaimSyncLock(ctx context.Context, db *sql.DB, accountID string, syncType models.SyncType, jobID string) (bool, error) {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_locks (account_id, sync_type, is_syncing, job_id, last_sync_start, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(account_id, sync_type) DO UPDATE SET
			is_syncing = 1,
			job_id = excluded.job_id,
			last_error = NULL,
			updated_at = excluded.updated_at
		WHERE sync_locks.is_syncing = 0 OR sync_locks.job_id = excluded.job_id
	`, accountID, string(syncType), jobID, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim sync lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reclaim sync lock: %w", err)
	}
	return n == 1, nil
}

func AttachLockJob(ctx context.Context, db *sql.DB, accountID string, syncType models.SyncType, jobID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sync_locks SET job_id = ?, updated_at = ?
		WHERE account_id = ? AND sync_type = ?
	`, jobID, time.Now().UTC(), accountID, string(syncType))
	if err != nil {
		return fmt.Errorf("failed to attach job to sync lock: %w", err)
	}
	return nil
}

// Progress is the counter triple shared by job rows and the status snapshot.
type Progress struct {
	Total     int
	Processed int
	Failed    int
}

// UpdateLockProgress only touches the snapshot while jobID still owns the lock.
func UpdateLockProgress(ctx context.Context, db *sql.DB, accountID string, syncType models.SyncType, jobID string, p Progress) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sync_locks SET total_items = ?, processed_items = ?, failed_items = ?, updated_at = ?
		WHERE account_id = ? AND sync_type = ? AND COALESCE(job_id, '') = ?
	`, p.Total, p.Processed, p.Failed, time.Now().UTC(), accountID, string(syncType), jobID)
	if err != nil {
		return fmt.Errorf("failed to update sync progress: %w", err)
	}
	return nil
}

// ReleaseSyncLock clears is_syncing when jobID (empty for a run that never
// got a job) still owns the lock. A nil lastErr records a successful
// completion time; a non-nil one records the error and leaves
// last_sync_complete untouched.
func ReleaseSyncLock(ctx context.Context, db *sql.DB, accountID string, syncType models.SyncType, jobID string, p Progress, lastErr *string) error {
	now := time.Now().UTC()
	var err error
	if lastErr == nil {
		_, err = db.ExecContext(ctx, `
			UPDATE sync_locks SET is_syncing = 0, last_sync_complete = ?, last_error = NULL,
				total_items = ?, processed_items = ?, failed_items = ?, updated_at = ?
			WHERE account_id = ? AND sync_type = ? AND COALESCE(job_id, '') = ? AND is_syncing = 1
		`, now, p.Total, p.Processed, p.Failed, now, accountID, string(syncType), jobID)
	} else {
		_, err = db.ExecContext(ctx, `
			UPDATE sync_locks SET is_syncing = 0, last_error = ?,
				total_items = ?, processed_items = ?, failed_items = ?, updated_at = ?
			WHERE account_id = ? AND sync_type = ? AND COALESCE(job_id, '') = ? AND is_syncing = 1
		`, *lastErr, p.Total, p.Processed, p.Failed, now, accountID, string(syncType), jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}

// ReleaseStaleLocks frees locks a crash left held: locks whose job is
// terminal or gone, and locks claimed before orphanBefore that never got a
// job attached. A completed job's lock records its completion time; any other
// records the job's error, or msg when there is none.
func ReleaseStaleLocks(ctx context.Context, db *sql.DB, orphanBefore time.Time, msg string) (int, error) {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		UPDATE sync_locks SET
			is_syncing = 0,
			last_sync_complete = CASE
				WHEN (SELECT status FROM sync_jobs WHERE id = sync_locks.job_id) = 'completed'
				THEN COALESCE((SELECT completed_at FROM sync_jobs WHERE id = sync_locks.job_id), ?)
				ELSE last_sync_complete END,
			last_error = CASE
				WHEN (SELECT status FROM sync_jobs WHERE id = sync_locks.job_id) = 'completed' THEN NULL
				ELSE COALESCE((SELECT error FROM sync_jobs WHERE id = sync_locks.job_id), ?) END,
			updated_at = ?
		WHERE is_syncing = 1 AND (
			(job_id IS NULL AND last_sync_start < ?)
			OR (job_id IS NOT NULL AND NOT EXISTS (
				SELECT 1 FROM sync_jobs WHERE id = sync_locks.job_id AND status IN ('pending', 'processing')))
		)
	`, now, msg, now, orphanBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale sync locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to release stale sync locks: %w", err)
	}
	return int(n), nil
}

// GetSyncStatus never blocks on a running sync; a missing row is reported as idle.
func GetSyncStatus(ctx context.Context, db *sql.DB, accountID string, syncType models.SyncType) (*models.SyncStatus, error) {
	status := &models.SyncStatus{AccountID: accountID, Type: syncType}
	var jobID, lastError sql.NullString
	var start, complete sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT is_syncing, job_id, last_sync_start, last_sync_complete,
			total_items, processed_items, failed_items, last_error
		FROM sync_locks WHERE account_id = ? AND sync_type = ?
	`, accountID, string(syncType)).Scan(
		&status.IsSyncing, &jobID, &start, &complete,
		&status.TotalItems, &status.ProcessedItems, &status.FailedItems, &lastError,
	)
	if err == sql.ErrNoRows {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}

	status.JobID = jobID.String
	status.LastSyncStart = nullTimePtr(start)
	status.LastSyncComplete = nullTimePtr(complete)
	status.LastError = nullStringPtr(lastError)
	return status, nil
}
