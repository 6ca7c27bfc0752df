// ABOUTME: Durable step log for sync jobs
// ABOUTME: Records each completed step's JSON result so a resumed job replays instead of refetching
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LoadStep returns the recorded result of a step and whether it exists.
func LoadStep(ctx context.Context, db *sql.DB, jobID, name string) (json.RawMessage, bool, error) {
	var result string
	err := db.QueryRowContext(ctx, `SELECT result FROM sync_steps WHERE job_id = ? AND name = ?`, jobID, name).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load step %s: %w", name, err)
	}
	return json.RawMessage(result), true, nil
}

// SaveStep records a step result. Saving an existing step keeps the first result.
func SaveStep(ctx context.Context, db *sql.DB, jobID, name string, result json.RawMessage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_steps (job_id, name, result, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, name) DO NOTHING
	`, jobID, name, string(result), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save step %s: %w", name, err)
	}
	return nil
}

// ListStepNames returns a job's recorded steps in completion order.
func ListStepNames(ctx context.Context, db *sql.DB, jobID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sync_steps WHERE job_id = ? ORDER BY completed_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
