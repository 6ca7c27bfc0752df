// ABOUTME: Data models for sync jobs, connected accounts, and status snapshots
// ABOUTME: Defines SyncType, JobStatus lifecycle rules, SyncJob, Account, and SyncStatus
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncType identifies the data domain a sync run pulls.
type SyncType string

const (
	SyncTypeEmail    SyncType = "email"
	SyncTypeCalendar SyncType = "calendar"
	SyncTypeContacts SyncType = "contacts"
)

// AllSyncTypes lists every sync type in the order the scheduler runs them.
var AllSyncTypes = []SyncType{SyncTypeEmail, SyncTypeCalendar, SyncTypeContacts}

// ParseSyncType validates a user supplied sync type.
func ParseSyncType(s string) (SyncType, error) {
	switch SyncType(s) {
	case SyncTypeEmail, SyncTypeCalendar, SyncTypeContacts:
		return SyncType(s), nil
	case "gmail":
		return SyncTypeEmail, nil
	}
	return "", fmt.Errorf("unknown sync type %q (want email, calendar, or contacts)", s)
}

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransitionTo enforces pending -> processing -> {completed|failed}.
// Cancelled is only reachable as an administrative override of a live job.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	switch s {
	case JobPending:
		return next == JobProcessing || next == JobFailed || next == JobCancelled
	case JobProcessing:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	}
	return false
}

// SyncJob is one row per sync attempt.
type SyncJob struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	AccountID      string          `json:"account_id"`
	Type           SyncType        `json:"type"`
	Status         JobStatus       `json:"status"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	FailedItems    int             `json:"failed_items"`
	Config         json.RawMessage `json:"config,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Account is a connected upstream credential.
type Account struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	ExternalAccountID string     `json:"external_account_id"`
	Email             string     `json:"email"`
	Provider          string     `json:"provider"`
	IsActive          bool       `json:"is_active"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	SyncState         SyncState  `json:"sync_state"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ProviderGoogle is the only provider the sync strategies speak to today.
const ProviderGoogle = "google"

// SyncStatus is the read-only snapshot returned by GetSyncStatus.
type SyncStatus struct {
	AccountID        string     `json:"account_id"`
	Type             SyncType   `json:"type"`
	IsSyncing        bool       `json:"is_syncing"`
	JobID            string     `json:"job_id,omitempty"`
	LastSyncStart    *time.Time `json:"last_sync_start,omitempty"`
	LastSyncComplete *time.Time `json:"last_sync_complete,omitempty"`
	TotalItems       int        `json:"total_items"`
	ProcessedItems   int        `json:"processed_items"`
	FailedItems      int        `json:"failed_items"`
	LastError        *string    `json:"last_error,omitempty"`
}
