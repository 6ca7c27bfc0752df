// ABOUTME: Sync MCP tool handlers
// ABOUTME: Implements start_sync, get_sync_status, list_sync_jobs, and cancel_sync_job tools
package handlers

import (
	"context"
	"database/sql"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/sync"
)

// SyncService is the slice of sync.Service the tools call.
type SyncService interface {
	StartSync(ctx context.Context, accountID string, syncType models.SyncType, externalUserID string) (*sync.Result, error)
	GetSyncStatus(ctx context.Context, accountID string, syncType models.SyncType) (*models.SyncStatus, error)
	Cancel(ctx context.Context, jobID, reason string) (*models.SyncJob, error)
}

type SyncHandlers struct {
	db     *sql.DB
	svc    SyncService
	logger *zap.Logger

	// background runs outlive the tool call but not the server
	bg context.Context
	wg stdsync.WaitGroup
}

func NewSyncHandlers(bg context.Context, database *sql.DB, svc SyncService, logger *zap.Logger) *SyncHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandlers{db: database, svc: svc, logger: logger, bg: bg}
}

// Wait blocks until every background sync started by a tool call returns.
func (h *SyncHandlers) Wait() { h.wg.Wait() }

type StartSyncInput struct {
	AccountID      string `json:"account_id" jsonschema:"Account id (required)"`
	Type           string `json:"type" jsonschema:"Sync type: email, calendar, or contacts (required)"`
	ExternalUserID string `json:"external_user_id,omitempty" jsonschema:"External user id for the proxy (defaults to the account owner)"`
	Wait           bool   `json:"wait,omitempty" jsonschema:"Block until the sync finishes instead of running it in the background"`
}

type SyncResultOutput struct {
	Status    string         `json:"status"`
	JobID     string         `json:"job_id,omitempty"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (h *SyncHandlers) StartSync(ctx context.Context, _ *mcp.CallToolRequest, input StartSyncInput) (*mcp.CallToolResult, SyncResultOutput, error) {
	if input.AccountID == "" {
		return nil, SyncResultOutput{}, fmt.Errorf("account_id is required")
	}
	syncType, err := models.ParseSyncType(input.Type)
	if err != nil {
		return nil, SyncResultOutput{}, err
	}

	if !input.Wait {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if _, err := h.svc.StartSync(h.bg, input.AccountID, syncType, input.ExternalUserID); err != nil {
				h.logger.Warn("background sync failed",
					zap.String("account_id", input.AccountID),
					zap.String("sync_type", string(syncType)),
					zap.Error(err))
			}
		}()
		return nil, SyncResultOutput{
			Status:  "started",
			Message: "Sync started in the background. Poll get_sync_status for progress.",
		}, nil
	}

	res, err := h.svc.StartSync(ctx, input.AccountID, syncType, input.ExternalUserID)
	if res == nil {
		return nil, SyncResultOutput{}, fmt.Errorf("failed to start sync: %w", err)
	}
	// the message on a failed result is already safe to show
	return nil, resultToOutput(res), nil
}

type GetSyncStatusInput struct {
	AccountID string `json:"account_id" jsonschema:"Account id (required)"`
	Type      string `json:"type" jsonschema:"Sync type: email, calendar, or contacts (required)"`
}

type SyncStatusOutput struct {
	AccountID        string `json:"account_id"`
	Type             string `json:"type"`
	IsSyncing        bool   `json:"is_syncing"`
	JobID            string `json:"job_id,omitempty"`
	LastSyncStart    string `json:"last_sync_start,omitempty"`
	LastSyncComplete string `json:"last_sync_complete,omitempty"`
	TotalItems       int    `json:"total_items"`
	ProcessedItems   int    `json:"processed_items"`
	FailedItems      int    `json:"failed_items"`
	LastError        string `json:"last_error,omitempty"`
}

func (h *SyncHandlers) GetSyncStatus(ctx context.Context, _ *mcp.CallToolRequest, input GetSyncStatusInput) (*mcp.CallToolResult, SyncStatusOutput, error) {
	if input.AccountID == "" {
		return nil, SyncStatusOutput{}, fmt.Errorf("account_id is required")
	}
	syncType, err := models.ParseSyncType(input.Type)
	if err != nil {
		return nil, SyncStatusOutput{}, err
	}
	status, err := h.svc.GetSyncStatus(ctx, input.AccountID, syncType)
	if err != nil {
		return nil, SyncStatusOutput{}, fmt.Errorf("failed to get sync status: %w", err)
	}
	return nil, statusToOutput(status), nil
}

type ListSyncJobsInput struct {
	AccountID string `json:"account_id" jsonschema:"Account id (required)"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of jobs (default 10)"`
}

type SyncJobOutput struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	TotalItems     int    `json:"total_items"`
	ProcessedItems int    `json:"processed_items"`
	FailedItems    int    `json:"failed_items"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

type ListSyncJobsOutput struct {
	Jobs []SyncJobOutput `json:"jobs"`
}

func (h *SyncHandlers) ListSyncJobs(ctx context.Context, _ *mcp.CallToolRequest, input ListSyncJobsInput) (*mcp.CallToolResult, ListSyncJobsOutput, error) {
	if input.AccountID == "" {
		return nil, ListSyncJobsOutput{}, fmt.Errorf("account_id is required")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	jobs, err := db.ListRecentJobs(ctx, h.db, input.AccountID, limit)
	if err != nil {
		return nil, ListSyncJobsOutput{}, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	out := ListSyncJobsOutput{Jobs: make([]SyncJobOutput, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, jobToOutput(j))
	}
	return nil, out, nil
}

type CancelSyncJobInput struct {
	JobID  string `json:"job_id" jsonschema:"Job id (required)"`
	Reason string `json:"reason,omitempty" jsonschema:"Why the job is being cancelled"`
}

func (h *SyncHandlers) CancelSyncJob(ctx context.Context, _ *mcp.CallToolRequest, input CancelSyncJobInput) (*mcp.CallToolResult, SyncJobOutput, error) {
	if input.JobID == "" {
		return nil, SyncJobOutput{}, fmt.Errorf("job_id is required")
	}
	reason := input.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}
	job, err := h.svc.Cancel(ctx, input.JobID, reason)
	if err != nil {
		return nil, SyncJobOutput{}, fmt.Errorf("failed to cancel job: %w", err)
	}
	return nil, jobToOutput(job), nil
}

func resultToOutput(r *sync.Result) SyncResultOutput {
	return SyncResultOutput{
		Status:    string(r.Status),
		JobID:     r.JobID,
		Processed: r.Processed,
		Failed:    r.Failed,
		Total:     r.Total,
		Message:   r.Message,
		Details:   r.Details,
	}
}

func statusToOutput(s *models.SyncStatus) SyncStatusOutput {
	out := SyncStatusOutput{
		AccountID:      s.AccountID,
		Type:           string(s.Type),
		IsSyncing:      s.IsSyncing,
		JobID:          s.JobID,
		TotalItems:     s.TotalItems,
		ProcessedItems: s.ProcessedItems,
		FailedItems:    s.FailedItems,
		LastSyncStart:  formatTime(s.LastSyncStart),
	}
	out.LastSyncComplete = formatTime(s.LastSyncComplete)
	if s.LastError != nil {
		out.LastError = *s.LastError
	}
	return out
}

func jobToOutput(j *models.SyncJob) SyncJobOutput {
	out := SyncJobOutput{
		ID:             j.ID,
		Type:           string(j.Type),
		Status:         string(j.Status),
		TotalItems:     j.TotalItems,
		ProcessedItems: j.ProcessedItems,
		FailedItems:    j.FailedItems,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		CompletedAt:    formatTime(j.CompletedAt),
	}
	if j.Error != nil {
		out.Error = *j.Error
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
