// ABOUTME: Tests for sync MCP tool and resource handlers
// ABOUTME: Uses a fake sync service over a temp database
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/sync"
)

type fakeService struct {
	mu      stdsync.Mutex
	started []string
	result  *sync.Result
	err     error
	status  *models.SyncStatus
}

func (f *fakeService) StartSync(_ context.Context, accountID string, syncType models.SyncType, _ string) (*sync.Result, error) {
	f.mu.Lock()
	f.started = append(f.started, accountID+"/"+string(syncType))
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeService) GetSyncStatus(_ context.Context, accountID string, syncType models.SyncType) (*models.SyncStatus, error) {
	if f.status != nil {
		return f.status, nil
	}
	return &models.SyncStatus{AccountID: accountID, Type: syncType}, nil
}

func (f *fakeService) Cancel(_ context.Context, jobID, reason string) (*models.SyncJob, error) {
	if jobID == "done" {
		return nil, db.ErrJobTerminal
	}
	return &models.SyncJob{ID: jobID, Type: models.SyncTypeEmail, Status: models.JobCancelled, Error: &reason}, nil
}

func setupTestDB(t *testing.T) (*sql.DB, *models.Account) {
	t.Helper()
	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	account := &models.Account{UserID: "user-1", ExternalAccountID: "apn_1", Email: "me@example.com"}
	require.NoError(t, db.CreateAccount(context.Background(), database, account))
	return database, account
}

func TestStartSyncWaits(t *testing.T) {
	database, account := setupTestDB(t)
	svc := &fakeService{result: &sync.Result{Status: sync.StatusSuccess, JobID: "job-1", Processed: 3, Total: 3}}
	h := NewSyncHandlers(context.Background(), database, svc, zaptest.NewLogger(t))

	_, out, err := h.StartSync(context.Background(), nil, StartSyncInput{AccountID: account.ID, Type: "gmail", Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "job-1", out.JobID)
	assert.Equal(t, []string{account.ID + "/email"}, svc.started)
}

func TestStartSyncErrorResultIsReturned(t *testing.T) {
	database, account := setupTestDB(t)
	svc := &fakeService{
		result: &sync.Result{Status: sync.StatusError, JobID: "job-1", Message: "Rate limit reached, try again shortly"},
		err:    errors.New("rate limit wait timed out"),
	}
	h := NewSyncHandlers(context.Background(), database, svc, nil)

	_, out, err := h.StartSync(context.Background(), nil, StartSyncInput{AccountID: account.ID, Type: "calendar", Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "error", out.Status)
	assert.Equal(t, "Rate limit reached, try again shortly", out.Message)
}

func TestStartSyncBackground(t *testing.T) {
	database, account := setupTestDB(t)
	svc := &fakeService{result: &sync.Result{Status: sync.StatusSuccess}}
	h := NewSyncHandlers(context.Background(), database, svc, zaptest.NewLogger(t))

	_, out, err := h.StartSync(context.Background(), nil, StartSyncInput{AccountID: account.ID, Type: "contacts"})
	require.NoError(t, err)
	assert.Equal(t, "started", out.Status)

	h.Wait()
	assert.Equal(t, []string{account.ID + "/contacts"}, svc.started)
}

func TestStartSyncValidates(t *testing.T) {
	h := NewSyncHandlers(context.Background(), nil, &fakeService{}, nil)

	_, _, err := h.StartSync(context.Background(), nil, StartSyncInput{Type: "email"})
	assert.Error(t, err)
	_, _, err = h.StartSync(context.Background(), nil, StartSyncInput{AccountID: "a", Type: "fax"})
	assert.Error(t, err)
}

func TestGetSyncStatus(t *testing.T) {
	msg := "Sync timed out"
	svc := &fakeService{status: &models.SyncStatus{
		AccountID: "acc", Type: models.SyncTypeEmail, IsSyncing: true, JobID: "job-9",
		TotalItems: 10, ProcessedItems: 4, LastError: &msg,
	}}
	h := NewSyncHandlers(context.Background(), nil, svc, nil)

	_, out, err := h.GetSyncStatus(context.Background(), nil, GetSyncStatusInput{AccountID: "acc", Type: "email"})
	require.NoError(t, err)
	assert.True(t, out.IsSyncing)
	assert.Equal(t, "job-9", out.JobID)
	assert.Equal(t, 4, out.ProcessedItems)
	assert.Equal(t, "Sync timed out", out.LastError)
}

func TestListSyncJobs(t *testing.T) {
	database, account := setupTestDB(t)
	ctx := context.Background()
	for range 3 {
		require.NoError(t, db.CreateJob(ctx, database, &models.SyncJob{
			UserID: account.UserID, AccountID: account.ID, Type: models.SyncTypeEmail,
		}))
	}
	h := NewSyncHandlers(ctx, database, &fakeService{}, nil)

	_, out, err := h.ListSyncJobs(ctx, nil, ListSyncJobsInput{AccountID: account.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out.Jobs, 2)
	assert.Equal(t, "pending", out.Jobs[0].Status)
}

func TestCancelSyncJob(t *testing.T) {
	h := NewSyncHandlers(context.Background(), nil, &fakeService{}, nil)

	_, out, err := h.CancelSyncJob(context.Background(), nil, CancelSyncJobInput{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.Status)
	assert.Equal(t, "cancelled by operator", out.Error)

	_, _, err = h.CancelSyncJob(context.Background(), nil, CancelSyncJobInput{JobID: "done"})
	assert.ErrorIs(t, err, db.ErrJobTerminal)
}

func readResource(t *testing.T, h *ResourceHandlers, uri string) (*mcp.ReadResourceResult, error) {
	t.Helper()
	return h.ReadResource(context.Background(), &mcp.ReadResourceRequest{Params: &mcp.ReadResourceParams{URI: uri}})
}

func TestReadResources(t *testing.T) {
	database, account := setupTestDB(t)
	ctx := context.Background()
	job := &models.SyncJob{UserID: account.UserID, AccountID: account.ID, Type: models.SyncTypeCalendar}
	require.NoError(t, db.CreateJob(ctx, database, job))
	h := NewResourceHandlers(database)

	res, err := readResource(t, h, "mailsync://accounts")
	require.NoError(t, err)
	var accounts []models.Account
	require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, account.ID, accounts[0].ID)

	res, err = readResource(t, h, "mailsync://status/"+account.ID)
	require.NoError(t, err)
	var statuses []models.SyncStatus
	require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), &statuses))
	assert.Len(t, statuses, len(models.AllSyncTypes))

	res, err = readResource(t, h, "mailsync://jobs/"+job.ID)
	require.NoError(t, err)
	assert.Contains(t, res.Contents[0].Text, job.ID)

	_, err = readResource(t, h, "mailsync://jobs/missing")
	assert.Error(t, err)
	_, err = readResource(t, h, "mailsync://status/missing")
	assert.Error(t, err)
	_, err = readResource(t, h, "crm://contacts")
	assert.Error(t, err)
}
