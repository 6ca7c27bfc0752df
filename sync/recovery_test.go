package sync

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/people/v1"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
)

func routeEmptyContacts(f *fakeFetcher) {
	f.handle(connectionsPath, func(string, url.Values) (any, error) {
		return &people.ListConnectionsResponse{}, nil
	})
}

// finishedJobHoldingLock leaves the state a crash between marking the job
// terminal and releasing its lock would leave.
func finishedJobHoldingLock(t *testing.T, env *testEnv, syncType models.SyncType, final models.JobStatus) *models.SyncJob {
	t.Helper()
	ctx := context.Background()

	ok, err := db.ClaimSyncLock(ctx, env.db, env.account.ID, syncType, "")
	require.NoError(t, err)
	require.True(t, ok)

	job := &models.SyncJob{UserID: env.account.UserID, AccountID: env.account.ID, Type: syncType, Status: models.JobProcessing}
	require.NoError(t, db.CreateJob(ctx, env.db, job))
	require.NoError(t, db.AttachLockJob(ctx, env.db, env.account.ID, syncType, job.ID))

	update := db.JobUpdate{Status: &final}
	if final == models.JobFailed {
		msg := "Rate limit exceeded"
		update.Error = &msg
	}
	require.NoError(t, db.UpdateJob(ctx, env.db, job.ID, update))
	return job
}

func TestResumeInterruptedReleasesLockOfFinishedJob(t *testing.T) {
	f := newFakeFetcher()
	routeEmptyContacts(f)
	env := setupService(t, f)
	ctx := context.Background()

	finishedJobHoldingLock(t, env, models.SyncTypeContacts, models.JobCompleted)
	finishedJobHoldingLock(t, env, models.SyncTypeCalendar, models.JobFailed)

	res, err := env.svc.StartSync(ctx, env.account.ID, models.SyncTypeContacts, "")
	require.NoError(t, err)
	require.Equal(t, StatusAlreadySyncing, res.Status)

	_, err = env.svc.ResumeInterrupted(ctx)
	require.NoError(t, err)

	contacts := requireIdle(t, env, models.SyncTypeContacts)
	assert.NotNil(t, contacts.LastSyncComplete)
	assert.Nil(t, contacts.LastError)

	calendar := requireIdle(t, env, models.SyncTypeCalendar)
	require.NotNil(t, calendar.LastError)
	assert.Equal(t, "Rate limit exceeded", *calendar.LastError)

	res, err = env.svc.StartSync(ctx, env.account.ID, models.SyncTypeContacts, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestResumeInterruptedReleasesOrphanLock(t *testing.T) {
	f := newFakeFetcher()
	routeEmptyContacts(f)
	env := setupService(t, f)
	ctx := context.Background()

	// claimed an hour ago, the process died before the job row existed
	ok, err := db.ClaimSyncLock(ctx, env.db, env.account.ID, models.SyncTypeContacts, "")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = env.db.Exec(`UPDATE sync_locks SET last_sync_start = ? WHERE account_id = ? AND sync_type = ?`,
		time.Now().UTC().Add(-time.Hour), env.account.ID, string(models.SyncTypeContacts))
	require.NoError(t, err)

	// claimed just now, its job may still be on the way
	ok, err = db.ClaimSyncLock(ctx, env.db, env.account.ID, models.SyncTypeEmail, "")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.svc.ResumeInterrupted(ctx)
	require.NoError(t, err)

	orphan := requireIdle(t, env, models.SyncTypeContacts)
	require.NotNil(t, orphan.LastError)
	assert.Equal(t, "Sync was interrupted", *orphan.LastError)

	fresh, err := env.svc.GetSyncStatus(ctx, env.account.ID, models.SyncTypeEmail)
	require.NoError(t, err)
	assert.True(t, fresh.IsSyncing, "a fresh claim is left alone")

	res, err := env.svc.StartSync(ctx, env.account.ID, models.SyncTypeContacts, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestCancelReleasesLockOfFinishedJob(t *testing.T) {
	f := newFakeFetcher()
	routeEmptyContacts(f)
	env := setupService(t, f)
	ctx := context.Background()

	job := finishedJobHoldingLock(t, env, models.SyncTypeContacts, models.JobCompleted)

	_, err := env.svc.Cancel(ctx, job.ID, "stuck")
	assert.ErrorIs(t, err, db.ErrJobTerminal)

	status := requireIdle(t, env, models.SyncTypeContacts)
	assert.Nil(t, status.LastError)

	got, err := db.GetJob(ctx, env.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status, "a finished job keeps its outcome")

	res, err := env.svc.StartSync(ctx, env.account.ID, models.SyncTypeContacts, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}
