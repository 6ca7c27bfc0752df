// ABOUTME: Unit tests for sync type parsing and terminal rendering helpers
// ABOUTME: Covers type selection, relative times, and per-type result lines
package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/sync"
)

func TestParseSyncTypes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []models.SyncType
	}{
		{
			name:     "all types",
			input:    "all",
			expected: []models.SyncType{models.SyncTypeEmail, models.SyncTypeCalendar, models.SyncTypeContacts},
		},
		{
			name:     "single type",
			input:    "contacts",
			expected: []models.SyncType{models.SyncTypeContacts},
		},
		{
			name:     "spaces around commas",
			input:    "calendar, email",
			expected: []models.SyncType{models.SyncTypeCalendar, models.SyncTypeEmail},
		},
		{
			name:     "gmail alias",
			input:    "gmail",
			expected: []models.SyncType{models.SyncTypeEmail},
		},
		{
			name:     "duplicates collapse",
			input:    "email,gmail,email",
			expected: []models.SyncType{models.SyncTypeEmail},
		},
		{
			name:     "invalid type ignored",
			input:    "contacts,invalid,calendar",
			expected: []models.SyncType{models.SyncTypeContacts, models.SyncTypeCalendar},
		},
		{
			name:     "all invalid",
			input:    "invalid,unknown",
			expected: nil,
		},
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseSyncTypes(tt.input))
		})
	}
}

func TestFormatTimeSince(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		time     time.Time
		expected string
	}{
		{"just now (30 seconds)", now.Add(-30 * time.Second), "just now"},
		{"1 minute ago", now.Add(-1 * time.Minute), "1 minute ago"},
		{"5 minutes ago", now.Add(-5 * time.Minute), "5 minutes ago"},
		{"1 hour ago", now.Add(-1 * time.Hour), "1 hour ago"},
		{"3 hours ago", now.Add(-3 * time.Hour), "3 hours ago"},
		{"1 day ago", now.Add(-24 * time.Hour), "1 day ago"},
		{"5 days ago", now.Add(-5 * 24 * time.Hour), "5 days ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatTimeSince(tt.time, now))
		})
	}
}

func TestProgress(t *testing.T) {
	assert.Equal(t, "3/10", progress(3, 0, 10))
	assert.Equal(t, "3/10 (2 failed)", progress(3, 2, 10))
}

func TestRenderResult(t *testing.T) {
	ok := renderResult(models.SyncTypeEmail, &sync.Result{Status: sync.StatusSuccess, Processed: 4, Total: 4})
	assert.Contains(t, ok, "email")
	assert.Contains(t, ok, "done")
	assert.Contains(t, ok, "4/4")

	busy := renderResult(models.SyncTypeCalendar, &sync.Result{Status: sync.StatusAlreadySyncing})
	assert.Contains(t, busy, "already syncing")

	failed := renderResult(models.SyncTypeContacts, &sync.Result{Status: sync.StatusError, Message: "Authentication failed"})
	assert.Contains(t, failed, "failed: Authentication failed")

	noCal := renderResult(models.SyncTypeCalendar, &sync.Result{Status: sync.StatusNoPrimaryCalendar})
	assert.Contains(t, noCal, "no primary calendar")
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	done := now.Add(-2 * time.Hour)
	msg := "Rate limit exceeded"
	account := &models.Account{ID: "acc-1", Email: "me@example.com", IsActive: false}

	out := renderStatus(account, []*models.SyncStatus{
		{Type: models.SyncTypeEmail, LastSyncComplete: &done, ProcessedItems: 12, TotalItems: 12},
		{Type: models.SyncTypeCalendar, IsSyncing: true, JobID: "job-9", ProcessedItems: 1, TotalItems: 5},
		{Type: models.SyncTypeContacts, LastError: &msg},
	}, now)

	assert.Contains(t, out, "me@example.com (acc-1)")
	assert.Contains(t, out, "inactive")
	assert.Contains(t, out, "last synced 2 hours ago")
	assert.Contains(t, out, "syncing 1/5")
	assert.Contains(t, out, "job job-9")
	assert.Contains(t, out, "error: Rate limit exceeded")
}

func TestRenderJobsEmpty(t *testing.T) {
	assert.Contains(t, renderJobs(nil, time.Now()), "No sync jobs yet.")
	assert.Contains(t, renderAccounts(nil, time.Now()), "mailsync account add")
}
