package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/mailsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertThreadIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	thread := &models.Thread{
		UserID:        "user-1",
		AccountID:     "acct",
		ThreadID:      "t1",
		Subject:       "Hello",
		Participants:  []string{"a@example.com"},
		MessageCount:  1,
		LastMessageAt: time.Now(),
	}
	require.NoError(t, UpsertThread(ctx, db, thread))

	again := *thread
	again.ID = uuid.Nil
	again.MessageCount = 2
	again.IsRead = true
	require.NoError(t, UpsertThread(ctx, db, &again))

	n, err := CountThreads(ctx, db, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := GetThread(ctx, db, "acct", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.True(t, got.IsRead)
	assert.Equal(t, []string{"a@example.com"}, got.Participants)
}

func TestDeleteThreadRemovesMessages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertThread(ctx, db, &models.Thread{UserID: "u", AccountID: "acct", ThreadID: "t1", LastMessageAt: time.Now()}))
	require.NoError(t, UpsertEmail(ctx, db, &models.Email{UserID: "u", AccountID: "acct", MessageID: "m1", ThreadID: "t1", SentAt: time.Now()}))
	require.NoError(t, UpsertEmail(ctx, db, &models.Email{UserID: "u", AccountID: "acct", MessageID: "m1", ThreadID: "t1", SentAt: time.Now()}))

	n, err := CountEmails(ctx, db, "acct")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, DeleteThread(ctx, db, "acct", "t1"))

	_, err = GetThread(ctx, db, "acct", "t1")
	require.ErrorIs(t, err, ErrNotFound)
	n, err = CountEmails(ctx, db, "acct")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertCalendarEvent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	start := time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)
	ev := &models.CalendarEvent{
		UserID:     "u",
		AccountID:  "acct",
		EventID:    "e1",
		CalendarID: "primary",
		Title:      "Standup",
		StartTime:  start,
		EndTime:    start.Add(15 * time.Minute),
		IsBusy:     true,
		Attendees:  []models.Attendee{{Email: "a@example.com", ResponseStatus: "accepted"}},
	}
	require.NoError(t, UpsertCalendarEvent(ctx, db, ev))
	ev.Title = "Daily standup"
	require.NoError(t, UpsertCalendarEvent(ctx, db, ev))

	n, err := CountCalendarEvents(ctx, db, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := GetCalendarEvent(ctx, db, "acct", "e1")
	require.NoError(t, err)
	assert.Equal(t, "Daily standup", got.Title)
	assert.True(t, got.StartTime.Equal(start))
	require.Len(t, got.Attendees, 1)
	assert.Equal(t, "accepted", got.Attendees[0].ResponseStatus)
}

func TestUpsertContactByEmailCaseInsensitive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertContactByEmail(ctx, db, &models.Contact{UserID: "u", Email: "Alice@Example.com", Name: "Alice", Source: models.ContactSourceGoogle}))
	require.NoError(t, UpsertContactByEmail(ctx, db, &models.Contact{UserID: "u", Email: "alice@example.com", Company: "Acme", Source: models.ContactSourceGoogle}))

	n, err := CountContacts(ctx, db, "u")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := GetContactByEmail(ctx, db, "u", "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name, "empty name must not erase the stored one")
	assert.Equal(t, "Acme", got.Company)
}

func TestUpsertContactByPhone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertContactByPhone(ctx, db, &models.Contact{UserID: "u", Phone: "+15551234", Name: "Bob", Source: models.ContactSourceGoogle}))
	require.NoError(t, UpsertContactByPhone(ctx, db, &models.Contact{UserID: "u", Phone: "+15551234", Name: "Bobby", Source: models.ContactSourceGoogle}))

	n, err := CountContacts(ctx, db, "u")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := GetContactByPhone(ctx, db, "u", "+15551234")
	require.NoError(t, err)
	assert.Equal(t, "Bobby", got.Name)
	assert.Empty(t, got.Email)
}

func TestApplyContactStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertContactByEmail(ctx, db, &models.Contact{UserID: "u", Email: "known@example.com", Name: "Known", Source: models.ContactSourceGoogle}))

	last := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	stats := []ContactStat{
		{Email: "known@example.com", Count: 3, LastAt: last},
		{Email: "New@Example.com", Name: "New Person", Count: 60, LastAt: last},
	}
	derived, err := ApplyContactStats(ctx, db, "u", "acct", stats, true)
	require.NoError(t, err)
	assert.Equal(t, 1, derived)

	known, err := GetContactByEmail(ctx, db, "u", "known@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, known.InteractionCount)
	assert.Equal(t, 6, known.RelationshipStrength)
	assert.Equal(t, models.ContactSourceGoogle, known.Source)

	fresh, err := GetContactByEmail(ctx, db, "u", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ContactSourceDerived, fresh.Source)
	assert.Equal(t, 100, fresh.RelationshipStrength)
	require.NotNil(t, fresh.LastInteractionAt)

	derived, err = ApplyContactStats(ctx, db, "u", "acct", stats, true)
	require.NoError(t, err)
	assert.Zero(t, derived, "re-running enrichment derives nothing new")
}

func TestReplaceThreadPrunesMissingMessages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	thread := &models.Thread{UserID: "u", AccountID: "acct", ThreadID: "t1", MessageCount: 2, LastMessageAt: now}
	require.NoError(t, ReplaceThread(ctx, db, thread, []*models.Email{
		{UserID: "u", AccountID: "acct", MessageID: "m1", ThreadID: "t1", SentAt: now},
		{UserID: "u", AccountID: "acct", MessageID: "m2", ThreadID: "t1", SentAt: now},
	}))
	require.NoError(t, UpsertEmail(ctx, db, &models.Email{UserID: "u", AccountID: "acct", MessageID: "other", ThreadID: "t2", SentAt: now}))

	again := *thread
	again.MessageCount = 1
	require.NoError(t, ReplaceThread(ctx, db, &again, []*models.Email{
		{UserID: "u", AccountID: "acct", MessageID: "m1", ThreadID: "t1", Subject: "edited", SentAt: now},
	}))

	got, err := GetThread(ctx, db, "acct", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)

	n, err := CountEmails(ctx, db, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "m2 is pruned, messages of other threads stay")

	var subject string
	require.NoError(t, db.QueryRow(`SELECT subject FROM emails WHERE message_id = 'm1'`).Scan(&subject))
	assert.Equal(t, "edited", subject)
}
