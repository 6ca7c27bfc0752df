package sync

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
)

const (
	calendarListPath = "/calendar/v3/users/me/calendarList"
	primaryEvents    = "/calendar/v3/calendars/primary-cal/events"
)

func routeCalendars(f *fakeFetcher, items ...*calendar.CalendarListEntry) {
	f.handle(calendarListPath, func(string, url.Values) (any, error) {
		return &calendar.CalendarList{Items: items}, nil
	})
}

func TestCalendarSyncPrimary(t *testing.T) {
	f := newFakeFetcher()
	routeCalendars(f,
		&calendar.CalendarListEntry{Id: "holidays"},
		&calendar.CalendarListEntry{Id: "primary-cal", Primary: true},
	)

	var windows []string
	f.handle(primaryEvents, func(_ string, q url.Values) (any, error) {
		windows = append(windows, q.Get("timeMin")+"/"+q.Get("timeMax"))
		if q.Get("pageToken") == "" {
			return &calendar.Events{
				Items: []*calendar.Event{
					{
						Id:      "standup",
						Summary: "Standup",
						Status:  "confirmed",
						Start:   &calendar.EventDateTime{DateTime: "2026-10-19T09:00:00Z"},
						End:     &calendar.EventDateTime{DateTime: "2026-10-19T09:15:00Z"},
						ConferenceData: &calendar.ConferenceData{EntryPoints: []*calendar.EntryPoint{
							{EntryPointType: "phone", Uri: "tel:+1-555-0100"},
							{EntryPointType: "video", Uri: "https://meet.example.com/abc"},
						}},
						HangoutLink: "https://hangouts.example.com/old",
						Attendees: []*calendar.EventAttendee{
							{Email: "bob@example.com", DisplayName: "Bob", ResponseStatus: "accepted"},
							{Email: ""},
						},
					},
					{Id: "dropped", Status: "cancelled"},
				},
				NextPageToken: "page-2",
			}, nil
		}
		return &calendar.Events{Items: []*calendar.Event{
			{
				Id:           "offsite",
				Summary:      "Offsite",
				Status:       "confirmed",
				Transparency: "transparent",
				Start:        &calendar.EventDateTime{Date: "2026-10-22"},
				End:          &calendar.EventDateTime{Date: "2026-10-23"},
				HangoutLink:  "https://hangouts.example.com/offsite",
			},
		}}, nil
	})

	env := setupService(t, f)
	ctx := context.Background()

	res, err := env.svc.StartSync(ctx, env.account.ID, models.SyncTypeCalendar, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 2, res.Total, "cancelled events are not counted")
	assert.Equal(t, 1, res.Details["cancelled"])
	assert.Equal(t, "primary-cal", res.Details["calendarId"])

	require.Len(t, windows, 2)
	assert.Equal(t, windows[0], windows[1], "every page uses the same window")

	standup, err := db.GetCalendarEvent(ctx, env.db, env.account.ID, "standup")
	require.NoError(t, err)
	assert.False(t, standup.IsAllDay)
	assert.True(t, standup.IsBusy)
	assert.Equal(t, "https://meet.example.com/abc", standup.MeetingURL)
	assert.True(t, standup.StartTime.Equal(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)))
	require.Len(t, standup.Attendees, 1)
	assert.Equal(t, "bob@example.com", standup.Attendees[0].Email)

	offsite, err := db.GetCalendarEvent(ctx, env.db, env.account.ID, "offsite")
	require.NoError(t, err)
	assert.True(t, offsite.IsAllDay)
	assert.False(t, offsite.IsBusy)
	assert.Equal(t, "https://hangouts.example.com/offsite", offsite.MeetingURL)

	_, err = db.GetCalendarEvent(ctx, env.db, env.account.ID, "dropped")
	assert.ErrorIs(t, err, db.ErrNotFound)

	account, err := db.GetAccount(ctx, env.db, env.account.ID)
	require.NoError(t, err)
	assert.NotNil(t, account.SyncState.CalendarLastSync)
	assert.Empty(t, account.SyncState.HistoryID, "calendar never touches the gmail cursor")
	requireIdle(t, env, models.SyncTypeCalendar)
}

func TestCalendarNoPrimary(t *testing.T) {
	f := newFakeFetcher()
	routeCalendars(f, &calendar.CalendarListEntry{Id: "shared"})
	env := setupService(t, f)
	ctx := context.Background()

	res, err := env.svc.StartSync(ctx, env.account.ID, models.SyncTypeCalendar, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoPrimaryCalendar, res.Status)
	assert.Zero(t, f.count(primaryEvents))

	job, err := db.GetJob(ctx, env.db, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	account, err := db.GetAccount(ctx, env.db, env.account.ID)
	require.NoError(t, err)
	assert.NotNil(t, account.SyncState.CalendarLastSync)
	requireIdle(t, env, models.SyncTypeCalendar)
}

func TestCalendarNoCalendars(t *testing.T) {
	f := newFakeFetcher()
	routeCalendars(f)
	env := setupService(t, f)

	res, err := env.svc.StartSync(context.Background(), env.account.ID, models.SyncTypeCalendar, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoCalendars, res.Status)
	assert.Equal(t, 0, res.Details["calendars"])
	requireIdle(t, env, models.SyncTypeCalendar)
}

func TestCalendarListPaginates(t *testing.T) {
	f := newFakeFetcher()
	f.handle(calendarListPath, func(_ string, q url.Values) (any, error) {
		if q.Get("pageToken") == "" {
			return &calendar.CalendarList{Items: []*calendar.CalendarListEntry{{Id: "a"}}, NextPageToken: "more"}, nil
		}
		return &calendar.CalendarList{Items: []*calendar.CalendarListEntry{{Id: "primary-cal", Primary: true}}}, nil
	})
	f.handle(primaryEvents, func(string, url.Values) (any, error) {
		return &calendar.Events{}, nil
	})
	env := setupService(t, f)

	res, err := env.svc.StartSync(context.Background(), env.account.ID, models.SyncTypeCalendar, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, f.count(calendarListPath))
	assert.Equal(t, 0, res.Total)
}

func TestTransformEventRejectsBadTimes(t *testing.T) {
	account := &models.Account{ID: "acc", UserID: "user-1"}

	_, err := transformEvent(account, "cal", &calendar.Event{Id: "x"})
	assert.Error(t, err)

	_, err = transformEvent(account, "cal", &calendar.Event{
		Id:    "x",
		Start: &calendar.EventDateTime{DateTime: "tomorrow"},
		End:   &calendar.EventDateTime{DateTime: "2026-10-19T09:15:00Z"},
	})
	assert.Error(t, err)
}
