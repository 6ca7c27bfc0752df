// ABOUTME: Google Calendar sync strategy over a configurable window around now
// ABOUTME: Resolves the primary calendar, pages its events, and skips cancelled ones
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/workflow"
)

const (
	calendarBaseURL   = "https://www.googleapis.com/calendar/v3"
	calendarEventPage = 250 // Google Calendar API max per page
	eventCancelled    = "cancelled"
)

type CalendarStrategy struct{}

func (CalendarStrategy) Type() models.SyncType { return models.SyncTypeCalendar }

type calendarList struct {
	Count     int    `json:"count"`
	PrimaryID string `json:"primaryId,omitempty"`
}

type calendarWindow struct {
	TimeMin time.Time `json:"timeMin"`
	TimeMax time.Time `json:"timeMax"`
}

type eventPage struct {
	Next    string `json:"next,omitempty"`
	Seen    int    `json:"seen"`
	Skipped int    `json:"skipped"`
	Tally   tally  `json:"tally"`
}

func (s CalendarStrategy) Run(ctx context.Context, r *Run) (*Outcome, error) {
	cals, err := workflow.Do(ctx, r.Steps, "calendars", func(ctx context.Context) (calendarList, error) {
		return listCalendars(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	now := r.Now().UTC()
	cursor := models.CalendarCursor{LastSync: &now}
	switch {
	case cals.Count == 0:
		return &Outcome{Status: StatusNoCalendars, Cursor: cursor, Details: map[string]any{"calendars": 0}}, nil
	case cals.PrimaryID == "":
		return &Outcome{Status: StatusNoPrimaryCalendar, Cursor: cursor, Details: map[string]any{"calendars": cals.Count}}, nil
	}

	window, err := workflow.Do(ctx, r.Steps, "plan", func(ctx context.Context) (calendarWindow, error) {
		return calendarWindow{
			TimeMin: now.AddDate(0, 0, -r.Settings.CalendarPastDays),
			TimeMax: now.AddDate(0, 0, r.Settings.CalendarFutureDays),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	seen, skipped := 0, 0
	token := ""
	for page := 1; ; page++ {
		res, err := workflow.Do(ctx, r.Steps, workflow.PageStep("events", page), func(ctx context.Context) (eventPage, error) {
			return s.syncPage(ctx, r, cals.PrimaryID, window, token)
		})
		if err != nil {
			return nil, err
		}

		seen += res.Seen
		skipped += res.Skipped
		r.Add(res.Tally)
		r.SetTotal(seen)
		r.Report(ctx)

		if res.Next == "" {
			break
		}
		token = res.Next
	}

	return &Outcome{
		Status: StatusSuccess,
		Cursor: cursor,
		Details: map[string]any{
			"calendarId": cals.PrimaryID,
			"events":     seen,
			"cancelled":  skipped,
			"timeMin":    window.TimeMin.Format(time.RFC3339),
			"timeMax":    window.TimeMax.Format(time.RFC3339),
		},
	}, nil
}

func listCalendars(ctx context.Context, r *Run) (calendarList, error) {
	var out calendarList
	token := ""
	for {
		q := url.Values{}
		if token != "" {
			q.Set("pageToken", token)
		}
		var resp calendar.CalendarList
		if err := r.Fetch(ctx, costGet, calendarBaseURL+"/users/me/calendarList?"+q.Encode(), &resp); err != nil {
			return calendarList{}, fmt.Errorf("failed to list calendars: %w", err)
		}
		for _, c := range resp.Items {
			out.Count++
			if c.Primary && out.PrimaryID == "" {
				out.PrimaryID = c.Id
			}
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		token = resp.NextPageToken
	}
}

func (CalendarStrategy) syncPage(ctx context.Context, r *Run, calendarID string, window calendarWindow, token string) (eventPage, error) {
	q := url.Values{}
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(calendarEventPage))
	q.Set("timeMin", window.TimeMin.Format(time.RFC3339))
	q.Set("timeMax", window.TimeMax.Format(time.RFC3339))
	if token != "" {
		q.Set("pageToken", token)
	}

	var resp calendar.Events
	endpoint := calendarBaseURL + "/calendars/" + url.PathEscape(calendarID) + "/events?" + q.Encode()
	if err := r.Fetch(ctx, costHistory, endpoint, &resp); err != nil {
		return eventPage{}, fmt.Errorf("failed to list events: %w", err)
	}

	page := eventPage{Next: resp.NextPageToken}
	for _, ev := range resp.Items {
		if ev == nil || ev.Status == eventCancelled {
			page.Skipped++
			continue
		}
		page.Seen++

		record, err := transformEvent(r.Account, calendarID, ev)
		if err == nil {
			err = db.UpsertCalendarEvent(ctx, r.DB(), record)
		}
		if err != nil {
			r.recordFailure("event", ev.Id, err)
			page.Tally.fail()
		} else {
			page.Tally.ok()
		}
		r.Tick(ctx, page.Tally)
	}
	return page, nil
}

// transformEvent resolves all-day events from start.date and timed events
// from start.dateTime.
func transformEvent(account *models.Account, calendarID string, ev *calendar.Event) (*models.CalendarEvent, error) {
	if ev.Start == nil || ev.End == nil {
		return nil, errors.New("event has no start or end")
	}

	out := &models.CalendarEvent{
		UserID:      account.UserID,
		AccountID:   account.ID,
		EventID:     ev.Id,
		CalendarID:  calendarID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
		MeetingURL:  meetingURL(ev),
		IsBusy:      ev.Transparency != "transparent",
		Attendees:   []models.Attendee{},
	}
	if ev.Organizer != nil {
		out.Organizer = ev.Organizer.Email
	}

	var err error
	if ev.Start.Date != "" {
		out.IsAllDay = true
		if out.StartTime, err = time.Parse(time.DateOnly, ev.Start.Date); err != nil {
			return nil, fmt.Errorf("invalid start date: %w", err)
		}
		if out.EndTime, err = time.Parse(time.DateOnly, ev.End.Date); err != nil {
			return nil, fmt.Errorf("invalid end date: %w", err)
		}
	} else {
		if out.StartTime, err = time.Parse(time.RFC3339, ev.Start.DateTime); err != nil {
			return nil, fmt.Errorf("invalid start time: %w", err)
		}
		if out.EndTime, err = time.Parse(time.RFC3339, ev.End.DateTime); err != nil {
			return nil, fmt.Errorf("invalid end time: %w", err)
		}
	}

	for _, a := range ev.Attendees {
		if a == nil || a.Email == "" {
			continue
		}
		out.Attendees = append(out.Attendees, models.Attendee{
			Email:          a.Email,
			Name:           a.DisplayName,
			ResponseStatus: a.ResponseStatus,
			Organizer:      a.Organizer,
			Self:           a.Self,
		})
	}
	return out, nil
}

// meetingURL prefers the conference video entry point over hangoutLink.
func meetingURL(ev *calendar.Event) string {
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep != nil && ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return ev.HangoutLink
}
