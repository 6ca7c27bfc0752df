// ABOUTME: Calendar event persistence
// ABOUTME: Upserts keyed on (event_id, account_id) with attendees stored as JSON
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/mailsync/models"
)

func UpsertCalendarEvent(ctx context.Context, db *sql.DB, ev *models.CalendarEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	attendees := ev.Attendees
	if attendees == nil {
		attendees = []models.Attendee{}
	}
	attendeesJSON, err := json.Marshal(attendees)
	if err != nil {
		return fmt.Errorf("failed to encode attendees: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO calendar_events (id, user_id, account_id, event_id, calendar_id, title, description, location,
			start_time, end_time, is_all_day, status, meeting_url, organizer, attendees, is_busy, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, account_id) DO UPDATE SET
			calendar_id = excluded.calendar_id,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			is_all_day = excluded.is_all_day,
			status = excluded.status,
			meeting_url = excluded.meeting_url,
			organizer = excluded.organizer,
			attendees = excluded.attendees,
			is_busy = excluded.is_busy,
			updated_at = excluded.updated_at
	`, ev.ID.String(), ev.UserID, ev.AccountID, ev.EventID, ev.CalendarID, ev.Title, ev.Description, ev.Location,
		ev.StartTime.UTC(), ev.EndTime.UTC(), ev.IsAllDay, ev.Status, nullableString(ev.MeetingURL),
		nullableString(ev.Organizer), string(attendeesJSON), ev.IsBusy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert calendar event %s: %w", ev.EventID, err)
	}
	return nil
}

func GetCalendarEvent(ctx context.Context, db *sql.DB, accountID, eventID string) (*models.CalendarEvent, error) {
	var ev models.CalendarEvent
	var id string
	var title, description, location, status, meetingURL, organizer, attendees sql.NullString

	err := db.QueryRowContext(ctx, `
		SELECT id, user_id, account_id, event_id, calendar_id, title, description, location,
			start_time, end_time, is_all_day, status, meeting_url, organizer, attendees, is_busy
		FROM calendar_events WHERE account_id = ? AND event_id = ?
	`, accountID, eventID).Scan(&id, &ev.UserID, &ev.AccountID, &ev.EventID, &ev.CalendarID,
		&title, &description, &location, &ev.StartTime, &ev.EndTime, &ev.IsAllDay, &status,
		&meetingURL, &organizer, &attendees, &ev.IsBusy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar event: %w", err)
	}

	ev.ID, _ = uuid.Parse(id)
	ev.Title = title.String
	ev.Description = description.String
	ev.Location = location.String
	ev.Status = status.String
	ev.MeetingURL = meetingURL.String
	ev.Organizer = organizer.String
	if attendees.Valid {
		if err := json.Unmarshal([]byte(attendees.String), &ev.Attendees); err != nil {
			return nil, fmt.Errorf("corrupt attendees for event %s: %w", eventID, err)
		}
	}
	return &ev, nil
}

func CountCalendarEvents(ctx context.Context, db *sql.DB, accountID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calendar_events WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}
