// ABOUTME: Provider-specific sync cursors stored in Account.sync_state
// ABOUTME: Each strategy reads and writes only its own tagged cursor shape
package models

import (
	"encoding/json"
	"time"
)

// SyncState mirrors the persisted JSON blob on the accounts row:
// {historyId?, lastSync?, calendarLastSync?, contactsLastSync?}.
type SyncState struct {
	HistoryID        string     `json:"historyId,omitempty"`
	LastSync         *time.Time `json:"lastSync,omitempty"`
	CalendarLastSync *time.Time `json:"calendarLastSync,omitempty"`
	ContactsLastSync *time.Time `json:"contactsLastSync,omitempty"`
}

// ParseSyncState decodes the stored blob. An empty blob is an empty state.
func ParseSyncState(raw []byte) (SyncState, error) {
	var s SyncState
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return SyncState{}, err
	}
	return s, nil
}

// Cursor is the tagged per-provider view over SyncState.
type Cursor interface {
	Type() SyncType
	// Fields returns the JSON paths and values this cursor owns.
	Fields() map[string]any
}

// GmailCursor drives the incremental sync decision.
type GmailCursor struct {
	HistoryID string
	LastSync  *time.Time
}

func (GmailCursor) Type() SyncType { return SyncTypeEmail }

func (c GmailCursor) Fields() map[string]any {
	return map[string]any{
		"$.historyId": c.HistoryID,
		"$.lastSync":  formatCursorTime(c.LastSync),
	}
}

// CanIncrement reports whether both halves of the cursor are present.
func (c GmailCursor) CanIncrement() bool {
	return c.HistoryID != "" && c.LastSync != nil
}

type CalendarCursor struct {
	LastSync *time.Time
}

func (CalendarCursor) Type() SyncType { return SyncTypeCalendar }

func (c CalendarCursor) Fields() map[string]any {
	return map[string]any{"$.calendarLastSync": formatCursorTime(c.LastSync)}
}

type ContactsCursor struct {
	LastSync *time.Time
}

func (ContactsCursor) Type() SyncType { return SyncTypeContacts }

func (c ContactsCursor) Fields() map[string]any {
	return map[string]any{"$.contactsLastSync": formatCursorTime(c.LastSync)}
}

// Gmail returns the Gmail view of the state.
func (s SyncState) Gmail() GmailCursor {
	return GmailCursor{HistoryID: s.HistoryID, LastSync: s.LastSync}
}

func (s SyncState) Calendar() CalendarCursor {
	return CalendarCursor{LastSync: s.CalendarLastSync}
}

func (s SyncState) Contacts() ContactsCursor {
	return ContactsCursor{LastSync: s.ContactsLastSync}
}

func formatCursorTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
