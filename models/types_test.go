// ABOUTME: Tests for sync data models
// ABOUTME: Validates job lifecycle transitions, cursor views, and strength scoring
package models

import (
	"testing"
	"time"
)

func TestParseSyncType(t *testing.T) {
	cases := map[string]SyncType{
		"email":    SyncTypeEmail,
		"gmail":    SyncTypeEmail,
		"calendar": SyncTypeCalendar,
		"contacts": SyncTypeContacts,
	}
	for in, want := range cases {
		got, err := ParseSyncType(in)
		if err != nil {
			t.Fatalf("ParseSyncType(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseSyncType(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseSyncType("drive"); err == nil {
		t.Error("expected error for unknown sync type")
	}
}

func TestJobStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{JobPending, JobProcessing},
		{JobProcessing, JobProcessing},
		{JobProcessing, JobCompleted},
		{JobProcessing, JobFailed},
		{JobPending, JobCancelled},
		{JobProcessing, JobCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to JobStatus }{
		{JobCompleted, JobProcessing},
		{JobCompleted, JobFailed},
		{JobFailed, JobCompleted},
		{JobFailed, JobFailed},
		{JobCancelled, JobProcessing},
		{JobProcessing, JobPending},
		{JobPending, JobCompleted},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be refused", tc.from, tc.to)
		}
	}
}

func TestGmailCursorCanIncrement(t *testing.T) {
	now := time.Now()

	if (GmailCursor{}).CanIncrement() {
		t.Error("empty cursor must not allow incremental sync")
	}
	if (GmailCursor{HistoryID: "123"}).CanIncrement() {
		t.Error("cursor without lastSync must not allow incremental sync")
	}
	if (GmailCursor{LastSync: &now}).CanIncrement() {
		t.Error("cursor without historyId must not allow incremental sync")
	}
	if !(GmailCursor{HistoryID: "123", LastSync: &now}).CanIncrement() {
		t.Error("complete cursor should allow incremental sync")
	}
}

func TestParseSyncStateViews(t *testing.T) {
	raw := []byte(`{"historyId":"987","lastSync":"2025-01-02T03:04:05Z","calendarLastSync":"2025-01-03T00:00:00Z"}`)
	state, err := ParseSyncState(raw)
	if err != nil {
		t.Fatalf("ParseSyncState: %v", err)
	}

	g := state.Gmail()
	if g.HistoryID != "987" || g.LastSync == nil {
		t.Fatalf("unexpected gmail cursor: %+v", g)
	}
	if state.Calendar().LastSync == nil {
		t.Error("expected calendar cursor to be set")
	}
	if state.Contacts().LastSync != nil {
		t.Error("contacts cursor should be empty")
	}

	empty, err := ParseSyncState(nil)
	if err != nil {
		t.Fatalf("ParseSyncState(nil): %v", err)
	}
	if empty.Gmail().CanIncrement() {
		t.Error("empty state must not allow incremental sync")
	}
}

func TestCursorFieldsOnlyOwnPaths(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	fields := CalendarCursor{LastSync: &now}.Fields()
	if len(fields) != 1 {
		t.Fatalf("calendar cursor should own one path, got %v", fields)
	}
	if fields["$.calendarLastSync"] != "2025-05-01T12:00:00Z" {
		t.Errorf("unexpected calendar value: %v", fields["$.calendarLastSync"])
	}

	gmail := GmailCursor{HistoryID: "42", LastSync: &now}.Fields()
	if _, ok := gmail["$.calendarLastSync"]; ok {
		t.Error("gmail cursor must not write the calendar path")
	}
	if gmail["$.historyId"] != "42" {
		t.Errorf("unexpected historyId value: %v", gmail["$.historyId"])
	}
}

func TestStrengthFromInteractions(t *testing.T) {
	cases := map[int]int{0: 0, 1: 2, 10: 20, 49: 98, 50: 100, 500: 100}
	for count, want := range cases {
		if got := StrengthFromInteractions(count); got != want {
			t.Errorf("StrengthFromInteractions(%d) = %d, want %d", count, got, want)
		}
	}
}
