// ABOUTME: Persisted domain records produced by the sync strategies
// ABOUTME: Thread, Email, CalendarEvent, and Contact keyed by their natural upstream ids
package models

import (
	"time"

	"github.com/google/uuid"
)

// Thread is a Gmail conversation merged across its messages.
type Thread struct {
	ID             uuid.UUID `json:"id"`
	UserID         string    `json:"user_id"`
	AccountID      string    `json:"account_id"`
	ThreadID       string    `json:"thread_id"`
	Subject        string    `json:"subject"`
	Snippet        string    `json:"snippet"`
	Participants   []string  `json:"participants"`
	MessageCount   int       `json:"message_count"`
	IsRead         bool      `json:"is_read"`
	IsStarred      bool      `json:"is_starred"`
	IsImportant    bool      `json:"is_important"`
	HasAttachments bool      `json:"has_attachments"`
	Labels         []string  `json:"labels"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

// Email is a single Gmail message inside a Thread.
type Email struct {
	ID             uuid.UUID `json:"id"`
	UserID         string    `json:"user_id"`
	AccountID      string    `json:"account_id"`
	MessageID      string    `json:"message_id"`
	ThreadID       string    `json:"thread_id"`
	Subject        string    `json:"subject"`
	FromAddress    string    `json:"from_address"`
	FromName       string    `json:"from_name"`
	ToAddresses    []string  `json:"to_addresses"`
	CcAddresses    []string  `json:"cc_addresses"`
	Snippet        string    `json:"snippet"`
	Labels         []string  `json:"labels"`
	IsRead         bool      `json:"is_read"`
	HasAttachments bool      `json:"has_attachments"`
	SentAt         time.Time `json:"sent_at"`
}

// Attendee is one invitee of a CalendarEvent.
type Attendee struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	Organizer      bool   `json:"organizer,omitempty"`
	Self           bool   `json:"self,omitempty"`
}

type CalendarEvent struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"user_id"`
	AccountID   string     `json:"account_id"`
	EventID     string     `json:"event_id"`
	CalendarID  string     `json:"calendar_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	IsAllDay    bool       `json:"is_all_day"`
	Status      string     `json:"status"`
	MeetingURL  string     `json:"meeting_url,omitempty"`
	Organizer   string     `json:"organizer,omitempty"`
	Attendees   []Attendee `json:"attendees"`
	IsBusy      bool       `json:"is_busy"`
}

// ContactSource records where a contact row came from.
type ContactSource string

const (
	ContactSourceGoogle  ContactSource = "google_contacts"
	ContactSourceDerived ContactSource = "email_derived"
)

// Contact is keyed by (user_id, lower(email)), or by (user_id, phone) when
// the upstream record has no email.
type Contact struct {
	ID                   uuid.UUID     `json:"id"`
	UserID               string        `json:"user_id"`
	AccountID            string        `json:"account_id"`
	ResourceName         string        `json:"resource_name,omitempty"`
	Email                string        `json:"email,omitempty"`
	Phone                string        `json:"phone,omitempty"`
	Name                 string        `json:"name"`
	Company              string        `json:"company,omitempty"`
	JobTitle             string        `json:"job_title,omitempty"`
	PhotoURL             string        `json:"photo_url,omitempty"`
	Source               ContactSource `json:"source"`
	InteractionCount     int           `json:"interaction_count"`
	RelationshipStrength int           `json:"relationship_strength"`
	LastInteractionAt    *time.Time    `json:"last_interaction_at,omitempty"`
}

// StrengthFromInteractions maps an interaction count onto a 0-100 score.
func StrengthFromInteractions(count int) int {
	if count <= 0 {
		return 0
	}
	if s := count * 2; s < 100 {
		return s
	}
	return 100
}
