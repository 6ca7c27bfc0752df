// ABOUTME: Maps Gmail API threads onto local thread and email rows
// ABOUTME: Thread flags are merged across all messages in the conversation
package sync

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/harperreed/mailsync/models"
)

const (
	labelUnread    = "UNREAD"
	labelStarred   = "STARRED"
	labelImportant = "IMPORTANT"
)

var errEmptyThread = errors.New("thread has no messages")

// transformThread merges a thread's messages. isRead holds only when no
// message is unread; starred, important, and attachments hold when any does.
func transformThread(account *models.Account, t *gmail.Thread) (*models.Thread, []*models.Email, error) {
	if t == nil || len(t.Messages) == 0 {
		return nil, nil, errEmptyThread
	}

	thread := &models.Thread{
		UserID:       account.UserID,
		AccountID:    account.ID,
		ThreadID:     t.Id,
		IsRead:       true,
		MessageCount: len(t.Messages),
	}

	participants := newAddressSet()
	labels := newOrderedSet(false)
	emails := make([]*models.Email, 0, len(t.Messages))
	var newest time.Time

	for i, msg := range t.Messages {
		email, err := transformMessage(account, t.Id, msg)
		if err != nil {
			return nil, nil, fmt.Errorf("message %s: %w", msg.Id, err)
		}
		emails = append(emails, email)

		if i == 0 {
			thread.Subject = email.Subject
		}
		if !email.SentAt.Before(newest) {
			newest = email.SentAt
			thread.Snippet = msg.Snippet
		}

		for _, l := range msg.LabelIds {
			labels.add(l)
			switch l {
			case labelUnread:
				thread.IsRead = false
			case labelStarred:
				thread.IsStarred = true
			case labelImportant:
				thread.IsImportant = true
			}
		}
		if email.HasAttachments {
			thread.HasAttachments = true
		}

		participants.add(email.FromAddress)
		for _, a := range email.ToAddresses {
			participants.add(a)
		}
		for _, a := range email.CcAddresses {
			participants.add(a)
		}
	}

	thread.Participants = participants.list()
	thread.Labels = labels.list()
	thread.LastMessageAt = newest
	return thread, emails, nil
}

func transformMessage(account *models.Account, threadID string, msg *gmail.Message) (*models.Email, error) {
	sent, err := messageTime(msg)
	if err != nil {
		return nil, err
	}

	email := &models.Email{
		UserID:         account.UserID,
		AccountID:      account.ID,
		MessageID:      msg.Id,
		ThreadID:       threadID,
		Snippet:        msg.Snippet,
		Labels:         msg.LabelIds,
		IsRead:         true,
		HasAttachments: hasAttachment(msg.Payload),
		SentAt:         sent,
	}
	for _, l := range msg.LabelIds {
		if l == labelUnread {
			email.IsRead = false
		}
	}

	email.Subject = header(msg.Payload, "Subject")
	if from := parseAddresses(header(msg.Payload, "From")); len(from) > 0 {
		email.FromAddress = strings.ToLower(from[0].Address)
		email.FromName = from[0].Name
	}
	email.ToAddresses = addressList(header(msg.Payload, "To"))
	email.CcAddresses = addressList(header(msg.Payload, "Cc"))
	return email, nil
}

// messageTime prefers Gmail's internal timestamp and falls back to the Date header.
func messageTime(msg *gmail.Message) (time.Time, error) {
	if msg.InternalDate > 0 {
		return time.UnixMilli(msg.InternalDate).UTC(), nil
	}
	return parseEmailDate(header(msg.Payload, "Date"))
}

func header(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func hasAttachment(part *gmail.MessagePart) bool {
	if part == nil {
		return false
	}
	if part.Filename != "" || (part.Body != nil && part.Body.AttachmentId != "") {
		return true
	}
	for _, p := range part.Parts {
		if hasAttachment(p) {
			return true
		}
	}
	return false
}

// parseAddresses accepts a full RFC 5322 list and, when the list as a whole
// is malformed, salvages whatever comma-separated entries parse.
func parseAddresses(raw string) []*mail.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(raw); err == nil {
		return list
	}

	var out []*mail.Address
	for _, piece := range strings.Split(raw, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		if addr, err := mail.ParseAddress(piece); err == nil {
			out = append(out, addr)
			continue
		}
		if strings.Contains(piece, "@") && !strings.ContainsAny(piece, " <>") {
			out = append(out, &mail.Address{Address: piece})
		}
	}
	return out
}

func addressList(raw string) []string {
	set := newAddressSet()
	for _, a := range parseAddresses(raw) {
		set.add(a.Address)
	}
	return set.list()
}

// parseEmailDate parses RFC 2822 email dates, tolerating a trailing "(UTC)".
func parseEmailDate(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, errors.New("message has no date")
	}

	if idx := strings.Index(dateStr, " ("); idx > 0 {
		dateStr = dateStr[:idx]
	}

	formats := []string{
		time.RFC1123Z,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC822Z,
		time.RFC822,
		time.RFC3339,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse date: %s", dateStr)
}

// orderedSet keeps first-seen order. With fold set, values are lowercased.
type orderedSet struct {
	fold  bool
	seen  map[string]bool
	order []string
}

func newOrderedSet(fold bool) *orderedSet {
	return &orderedSet{fold: fold, seen: make(map[string]bool)}
}

func newAddressSet() *orderedSet { return newOrderedSet(true) }

func (s *orderedSet) add(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if s.fold {
		v = strings.ToLower(v)
	}
	if s.seen[v] {
		return
	}
	s.seen[v] = true
	s.order = append(s.order, v)
}

func (s *orderedSet) list() []string {
	return s.order
}
