// ABOUTME: Gmail thread and message persistence
// ABOUTME: Idempotent upserts keyed on (thread_id, account_id) and (message_id, account_id)
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/mailsync/models"
)

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func unmarshalList(raw sql.NullString) []string {
	var list []string
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &list)
	}
	return list
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func UpsertThread(ctx context.Context, db *sql.DB, t *models.Thread) error {
	return upsertThread(ctx, db, t)
}

func upsertThread(ctx context.Context, ex execer, t *models.Thread) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO email_threads (id, user_id, account_id, thread_id, subject, snippet, participants,
			message_count, is_read, is_starred, is_important, has_attachments, labels, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, account_id) DO UPDATE SET
			subject = excluded.subject,
			snippet = excluded.snippet,
			participants = excluded.participants,
			message_count = excluded.message_count,
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			is_important = excluded.is_important,
			has_attachments = excluded.has_attachments,
			labels = excluded.labels,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at
	`, t.ID.String(), t.UserID, t.AccountID, t.ThreadID, t.Subject, t.Snippet, marshalList(t.Participants),
		t.MessageCount, t.IsRead, t.IsStarred, t.IsImportant, t.HasAttachments, marshalList(t.Labels),
		t.LastMessageAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", t.ThreadID, err)
	}
	return nil
}

func UpsertEmail(ctx context.Context, db *sql.DB, e *models.Email) error {
	return upsertEmail(ctx, db, e)
}

func upsertEmail(ctx context.Context, ex execer, e *models.Email) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO emails (id, user_id, account_id, message_id, thread_id, subject, from_address, from_name,
			to_addresses, cc_addresses, snippet, labels, is_read, has_attachments, sent_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, account_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			from_address = excluded.from_address,
			from_name = excluded.from_name,
			to_addresses = excluded.to_addresses,
			cc_addresses = excluded.cc_addresses,
			snippet = excluded.snippet,
			labels = excluded.labels,
			is_read = excluded.is_read,
			has_attachments = excluded.has_attachments,
			sent_at = excluded.sent_at,
			updated_at = excluded.updated_at
	`, e.ID.String(), e.UserID, e.AccountID, e.MessageID, e.ThreadID, e.Subject, e.FromAddress, e.FromName,
		marshalList(e.ToAddresses), marshalList(e.CcAddresses), e.Snippet, marshalList(e.Labels),
		e.IsRead, e.HasAttachments, e.SentAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert email %s: %w", e.MessageID, err)
	}
	return nil
}

// ReplaceThread writes a refetched thread and its messages in one
// transaction and drops stored messages the thread no longer contains.
func ReplaceThread(ctx context.Context, db *sql.DB, t *models.Thread, emails []*models.Email) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin thread write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertThread(ctx, tx, t); err != nil {
		return err
	}
	keep := make([]string, 0, len(emails))
	args := []any{t.AccountID, t.ThreadID}
	for _, e := range emails {
		if err := upsertEmail(ctx, tx, e); err != nil {
			return err
		}
		keep = append(keep, "?")
		args = append(args, e.MessageID)
	}

	query := `DELETE FROM emails WHERE account_id = ? AND thread_id = ?`
	if len(keep) > 0 {
		query += ` AND message_id NOT IN (` + strings.Join(keep, ", ") + `)`
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to prune messages of thread %s: %w", t.ThreadID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit thread %s: %w", t.ThreadID, err)
	}
	return nil
}

// DeleteThread removes a thread and its messages after it disappeared upstream.
func DeleteThread(ctx context.Context, db *sql.DB, accountID, threadID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin thread delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM emails WHERE account_id = ? AND thread_id = ?`, accountID, threadID); err != nil {
		return fmt.Errorf("failed to delete thread messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM email_threads WHERE account_id = ? AND thread_id = ?`, accountID, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return tx.Commit()
}

func GetThread(ctx context.Context, db *sql.DB, accountID, threadID string) (*models.Thread, error) {
	var t models.Thread
	var id string
	var participants, labels sql.NullString
	var lastMessage sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT id, user_id, account_id, thread_id, subject, snippet, participants, message_count,
			is_read, is_starred, is_important, has_attachments, labels, last_message_at
		FROM email_threads WHERE account_id = ? AND thread_id = ?
	`, accountID, threadID).Scan(&id, &t.UserID, &t.AccountID, &t.ThreadID, &t.Subject, &t.Snippet,
		&participants, &t.MessageCount, &t.IsRead, &t.IsStarred, &t.IsImportant, &t.HasAttachments,
		&labels, &lastMessage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	t.ID, _ = uuid.Parse(id)
	t.Participants = unmarshalList(participants)
	t.Labels = unmarshalList(labels)
	if lastMessage.Valid {
		t.LastMessageAt = lastMessage.Time
	}
	return &t, nil
}

func CountThreads(ctx context.Context, db *sql.DB, accountID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_threads WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}

func CountEmails(ctx context.Context, db *sql.DB, accountID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}

// EmailParticipants is the address slice of one stored message.
type EmailParticipants struct {
	FromAddress string
	FromName    string
	To          []string
	Cc          []string
	SentAt      time.Time
}

// ListEmailParticipants reads every stored message's addresses for a user.
// The rows are fully drained before returning.
func ListEmailParticipants(ctx context.Context, db *sql.DB, userID string) ([]EmailParticipants, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT from_address, from_name, to_addresses, cc_addresses, sent_at
		FROM emails WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query email participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EmailParticipants
	for rows.Next() {
		var p EmailParticipants
		var from, name, to, cc sql.NullString
		var sent sql.NullTime
		if err := rows.Scan(&from, &name, &to, &cc, &sent); err != nil {
			return nil, fmt.Errorf("failed to scan email participants: %w", err)
		}
		p.FromAddress = from.String
		p.FromName = name.String
		p.To = unmarshalList(to)
		p.Cc = unmarshalList(cc)
		if sent.Valid {
			p.SentAt = sent.Time
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating email participants: %w", err)
	}
	return out, nil
}
