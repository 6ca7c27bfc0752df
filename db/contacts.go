// ABOUTME: Contact database operations for synced and email-derived contacts
// ABOUTME: Email contacts upsert on lowercased address; phone-only contacts use check-then-write
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/mailsync/models"
)

// UpsertContactByEmail inserts or refreshes the contact keyed by (user_id, lower(email)).
// Interaction stats are owned by ApplyContactStats and never overwritten here.
func UpsertContactByEmail(ctx context.Context, db *sql.DB, c *models.Contact) error {
	if c.Email == "" {
		return fmt.Errorf("contact has no email")
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()

	_, err := db.ExecContext(ctx, `
		INSERT INTO contacts (id, user_id, account_id, resource_name, email, phone, name, company, job_title,
			photo_url, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, email) DO UPDATE SET
			account_id = excluded.account_id,
			resource_name = COALESCE(excluded.resource_name, contacts.resource_name),
			phone = COALESCE(excluded.phone, contacts.phone),
			name = COALESCE(NULLIF(excluded.name, ''), contacts.name),
			company = COALESCE(excluded.company, contacts.company),
			job_title = COALESCE(excluded.job_title, contacts.job_title),
			photo_url = COALESCE(excluded.photo_url, contacts.photo_url),
			source = excluded.source,
			updated_at = excluded.updated_at
	`, c.ID.String(), c.UserID, c.AccountID, nullableString(c.ResourceName), c.Email, nullableString(c.Phone),
		c.Name, nullableString(c.Company), nullableString(c.JobTitle), nullableString(c.PhotoURL),
		string(c.Source), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert contact %s: %w", c.Email, err)
	}
	return nil
}

// UpsertContactByPhone handles contacts without an email. SQLite cannot key an
// upsert on a nullable column, so this checks for an email-less row with the
// same phone and updates it, or inserts a new one.
func UpsertContactByPhone(ctx context.Context, db *sql.DB, c *models.Contact) error {
	if c.Phone == "" {
		return fmt.Errorf("contact has no phone")
	}
	now := time.Now().UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin contact upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM contacts WHERE user_id = ? AND phone = ? AND email IS NULL LIMIT 1
	`, c.UserID, c.Phone).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO contacts (id, user_id, account_id, resource_name, email, phone, name, company, job_title,
				photo_url, source, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID.String(), c.UserID, c.AccountID, nullableString(c.ResourceName), c.Phone, c.Name,
			nullableString(c.Company), nullableString(c.JobTitle), nullableString(c.PhotoURL), string(c.Source), now, now)
	case err != nil:
		return fmt.Errorf("failed to look up contact by phone: %w", err)
	default:
		c.ID, _ = uuid.Parse(existing)
		_, err = tx.ExecContext(ctx, `
			UPDATE contacts SET account_id = ?, resource_name = COALESCE(?, resource_name),
				name = COALESCE(NULLIF(?, ''), name), company = COALESCE(?, company),
				job_title = COALESCE(?, job_title), photo_url = COALESCE(?, photo_url),
				source = ?, updated_at = ?
			WHERE id = ?
		`, c.AccountID, nullableString(c.ResourceName), c.Name, nullableString(c.Company),
			nullableString(c.JobTitle), nullableString(c.PhotoURL), string(c.Source), now, existing)
	}
	if err != nil {
		return fmt.Errorf("failed to write contact %s: %w", c.Phone, err)
	}
	return tx.Commit()
}

const contactColumns = `id, user_id, account_id, resource_name, email, phone, name, company, job_title, photo_url,
	source, interaction_count, relationship_strength, last_interaction_at`

func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var id, source string
	var accountID, resource, email, phone, name, company, title, photo sql.NullString
	var lastAt sql.NullTime

	if err := row.Scan(&id, &c.UserID, &accountID, &resource, &email, &phone, &name, &company, &title, &photo,
		&source, &c.InteractionCount, &c.RelationshipStrength, &lastAt); err != nil {
		return nil, err
	}
	c.ID, _ = uuid.Parse(id)
	c.AccountID = accountID.String
	c.ResourceName = resource.String
	c.Email = email.String
	c.Phone = phone.String
	c.Name = name.String
	c.Company = company.String
	c.JobTitle = title.String
	c.PhotoURL = photo.String
	c.Source = models.ContactSource(source)
	c.LastInteractionAt = nullTimePtr(lastAt)
	return &c, nil
}

func GetContactByEmail(ctx context.Context, db *sql.DB, userID, email string) (*models.Contact, error) {
	c, err := scanContact(db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE user_id = ? AND email = ?`,
		userID, strings.ToLower(email)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, nil
}

func GetContactByPhone(ctx context.Context, db *sql.DB, userID, phone string) (*models.Contact, error) {
	c, err := scanContact(db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE user_id = ? AND phone = ? AND email IS NULL`,
		userID, phone))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, nil
}

func CountContacts(ctx context.Context, db *sql.DB, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// ContactStat is the aggregated interaction history for one address.
type ContactStat struct {
	Email  string
	Name   string
	Count  int
	LastAt time.Time
}

// ApplyContactStats replaces every contact's interaction stats for userID in
// one transaction. With derive set, addresses that are not yet contacts are
// inserted as email-derived contacts first. It returns how many were derived.
func ApplyContactStats(ctx context.Context, db *sql.DB, userID, accountID string, stats []ContactStat, derive bool) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin contact stats: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	// full recompute: contacts with no remaining mail drop back to zero
	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts SET interaction_count = 0, relationship_strength = 0
		WHERE user_id = ? AND interaction_count != 0
	`, userID); err != nil {
		return 0, fmt.Errorf("failed to reset contact stats: %w", err)
	}

	derived := 0
	for _, s := range stats {
		email := strings.ToLower(s.Email)
		if derive {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO contacts (id, user_id, account_id, email, name, source, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, email) DO NOTHING
			`, uuid.New().String(), userID, accountID, email, s.Name, string(models.ContactSourceDerived), now, now)
			if err != nil {
				return 0, fmt.Errorf("failed to derive contact %s: %w", email, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				derived++
			}
		}

		var lastAt any
		if !s.LastAt.IsZero() {
			lastAt = s.LastAt.UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE contacts SET interaction_count = ?, relationship_strength = ?,
				last_interaction_at = COALESCE(?, last_interaction_at), updated_at = ?
			WHERE user_id = ? AND email = ?
		`, s.Count, models.StrengthFromInteractions(s.Count), lastAt, now, userID, email); err != nil {
			return 0, fmt.Errorf("failed to update contact stats %s: %w", email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit contact stats: %w", err)
	}
	return derived, nil
}
