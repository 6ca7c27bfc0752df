// ABOUTME: Connected account operations and per-provider cursor persistence
// ABOUTME: Cursor writes merge into sync_state with json_set so providers never clobber each other
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/mailsync/models"
)

func CreateAccount(ctx context.Context, db *sql.DB, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.Provider == "" {
		account.Provider = models.ProviderGoogle
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.IsActive = true

	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, external_account_id, email, provider, is_active, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, '{}', ?, ?)
	`, account.ID, account.UserID, account.ExternalAccountID, strings.ToLower(account.Email), account.Provider, now, now)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

const accountColumns = `id, user_id, external_account_id, email, provider, is_active, last_synced_at, sync_state, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var lastSynced sql.NullTime
	var state sql.NullString

	if err := row.Scan(&a.ID, &a.UserID, &a.ExternalAccountID, &a.Email, &a.Provider, &a.IsActive,
		&lastSynced, &state, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.LastSyncedAt = nullTimePtr(lastSynced)

	parsed, err := models.ParseSyncState([]byte(state.String))
	if err != nil {
		return nil, fmt.Errorf("corrupt sync_state for account %s: %w", a.ID, err)
	}
	a.SyncState = parsed
	return &a, nil
}

// GetAccount returns ErrNotFound when the account does not exist.
func GetAccount(ctx context.Context, db *sql.DB, id string) (*models.Account, error) {
	row := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccounts returns every account, or only active ones.
func ListAccounts(ctx context.Context, db *sql.DB, activeOnly bool) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

func SetAccountActive(ctx context.Context, db *sql.DB, id string, active bool) error {
	res, err := db.ExecContext(ctx, `UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCursor merges the cursor's own paths into sync_state and stamps
// last_synced_at in one statement.
func SaveCursor(ctx context.Context, db *sql.DB, accountID string, cursor models.Cursor, syncedAt time.Time) error {
	fields := cursor.Fields()
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	placeholders := make([]string, 0, len(paths))
	args := make([]any, 0, len(paths)*2+2)
	for _, p := range paths {
		placeholders = append(placeholders, "?, ?")
		args = append(args, p, fields[p])
	}
	args = append(args, syncedAt.UTC(), accountID)

	query := fmt.Sprintf(`
		UPDATE accounts SET
			sync_state = json_set(COALESCE(NULLIF(sync_state, ''), '{}'), %s),
			last_synced_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, strings.Join(placeholders, ", "))

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save %s cursor: %w", cursor.Type(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
