// ABOUTME: Database schema definitions for the sync store
// ABOUTME: Accounts, job rows, single-flight locks, the step log, and synced domain tables
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	external_account_id TEXT NOT NULL,
	email TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT 'google',
	is_active INTEGER NOT NULL DEFAULT 1,
	last_synced_at DATETIME,
	sync_state TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	total_items INTEGER NOT NULL DEFAULT 0,
	processed_items INTEGER NOT NULL DEFAULT 0,
	failed_items INTEGER NOT NULL DEFAULT 0,
	config TEXT,
	result TEXT,
	error TEXT,
	started_at DATETIME,
	completed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_account_type ON sync_jobs(account_id, type);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status);

CREATE TABLE IF NOT EXISTS sync_locks (
	account_id TEXT NOT NULL,
	sync_type TEXT NOT NULL,
	is_syncing INTEGER NOT NULL DEFAULT 0,
	job_id TEXT,
	last_sync_start DATETIME,
	last_sync_complete DATETIME,
	total_items INTEGER NOT NULL DEFAULT 0,
	processed_items INTEGER NOT NULL DEFAULT 0,
	failed_items INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (account_id, sync_type)
);

CREATE TABLE IF NOT EXISTS sync_steps (
	job_id TEXT NOT NULL,
	name TEXT NOT NULL,
	result TEXT NOT NULL,
	completed_at DATETIME NOT NULL,
	PRIMARY KEY (job_id, name),
	FOREIGN KEY (job_id) REFERENCES sync_jobs(id)
);

CREATE TABLE IF NOT EXISTS email_threads (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	subject TEXT,
	snippet TEXT,
	participants TEXT NOT NULL DEFAULT '[]',
	message_count INTEGER NOT NULL DEFAULT 0,
	is_read INTEGER NOT NULL DEFAULT 0,
	is_starred INTEGER NOT NULL DEFAULT 0,
	is_important INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	labels TEXT NOT NULL DEFAULT '[]',
	last_message_at DATETIME,
	updated_at DATETIME NOT NULL,
	UNIQUE (thread_id, account_id)
);

CREATE TABLE IF NOT EXISTS emails (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	subject TEXT,
	from_address TEXT,
	from_name TEXT,
	to_addresses TEXT NOT NULL DEFAULT '[]',
	cc_addresses TEXT NOT NULL DEFAULT '[]',
	snippet TEXT,
	labels TEXT NOT NULL DEFAULT '[]',
	is_read INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	sent_at DATETIME,
	updated_at DATETIME NOT NULL,
	UNIQUE (message_id, account_id)
);

CREATE INDEX IF NOT EXISTS idx_emails_thread ON emails(account_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_emails_user ON emails(user_id);

CREATE TABLE IF NOT EXISTS calendar_events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	title TEXT,
	description TEXT,
	location TEXT,
	start_time DATETIME NOT NULL,
	end_time DATETIME NOT NULL,
	is_all_day INTEGER NOT NULL DEFAULT 0,
	status TEXT,
	meeting_url TEXT,
	organizer TEXT,
	attendees TEXT NOT NULL DEFAULT '[]',
	is_busy INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL,
	UNIQUE (event_id, account_id)
);

CREATE INDEX IF NOT EXISTS idx_calendar_events_start ON calendar_events(account_id, start_time);

CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	account_id TEXT,
	resource_name TEXT,
	email TEXT,
	phone TEXT,
	name TEXT,
	company TEXT,
	job_title TEXT,
	photo_url TEXT,
	source TEXT NOT NULL,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	relationship_strength INTEGER NOT NULL DEFAULT 0,
	last_interaction_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (user_id, email)
);

CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts(user_id, phone);
`

func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
