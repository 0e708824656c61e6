package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied in order on startup. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS email_accounts (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		email TEXT NOT NULL,
		provider TEXT NOT NULL CHECK (provider IN ('gmail', 'outlook', 'custom')),
		auth_type TEXT NOT NULL CHECK (auth_type IN ('password', 'oauth')),
		access_token TEXT,
		refresh_token TEXT,
		token_expires_at TIMESTAMPTZ,
		imap_host TEXT,
		imap_port INTEGER,
		imap_username TEXT,
		imap_password TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (sync_status IN ('pending', 'seeding', 'syncing', 'completed', 'failed')),
		sync_cursor JSONB,
		sync_error TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		needs_reauth BOOLEAN NOT NULL DEFAULT FALSE,
		sync_retry_count INTEGER NOT NULL DEFAULT 0,
		last_failed_at TIMESTAMPTZ,
		last_sync_at TIMESTAMPTZ,
		initial_sync_completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, email),
		CONSTRAINT reauth_implies_failed CHECK (NOT needs_reauth OR sync_status = 'failed')
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_accounts_status
		ON email_accounts (sync_status) WHERE needs_reauth = FALSE`,
	`CREATE TABLE IF NOT EXISTS emails (
		id BIGINT PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES email_accounts (id) ON DELETE CASCADE,
		message_id TEXT NOT NULL,
		thread_id TEXT,
		folder TEXT NOT NULL,
		from_addr TEXT NOT NULL DEFAULT '',
		to_addrs TEXT[],
		cc_addrs TEXT[],
		bcc_addrs TEXT[],
		subject TEXT NOT NULL DEFAULT '',
		body_raw TEXT,
		body_html TEXT,
		body_plain TEXT,
		headers JSONB,
		imap_uid BIGINT,
		flags TEXT[],
		received_at TIMESTAMPTZ NOT NULL,
		sanitized_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_account_folder ON emails (account_id, folder)`,
	`CREATE TABLE IF NOT EXISTS email_attachments (
		id BIGSERIAL PRIMARY KEY,
		email_id BIGINT NOT NULL REFERENCES emails (id) ON DELETE CASCADE,
		filename TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL DEFAULT 0,
		content_id TEXT,
		disposition TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sync_log (
		id BIGSERIAL PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES email_accounts (id) ON DELETE CASCADE,
		event TEXT NOT NULL,
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_log_account ON sync_log (account_id, id DESC)`,
}

// EnsureSchema creates the tables used by the persistence adapters.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
