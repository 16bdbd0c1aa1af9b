package repository

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_url   TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id           UUID PRIMARY KEY,
		sender_id    TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content      TEXT NOT NULL,
		read         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair
		ON messages (LEAST(sender_id, recipient_id), GREATEST(sender_id, recipient_id), created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient_unread
		ON messages (recipient_id) WHERE read = FALSE`,

	// One live invitation per unordered pair; terminal outcomes delete the row.
	`CREATE TABLE IF NOT EXISTS call_invitations (
		id           UUID PRIMARY KEY,
		caller_id    TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		pair_low     TEXT NOT NULL,
		pair_high    TEXT NOT NULL,
		kind         TEXT NOT NULL CHECK (kind IN ('audio', 'video')),
		status       TEXT NOT NULL CHECK (status IN ('pending', 'accepted')),
		room         TEXT NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (pair_low, pair_high)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_invitations_expires ON call_invitations (expires_at)`,

	`CREATE TABLE IF NOT EXISTS call_logs (
		id          BIGSERIAL PRIMARY KEY,
		call_id     UUID NOT NULL,
		user_id     TEXT NOT NULL,
		peer_id     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		phase       TEXT NOT NULL CHECK (phase IN ('ongoing', 'ended')),
		reason      TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL,
		UNIQUE (call_id, user_id, phase)
	)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id           UUID PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		actor_id     TEXT NOT NULL,
		type         TEXT NOT NULL CHECK (type IN ('like', 'message', 'call', 'match')),
		target_id    TEXT NOT NULL DEFAULT '',
		read         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_unread
		ON notifications (recipient_id, created_at DESC) WHERE read = FALSE`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id           UUID PRIMARY KEY,
		event_type   VARCHAR(50) NOT NULL,
		topic        TEXT NOT NULL,
		payload      BYTEA NOT NULL,
		status       VARCHAR(20) NOT NULL DEFAULT 'PENDING',
		retry_count  INT NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (created_at) WHERE status = 'PENDING'`,
}

// InitSchema creates every table and index. Statements are idempotent.
func InitSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
