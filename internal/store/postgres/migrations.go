package postgres

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		visibility TEXT NOT NULL DEFAULT '',
		creator_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		room_id TEXT NOT NULL,
		id BIGINT NOT NULL,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		reply_to BIGINT,
		created_at TIMESTAMPTZ NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (room_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'member',
		status TEXT NOT NULL DEFAULT 'pending',
		blocked TEXT[] NOT NULL DEFAULT '{}'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id)`,
}

// Migrate creates the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	s.log.Info("postgres schema ready")
	return nil
}
