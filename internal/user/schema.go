package user

import (
	"context"
	"fmt"
)

// Schema statements are additive only: CREATE IF NOT EXISTS plus
// ADD COLUMN IF NOT EXISTS for columns introduced after the initial
// release. Never destructive.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		invite_token_hash TEXT NOT NULL DEFAULT '',
		invite_expires_at TIMESTAMPTZ,
		features JSONB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		is_approver BOOLEAN NOT NULL DEFAULT FALSE,
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_login_at TIMESTAMPTZ
	)`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS is_approver BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS avatar_url TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS last_login_at TIMESTAMPTZ`,
	`CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		user_agent TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id)`,
}

// EnsureSchema creates the users and sessions tables if they are absent and
// applies additive column migrations. Safe to call on every request; the
// statements are no-ops once applied.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring user schema: %w", err)
		}
	}
	return nil
}
