package authkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the sessions table if it does not exist. The layout
// matches the table the GORM store migrates, so both stores can share a database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    subject_id BIGINT NOT NULL,
    access_digest TEXT NOT NULL UNIQUE,
    refresh_digest TEXT NOT NULL UNIQUE,
    revoked BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_subject_id ON sessions (subject_id);
CREATE INDEX IF NOT EXISTS idx_sessions_revoked ON sessions (revoked);
`)
	if err != nil {
		return fmt.Errorf("authkitpg.ensure_schema: %w", err)
	}
	return nil
}
