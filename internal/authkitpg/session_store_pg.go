package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/delegauth/internal/authkit"
)

const selectSessionColumns = `SELECT session_id, subject_id, access_digest, refresh_digest, revoked, created_at FROM sessions`

// PostgresSessionStore persists sessions in PostgreSQL through a pgx pool.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

var _ authkit.SessionStore = (*PostgresSessionStore)(nil)

// NewPostgresSessionStore constructs a Postgres store.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// Save inserts or updates a session; an existing revoked flag is never cleared.
func (store *PostgresSessionStore) Save(ctx context.Context, session authkit.Session) error {
	return store.SaveAll(ctx, []authkit.Session{session})
}

// SaveAll upserts every session in one batch.
func (store *PostgresSessionStore) SaveAll(ctx context.Context, sessions []authkit.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, session := range sessions {
		batch.Queue(`
INSERT INTO sessions (session_id, subject_id, access_digest, refresh_digest, revoked, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE SET revoked = sessions.revoked OR excluded.revoked
`, session.ID, session.SubjectID, session.AccessDigest, session.RefreshDigest, session.Revoked, session.CreatedAt.UTC())
	}
	if err := store.pool.SendBatch(ctx, batch).Close(); err != nil {
		return persistenceError("save", err)
	}
	return nil
}

// FindByAccess returns the session owning the access credential.
func (store *PostgresSessionStore) FindByAccess(ctx context.Context, accessText string) (authkit.Session, error) {
	return store.findByDigest(ctx, "find_by_access", "access_digest", accessText)
}

// FindByRefresh returns the session owning the refresh credential.
func (store *PostgresSessionStore) FindByRefresh(ctx context.Context, refreshText string) (authkit.Session, error) {
	return store.findByDigest(ctx, "find_by_refresh", "refresh_digest", refreshText)
}

// FindAllNonRevoked lists live sessions for a subject, oldest first.
func (store *PostgresSessionStore) FindAllNonRevoked(ctx context.Context, subjectID int64) ([]authkit.Session, error) {
	rows, err := store.pool.Query(ctx, selectSessionColumns+` WHERE subject_id = $1 AND revoked = FALSE ORDER BY created_at ASC`, subjectID)
	if err != nil {
		return nil, persistenceError("find_all_non_revoked", err)
	}
	sessions, collectErr := pgx.CollectRows(rows, scanSession)
	if collectErr != nil {
		return nil, persistenceError("find_all_non_revoked", collectErr)
	}
	return sessions, nil
}

// RevokeSessions revokes exactly the listed sessions.
func (store *PostgresSessionStore) RevokeSessions(ctx context.Context, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	tag, err := store.pool.Exec(ctx, `UPDATE sessions SET revoked = TRUE WHERE session_id = ANY($1) AND revoked = FALSE`, sessionIDs)
	if err != nil {
		return 0, persistenceError("revoke_sessions", err)
	}
	return tag.RowsAffected(), nil
}

// Rotate locks the superseded row, so a concurrent rotation of the same
// session waits and then observes it revoked.
func (store *PostgresSessionStore) Rotate(ctx context.Context, supersededID string, successor authkit.Session) error {
	return pgx.BeginFunc(ctx, store.pool, func(transaction pgx.Tx) error {
		var subjectID int64
		var revoked bool
		lockErr := transaction.QueryRow(ctx,
			`SELECT subject_id, revoked FROM sessions WHERE session_id = $1 FOR UPDATE`, supersededID).
			Scan(&subjectID, &revoked)
		if errors.Is(lockErr, pgx.ErrNoRows) {
			return fmt.Errorf("session_store.rotate.pgx: %w", authkit.ErrSessionNotFound)
		}
		if lockErr != nil {
			return persistenceError("rotate", lockErr)
		}
		if revoked {
			return fmt.Errorf("session_store.rotate.pgx: %w", authkit.ErrSessionRevoked)
		}
		if _, err := transaction.Exec(ctx,
			`UPDATE sessions SET revoked = TRUE WHERE subject_id = $1 AND revoked = FALSE`, subjectID); err != nil {
			return persistenceError("rotate", err)
		}
		if _, err := transaction.Exec(ctx, `
INSERT INTO sessions (session_id, subject_id, access_digest, refresh_digest, revoked, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, successor.ID, successor.SubjectID, successor.AccessDigest, successor.RefreshDigest, successor.Revoked, successor.CreatedAt.UTC()); err != nil {
			return persistenceError("rotate", err)
		}
		return nil
	})
}

func (store *PostgresSessionStore) findByDigest(ctx context.Context, operation string, column string, credentialText string) (authkit.Session, error) {
	if strings.TrimSpace(credentialText) == "" {
		return authkit.Session{}, fmt.Errorf("session_store.%s.pgx: %w", operation, authkit.ErrEmptyCredentialText)
	}
	rows, err := store.pool.Query(ctx, selectSessionColumns+` WHERE `+column+` = $1`, authkit.DigestCredential(credentialText))
	if err != nil {
		return authkit.Session{}, persistenceError(operation, err)
	}
	session, collectErr := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(collectErr, pgx.ErrNoRows) {
		return authkit.Session{}, fmt.Errorf("session_store.%s.pgx: %w", operation, authkit.ErrSessionNotFound)
	}
	if collectErr != nil {
		return authkit.Session{}, persistenceError(operation, collectErr)
	}
	return session, nil
}

func scanSession(row pgx.CollectableRow) (authkit.Session, error) {
	var session authkit.Session
	err := row.Scan(&session.ID, &session.SubjectID, &session.AccessDigest, &session.RefreshDigest, &session.Revoked, &session.CreatedAt)
	session.CreatedAt = session.CreatedAt.UTC()
	return session, err
}

func persistenceError(operation string, err error) error {
	return fmt.Errorf("session_store.%s.pgx: %w: %w", operation, authkit.ErrPersistence, err)
}
