package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/delegauth/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseSessionStore persists sessions using GORM.
type DatabaseSessionStore struct {
	db          *gorm.DB
	driverLabel string
}

type sessionRecord struct {
	SessionID     string    `gorm:"column:session_id;primaryKey"`
	SubjectID     int64     `gorm:"column:subject_id;index;not null"`
	AccessDigest  string    `gorm:"column:access_digest;uniqueIndex;not null"`
	RefreshDigest string    `gorm:"column:refresh_digest;uniqueIndex;not null"`
	Revoked       bool      `gorm:"column:revoked;index;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

func (sessionRecord) TableName() string {
	return "sessions"
}

// NewDatabaseSessionStore wraps a database opened with Models.
func NewDatabaseSessionStore(database *storage.Database) *DatabaseSessionStore {
	return &DatabaseSessionStore{db: database.DB, driverLabel: database.Driver}
}

// Driver exposes the selected database driver label.
func (store *DatabaseSessionStore) Driver() string {
	return store.driverLabel
}

// Save inserts or updates a session; an existing revoked flag is never cleared.
func (store *DatabaseSessionStore) Save(ctx context.Context, session Session) error {
	return store.SaveAll(ctx, []Session{session})
}

// SaveAll upserts every session in a single statement.
func (store *DatabaseSessionStore) SaveAll(ctx context.Context, sessions []Session) error {
	if len(sessions) == 0 {
		return nil
	}
	records := make([]sessionRecord, 0, len(sessions))
	for _, session := range sessions {
		records = append(records, toSessionRecord(session))
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"revoked": gorm.Expr("sessions.revoked OR excluded.revoked"),
		}),
	}).Create(&records).Error
	if err != nil {
		return store.persistenceError("save", err)
	}
	return nil
}

// FindByAccess returns the session owning the access credential.
func (store *DatabaseSessionStore) FindByAccess(ctx context.Context, accessText string) (Session, error) {
	return store.findByDigest(ctx, "find_by_access", "access_digest", accessText)
}

// FindByRefresh returns the session owning the refresh credential.
func (store *DatabaseSessionStore) FindByRefresh(ctx context.Context, refreshText string) (Session, error) {
	return store.findByDigest(ctx, "find_by_refresh", "refresh_digest", refreshText)
}

// FindAllNonRevoked lists live sessions for a subject, oldest first.
func (store *DatabaseSessionStore) FindAllNonRevoked(ctx context.Context, subjectID int64) ([]Session, error) {
	var records []sessionRecord
	err := store.db.WithContext(ctx).
		Where("subject_id = ? AND revoked = ?", subjectID, false).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, store.persistenceError("find_all_non_revoked", err)
	}
	sessions := make([]Session, 0, len(records))
	for _, record := range records {
		sessions = append(sessions, record.toSession())
	}
	return sessions, nil
}

// RevokeSessions revokes exactly the listed sessions.
func (store *DatabaseSessionStore) RevokeSessions(ctx context.Context, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	result := store.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("session_id IN ? AND revoked = ?", sessionIDs, false).
		Update("revoked", true)
	if result.Error != nil {
		return 0, store.persistenceError("revoke_sessions", result.Error)
	}
	return result.RowsAffected, nil
}

// Rotate claims the superseded session with a conditional update, so two
// concurrent rotations of the same session cannot both succeed.
func (store *DatabaseSessionStore) Rotate(ctx context.Context, supersededID string, successor Session) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var superseded sessionRecord
		findErr := transaction.Where("session_id = ?", supersededID).Take(&superseded).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		if findErr != nil {
			return store.persistenceError("rotate", findErr)
		}
		claim := transaction.Model(&sessionRecord{}).
			Where("session_id = ? AND revoked = ?", supersededID, false).
			Update("revoked", true)
		if claim.Error != nil {
			return store.persistenceError("rotate", claim.Error)
		}
		if claim.RowsAffected == 0 {
			return fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, ErrSessionRevoked)
		}
		sweep := transaction.Model(&sessionRecord{}).
			Where("subject_id = ? AND revoked = ?", superseded.SubjectID, false).
			Update("revoked", true)
		if sweep.Error != nil {
			return store.persistenceError("rotate", sweep.Error)
		}
		record := toSessionRecord(successor)
		if createErr := transaction.Create(&record).Error; createErr != nil {
			return store.persistenceError("rotate", createErr)
		}
		return nil
	})
}

func (store *DatabaseSessionStore) findByDigest(ctx context.Context, operation string, column string, credentialText string) (Session, error) {
	if strings.TrimSpace(credentialText) == "" {
		return Session{}, fmt.Errorf("session_store.%s.%s: %w", operation, store.driverLabel, ErrEmptyCredentialText)
	}
	var record sessionRecord
	err := store.db.WithContext(ctx).Where(column+" = ?", DigestCredential(credentialText)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("session_store.%s.%s: %w", operation, store.driverLabel, ErrSessionNotFound)
	}
	if err != nil {
		return Session{}, store.persistenceError(operation, err)
	}
	return record.toSession(), nil
}

func (store *DatabaseSessionStore) persistenceError(operation string, err error) error {
	return fmt.Errorf("session_store.%s.%s: %w: %w", operation, store.driverLabel, ErrPersistence, err)
}

func toSessionRecord(session Session) sessionRecord {
	return sessionRecord{
		SessionID:     session.ID,
		SubjectID:     session.SubjectID,
		AccessDigest:  session.AccessDigest,
		RefreshDigest: session.RefreshDigest,
		Revoked:       session.Revoked,
		CreatedAt:     session.CreatedAt.UTC(),
	}
}

func (record sessionRecord) toSession() Session {
	return Session{
		ID:            record.SessionID,
		SubjectID:     record.SubjectID,
		AccessDigest:  record.AccessDigest,
		RefreshDigest: record.RefreshDigest,
		Revoked:       record.Revoked,
		CreatedAt:     record.CreatedAt.UTC(),
	}
}
