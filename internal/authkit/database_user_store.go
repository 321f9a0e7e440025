package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/delegauth/internal/storage"
	"github.com/tyemirov/delegauth/pkg/credential"
	"gorm.io/gorm"
)

// Models lists every table the authority migrates.
func Models() []any {
	return []any{&subjectRecord{}, &sessionRecord{}, &verificationCodeRecord{}}
}

// DatabaseUserStore persists subjects using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

type subjectRecord struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Email        string    `gorm:"column:email;uniqueIndex;not null"`
	Name         string    `gorm:"column:name;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	Roles        string    `gorm:"column:roles;not null"`
	Verified     bool      `gorm:"column:verified;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (subjectRecord) TableName() string {
	return "subjects"
}

// NewDatabaseUserStore wraps a database opened with Models.
func NewDatabaseUserStore(database *storage.Database) *DatabaseUserStore {
	return &DatabaseUserStore{db: database.DB, driverLabel: database.Driver}
}

// Create inserts a subject and returns it with its assigned identifier.
func (store *DatabaseUserStore) Create(ctx context.Context, subject Subject) (Subject, error) {
	record := toSubjectRecord(subject)
	record.ID = 0
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if countErr := transaction.Model(&subjectRecord{}).Where("email = ?", record.Email).Count(&existing).Error; countErr != nil {
			return store.persistenceError("create", countErr)
		}
		if existing > 0 {
			return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrDuplicateSubject)
		}
		if createErr := transaction.Create(&record).Error; createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrDuplicateSubject)
			}
			return store.persistenceError("create", createErr)
		}
		return nil
	})
	if err != nil {
		return Subject{}, err
	}
	return record.toSubject()
}

// FindByEmail looks a subject up by its normalized email.
func (store *DatabaseUserStore) FindByEmail(ctx context.Context, email string) (Subject, error) {
	return store.find(ctx, "find_by_email", "email = ?", normalizeEmail(email))
}

// FindByID looks a subject up by identifier.
func (store *DatabaseUserStore) FindByID(ctx context.Context, subjectID int64) (Subject, error) {
	return store.find(ctx, "find_by_id", "id = ?", subjectID)
}

// Update overwrites the mutable fields of an existing subject.
func (store *DatabaseUserStore) Update(ctx context.Context, subject Subject) error {
	result := store.db.WithContext(ctx).Model(&subjectRecord{}).
		Where("id = ?", subject.ID).
		Updates(map[string]interface{}{
			"name":          subject.Name,
			"password_hash": subject.PasswordHash,
			"roles":         credential.NewRoleSet(subject.Roles...).Join(),
			"verified":      subject.Verified,
		})
	if result.Error != nil {
		return store.persistenceError("update", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, ErrSubjectNotFound)
	}
	return nil
}

func (store *DatabaseUserStore) find(ctx context.Context, operation string, query string, argument any) (Subject, error) {
	var record subjectRecord
	err := store.db.WithContext(ctx).Where(query, argument).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Subject{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrSubjectNotFound)
	}
	if err != nil {
		return Subject{}, store.persistenceError(operation, err)
	}
	return record.toSubject()
}

func (store *DatabaseUserStore) persistenceError(operation string, err error) error {
	return fmt.Errorf("user_store.%s.%s: %w: %w", operation, store.driverLabel, ErrPersistence, err)
}

func toSubjectRecord(subject Subject) subjectRecord {
	return subjectRecord{
		ID:           subject.ID,
		Email:        normalizeEmail(subject.Email),
		Name:         subject.Name,
		PasswordHash: subject.PasswordHash,
		Roles:        credential.NewRoleSet(subject.Roles...).Join(),
		Verified:     subject.Verified,
		CreatedAt:    subject.CreatedAt.UTC(),
	}
}

func (record subjectRecord) toSubject() (Subject, error) {
	roles, err := credential.ParseRoleList(record.Roles)
	if err != nil {
		return Subject{}, fmt.Errorf("user_store.decode_roles: %w: %w", ErrPersistence, err)
	}
	return Subject{
		ID:           record.ID,
		Email:        record.Email,
		Name:         record.Name,
		PasswordHash: record.PasswordHash,
		Roles:        roles,
		Verified:     record.Verified,
		CreatedAt:    record.CreatedAt.UTC(),
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
