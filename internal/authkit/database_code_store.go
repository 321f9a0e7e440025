package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/delegauth/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseCodeStore persists verification codes using GORM.
type DatabaseCodeStore struct {
	db          *gorm.DB
	driverLabel string
	rowLocks    bool
}

type verificationCodeRecord struct {
	CodeID    string    `gorm:"column:code_id;primaryKey"`
	SubjectID int64     `gorm:"column:subject_id;index;not null"`
	Code      string    `gorm:"column:code;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	Valid     bool      `gorm:"column:valid;index;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (verificationCodeRecord) TableName() string {
	return "verification_codes"
}

// NewDatabaseCodeStore wraps a database opened with Models.
func NewDatabaseCodeStore(database *storage.Database) *DatabaseCodeStore {
	return &DatabaseCodeStore{db: database.DB, driverLabel: database.Driver, rowLocks: database.SupportsRowLocks()}
}

// Replace invalidates the subject's valid codes and inserts code in one
// transaction. On postgres the subject row is locked so concurrent issuers queue.
func (store *DatabaseCodeStore) Replace(ctx context.Context, code VerificationCode) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if store.rowLocks {
			var owner subjectRecord
			lockErr := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ?", code.SubjectID).Take(&owner).Error
			if errors.Is(lockErr, gorm.ErrRecordNotFound) {
				return fmt.Errorf("code_store.replace.%s: %w", store.driverLabel, ErrSubjectNotFound)
			}
			if lockErr != nil {
				return store.persistenceError("replace", lockErr)
			}
		}
		invalidate := transaction.Model(&verificationCodeRecord{}).
			Where("subject_id = ? AND valid = ?", code.SubjectID, true).
			Update("valid", false)
		if invalidate.Error != nil {
			return store.persistenceError("replace", invalidate.Error)
		}
		record := toCodeRecord(code)
		if createErr := transaction.Create(&record).Error; createErr != nil {
			return store.persistenceError("replace", createErr)
		}
		return nil
	})
}

// FindAllValid lists the subject's codes still marked valid.
func (store *DatabaseCodeStore) FindAllValid(ctx context.Context, subjectID int64) ([]VerificationCode, error) {
	var records []verificationCodeRecord
	err := store.db.WithContext(ctx).
		Where("subject_id = ? AND valid = ?", subjectID, true).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, store.persistenceError("find_all_valid", err)
	}
	codes := make([]VerificationCode, 0, len(records))
	for _, record := range records {
		codes = append(codes, record.toCode())
	}
	return codes, nil
}

// FindValid returns the newest valid code matching subject and text.
func (store *DatabaseCodeStore) FindValid(ctx context.Context, subjectID int64, code string) (VerificationCode, error) {
	var record verificationCodeRecord
	err := store.db.WithContext(ctx).
		Where("subject_id = ? AND code = ? AND valid = ?", subjectID, code, true).
		Order("created_at DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VerificationCode{}, fmt.Errorf("code_store.find_valid.%s: %w", store.driverLabel, ErrCodeInvalid)
	}
	if err != nil {
		return VerificationCode{}, store.persistenceError("find_valid", err)
	}
	return record.toCode(), nil
}

// Invalidate marks one code as no longer usable.
func (store *DatabaseCodeStore) Invalidate(ctx context.Context, codeID string) error {
	err := store.db.WithContext(ctx).Model(&verificationCodeRecord{}).
		Where("code_id = ?", codeID).
		Update("valid", false).Error
	if err != nil {
		return store.persistenceError("invalidate", err)
	}
	return nil
}

func (store *DatabaseCodeStore) persistenceError(operation string, err error) error {
	return fmt.Errorf("code_store.%s.%s: %w: %w", operation, store.driverLabel, ErrPersistence, err)
}

func toCodeRecord(code VerificationCode) verificationCodeRecord {
	return verificationCodeRecord{
		CodeID:    code.ID,
		SubjectID: code.SubjectID,
		Code:      code.Code,
		ExpiresAt: code.ExpiresAt.UTC(),
		Valid:     code.Valid,
		CreatedAt: code.CreatedAt.UTC(),
	}
}

func (record verificationCodeRecord) toCode() VerificationCode {
	return VerificationCode{
		ID:        record.CodeID,
		SubjectID: record.SubjectID,
		Code:      record.Code,
		ExpiresAt: record.ExpiresAt.UTC(),
		Valid:     record.Valid,
		CreatedAt: record.CreatedAt.UTC(),
	}
}
