package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/delegauth/internal/storage"
	"github.com/tyemirov/delegauth/internal/web"
	"github.com/tyemirov/delegauth/pkg/credential"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMirrorNotFound indicates no local mirror exists for the email.
	ErrMirrorNotFound = errors.New("mirror_store.not_found")
	// ErrMirrorPersistence wraps storage failures.
	ErrMirrorPersistence = errors.New("mirror_store.persistence_failure")
)

// MirroredSubject is the resource service's copy of a subject promoted
// through the escalation bridge.
type MirroredSubject struct {
	SubjectID  int64              `json:"id"`
	Email      string             `json:"email"`
	Name       string             `json:"name"`
	Roles      credential.RoleSet `json:"roles"`
	MirroredAt time.Time          `json:"mirroredAt"`
}

// MirrorStore keeps mirrored subjects keyed by email.
type MirrorStore interface {
	Upsert(ctx context.Context, subject MirroredSubject) error
	FindByEmail(ctx context.Context, email string) (MirroredSubject, error)
}

// Profiles adapts a MirrorStore to the whoami profile lookup.
func Profiles(store MirrorStore) web.ProfileLookup {
	return mirrorProfiles{store: store}
}

type mirrorProfiles struct {
	store MirrorStore
}

func (profiles mirrorProfiles) FindMirrored(ctx context.Context, email string) (web.MirroredProfile, bool, error) {
	subject, err := profiles.store.FindByEmail(ctx, email)
	if errors.Is(err, ErrMirrorNotFound) {
		return web.MirroredProfile{}, false, nil
	}
	if err != nil {
		return web.MirroredProfile{}, false, err
	}
	return web.MirroredProfile{SubjectID: subject.SubjectID, MirroredAt: subject.MirroredAt}, true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryMirrorStore keeps mirrors in process memory.
type MemoryMirrorStore struct {
	mutex   sync.RWMutex
	byEmail map[string]MirroredSubject
}

// NewMemoryMirrorStore constructs an empty store.
func NewMemoryMirrorStore() *MemoryMirrorStore {
	return &MemoryMirrorStore{byEmail: make(map[string]MirroredSubject)}
}

func (store *MemoryMirrorStore) Upsert(ctx context.Context, subject MirroredSubject) error {
	subject.Email = normalizeEmail(subject.Email)
	subject.Roles = credential.NewRoleSet(subject.Roles...)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byEmail[subject.Email] = subject
	return nil
}

func (store *MemoryMirrorStore) FindByEmail(ctx context.Context, email string) (MirroredSubject, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	subject, found := store.byEmail[normalizeEmail(email)]
	if !found {
		return MirroredSubject{}, fmt.Errorf("mirror_store.find_by_email.memory: %w", ErrMirrorNotFound)
	}
	return subject, nil
}

type mirroredSubjectRecord struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SubjectID  int64     `gorm:"column:subject_id;not null"`
	Email      string    `gorm:"column:email;uniqueIndex;not null"`
	Name       string    `gorm:"column:name;not null"`
	Roles      string    `gorm:"column:roles;not null"`
	MirroredAt time.Time `gorm:"column:mirrored_at;not null"`
}

func (mirroredSubjectRecord) TableName() string {
	return "mirrored_subjects"
}

// Models lists the tables a resource database must migrate.
func Models() []interface{} {
	return []interface{}{&mirroredSubjectRecord{}}
}

// DatabaseMirrorStore persists mirrors using GORM.
type DatabaseMirrorStore struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseMirrorStore wraps a database opened with Models.
func NewDatabaseMirrorStore(database *storage.Database) *DatabaseMirrorStore {
	return &DatabaseMirrorStore{db: database.DB, driverLabel: database.Driver}
}

// Upsert inserts the mirror or refreshes the existing row with the same email.
func (store *DatabaseMirrorStore) Upsert(ctx context.Context, subject MirroredSubject) error {
	record := mirroredSubjectRecord{
		SubjectID:  subject.SubjectID,
		Email:      normalizeEmail(subject.Email),
		Name:       subject.Name,
		Roles:      credential.NewRoleSet(subject.Roles...).Join(),
		MirroredAt: subject.MirroredAt.UTC(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject_id", "name", "roles", "mirrored_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("mirror_store.upsert.%s: %w: %w", store.driverLabel, ErrMirrorPersistence, err)
	}
	return nil
}

// FindByEmail returns the mirror for email.
func (store *DatabaseMirrorStore) FindByEmail(ctx context.Context, email string) (MirroredSubject, error) {
	var record mirroredSubjectRecord
	err := store.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MirroredSubject{}, fmt.Errorf("mirror_store.find_by_email.%s: %w", store.driverLabel, ErrMirrorNotFound)
	}
	if err != nil {
		return MirroredSubject{}, fmt.Errorf("mirror_store.find_by_email.%s: %w: %w", store.driverLabel, ErrMirrorPersistence, err)
	}
	roles, rolesErr := credential.ParseRoleList(record.Roles)
	if rolesErr != nil {
		return MirroredSubject{}, fmt.Errorf("mirror_store.find_by_email.%s: %w: %w", store.driverLabel, ErrMirrorPersistence, rolesErr)
	}
	return MirroredSubject{
		SubjectID:  record.SubjectID,
		Email:      record.Email,
		Name:       record.Name,
		Roles:      roles,
		MirroredAt: record.MirroredAt.UTC(),
	}, nil
}
