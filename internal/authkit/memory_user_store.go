package authkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/tyemirov/delegauth/pkg/credential"
)

// MemoryUserStore keeps subjects in process memory.
type MemoryUserStore struct {
	mutex   sync.RWMutex
	byID    map[int64]Subject
	byEmail map[string]int64
	nextID  int64
}

// NewMemoryUserStore constructs an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[int64]Subject),
		byEmail: make(map[string]int64),
	}
}

func (store *MemoryUserStore) Create(ctx context.Context, subject Subject) (Subject, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	email := normalizeEmail(subject.Email)
	if _, exists := store.byEmail[email]; exists {
		return Subject{}, fmt.Errorf("user_store.create.memory: %w", ErrDuplicateSubject)
	}
	store.nextID++
	subject.ID = store.nextID
	subject.Email = email
	subject.Roles = credential.NewRoleSet(subject.Roles...)
	store.byID[subject.ID] = subject
	store.byEmail[email] = subject.ID
	return subject, nil
}

func (store *MemoryUserStore) FindByEmail(ctx context.Context, email string) (Subject, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	subjectID, ok := store.byEmail[normalizeEmail(email)]
	if !ok {
		return Subject{}, fmt.Errorf("user_store.find_by_email.memory: %w", ErrSubjectNotFound)
	}
	return store.byID[subjectID], nil
}

func (store *MemoryUserStore) FindByID(ctx context.Context, subjectID int64) (Subject, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	subject, ok := store.byID[subjectID]
	if !ok {
		return Subject{}, fmt.Errorf("user_store.find_by_id.memory: %w", ErrSubjectNotFound)
	}
	return subject, nil
}

func (store *MemoryUserStore) Update(ctx context.Context, subject Subject) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	existing, ok := store.byID[subject.ID]
	if !ok {
		return fmt.Errorf("user_store.update.memory: %w", ErrSubjectNotFound)
	}
	existing.Name = subject.Name
	existing.PasswordHash = subject.PasswordHash
	existing.Roles = credential.NewRoleSet(subject.Roles...)
	existing.Verified = subject.Verified
	store.byID[subject.ID] = existing
	return nil
}
