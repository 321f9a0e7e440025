package authkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCodeStore keeps verification codes in process memory.
type MemoryCodeStore struct {
	mutex sync.RWMutex
	codes []VerificationCode
}

// NewMemoryCodeStore constructs an empty store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{}
}

func (store *MemoryCodeStore) Replace(ctx context.Context, code VerificationCode) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index := range store.codes {
		if store.codes[index].SubjectID == code.SubjectID {
			store.codes[index].Valid = false
		}
	}
	store.codes = append(store.codes, code)
	return nil
}

func (store *MemoryCodeStore) FindAllValid(ctx context.Context, subjectID int64) ([]VerificationCode, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	valid := make([]VerificationCode, 0, 1)
	for index := len(store.codes) - 1; index >= 0; index-- {
		if store.codes[index].SubjectID == subjectID && store.codes[index].Valid {
			valid = append(valid, store.codes[index])
		}
	}
	return valid, nil
}

func (store *MemoryCodeStore) FindValid(ctx context.Context, subjectID int64, code string) (VerificationCode, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	for index := len(store.codes) - 1; index >= 0; index-- {
		candidate := store.codes[index]
		if candidate.SubjectID == subjectID && candidate.Code == code && candidate.Valid {
			return candidate, nil
		}
	}
	return VerificationCode{}, fmt.Errorf("code_store.find_valid.memory: %w", ErrCodeInvalid)
}

func (store *MemoryCodeStore) Invalidate(ctx context.Context, codeID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index := range store.codes {
		if store.codes[index].ID == codeID {
			store.codes[index].Valid = false
		}
	}
	return nil
}
