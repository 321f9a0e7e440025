package authkit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemorySessionStore is an in-memory SessionStore intended for tests and dev.
// Lookups take the read lock so readers never wait on each other.
type MemorySessionStore struct {
	mutex           sync.RWMutex
	byID            map[string]*Session
	byAccessDigest  map[string]string
	byRefreshDigest map[string]string
	bySubject       map[int64][]string
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		byID:            make(map[string]*Session),
		byAccessDigest:  make(map[string]string),
		byRefreshDigest: make(map[string]string),
		bySubject:       make(map[int64][]string),
	}
}

// Save inserts or updates a session.
func (store *MemorySessionStore) Save(ctx context.Context, session Session) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.saveLocked(session)
	return nil
}

// SaveAll applies Save to every session under one lock.
func (store *MemorySessionStore) SaveAll(ctx context.Context, sessions []Session) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, session := range sessions {
		store.saveLocked(session)
	}
	return nil
}

// FindByAccess returns the session owning the access credential.
func (store *MemorySessionStore) FindByAccess(ctx context.Context, accessText string) (Session, error) {
	return store.findByDigest(accessText, store.byAccessDigest, "session_store.find_by_access.memory")
}

// FindByRefresh returns the session owning the refresh credential.
func (store *MemorySessionStore) FindByRefresh(ctx context.Context, refreshText string) (Session, error) {
	return store.findByDigest(refreshText, store.byRefreshDigest, "session_store.find_by_refresh.memory")
}

// FindAllNonRevoked lists live sessions for a subject, oldest first.
func (store *MemorySessionStore) FindAllNonRevoked(ctx context.Context, subjectID int64) ([]Session, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.liveLocked(subjectID), nil
}

// RevokeSessions revokes the listed sessions.
func (store *MemorySessionStore) RevokeSessions(ctx context.Context, sessionIDs []string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var revoked int64
	for _, sessionID := range sessionIDs {
		record := store.byID[sessionID]
		if record == nil || record.Revoked {
			continue
		}
		record.Revoked = true
		revoked++
	}
	return revoked, nil
}

// Rotate claims the superseded session and replaces every live session of the
// subject with successor.
func (store *MemorySessionStore) Rotate(ctx context.Context, supersededID string, successor Session) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	superseded := store.byID[supersededID]
	if superseded == nil {
		return fmt.Errorf("session_store.rotate.memory: %w", ErrSessionNotFound)
	}
	if superseded.Revoked {
		return fmt.Errorf("session_store.rotate.memory: %w", ErrSessionRevoked)
	}
	superseded.Revoked = true
	for _, sessionID := range store.bySubject[superseded.SubjectID] {
		store.byID[sessionID].Revoked = true
	}
	store.saveLocked(successor)
	return nil
}

func (store *MemorySessionStore) saveLocked(session Session) {
	if existing := store.byID[session.ID]; existing != nil {
		existing.Revoked = existing.Revoked || session.Revoked
		return
	}
	record := session
	store.byID[record.ID] = &record
	store.byAccessDigest[record.AccessDigest] = record.ID
	store.byRefreshDigest[record.RefreshDigest] = record.ID
	store.bySubject[record.SubjectID] = append(store.bySubject[record.SubjectID], record.ID)
}

func (store *MemorySessionStore) liveLocked(subjectID int64) []Session {
	live := make([]Session, 0)
	for _, sessionID := range store.bySubject[subjectID] {
		record := store.byID[sessionID]
		if record != nil && !record.Revoked {
			live = append(live, *record)
		}
	}
	sort.SliceStable(live, func(left, right int) bool { return live[left].CreatedAt.Before(live[right].CreatedAt) })
	return live
}

func (store *MemorySessionStore) findByDigest(credentialText string, index map[string]string, operation string) (Session, error) {
	if strings.TrimSpace(credentialText) == "" {
		return Session{}, fmt.Errorf("%s: %w", operation, ErrEmptyCredentialText)
	}
	digest := DigestCredential(credentialText)
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	sessionID, ok := index[digest]
	if !ok {
		return Session{}, fmt.Errorf("%s: %w", operation, ErrSessionNotFound)
	}
	return *store.byID[sessionID], nil
}
