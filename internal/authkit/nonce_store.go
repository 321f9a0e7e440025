package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/tyemirov/delegauth/pkg/credential"
)

var (
	// ErrNonceNotFound indicates the supplied nonce was not issued or was already consumed.
	ErrNonceNotFound = errors.New("nonce_store.not_found")
	// ErrNonceExpired indicates the nonce expired before consumption.
	ErrNonceExpired = errors.New("nonce_store.expired")
)

// NonceStore issues one-time nonces that bind a Google ID token to a sign-in attempt.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, token string) error
}

type memoryNonceStore struct {
	mutex     sync.Mutex
	entries   map[string]time.Time
	ttl       time.Duration
	clock     credential.Clock
	tokenSize int
}

// NewMemoryNonceStore constructs an in-memory NonceStore. A nil clock uses the wall clock.
func NewMemoryNonceStore(ttl time.Duration, clock credential.Clock) NonceStore {
	if clock == nil {
		clock = credential.SystemClock{}
	}
	return &memoryNonceStore{
		entries:   make(map[string]time.Time),
		ttl:       ttl,
		clock:     clock,
		tokenSize: 32,
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	buffer := make([]byte, store.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buffer)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[token] = store.clock.Now().Add(store.ttl)
	return token, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	expiry, ok := store.entries[token]
	if !ok {
		return ErrNonceNotFound
	}
	delete(store.entries, token)
	if store.clock.Now().After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

func (store *memoryNonceStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for token, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, token)
		}
	}
}
