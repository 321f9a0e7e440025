package authkit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/delegauth/internal/storage"
	"github.com/tyemirov/delegauth/pkg/credential"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type deliveredCode struct {
	destination string
	payload     string
}

type recordingNotifier struct {
	mutex     sync.Mutex
	delivered []deliveredCode
	failWith  error
}

func (notifier *recordingNotifier) Send(ctx context.Context, destination string, payload string) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.delivered = append(notifier.delivered, deliveredCode{destination: destination, payload: payload})
	return notifier.failWith
}

func (notifier *recordingNotifier) last(t *testing.T) deliveredCode {
	t.Helper()
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	if len(notifier.delivered) == 0 {
		t.Fatalf("expected a delivered code")
	}
	return notifier.delivered[len(notifier.delivered)-1]
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

type authorityFixture struct {
	authority *Authority
	users     UserStore
	sessions  SessionStore
	codes     CodeStore
	clock     *controllableClock
	notifier  *recordingNotifier
	metrics   *CounterMetrics
	codec     *credential.Codec
}

type fixtureOption func(*ServerConfig, *AuthorityDependencies)

func withGoogle(validator GoogleTokenValidator, clientID string) fixtureOption {
	return func(configuration *ServerConfig, dependencies *AuthorityDependencies) {
		configuration.GoogleWebClientID = clientID
		dependencies.Google = validator
		dependencies.Nonces = NewMemoryNonceStore(time.Minute, dependencies.Clock)
	}
}

func withStores(users UserStore, sessions SessionStore, codes CodeStore) fixtureOption {
	return func(configuration *ServerConfig, dependencies *AuthorityDependencies) {
		dependencies.Users = users
		dependencies.Sessions = sessions
		dependencies.Codes.users = users
		dependencies.Codes.codes = codes
	}
}

func newTestCodec(t *testing.T, clock credential.Clock) *credential.Codec {
	t.Helper()
	signingKey, err := credential.NewSigningKey([]byte(strings.Repeat("t", credential.MinimumSigningKeyLength)))
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	codec, err := credential.NewCodec(signingKey, "delegauth-test", clock)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return codec
}

func newAuthorityFixture(t *testing.T, options ...fixtureOption) *authorityFixture {
	t.Helper()
	clock := &controllableClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	logger := zaptest.NewLogger(t)
	metrics := NewCounterMetrics()
	notifier := &recordingNotifier{}
	users := NewMemoryUserStore()
	codes := NewMemoryCodeStore()
	configuration := ServerConfig{
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		PasswordCost:      bcrypt.MinCost,
		AllowInsecureHTTP: true,
	}
	codeAuthority := NewCodeAuthority(configuration, CodeAuthorityDependencies{
		Users:    users,
		Codes:    codes,
		Notifier: notifier,
		Clock:    clock,
		Logger:   logger,
		Metrics:  metrics,
	})
	codeAuthority.dispatch = func(send func()) { send() }
	codec := newTestCodec(t, clock)
	dependencies := AuthorityDependencies{
		Users:    users,
		Sessions: NewMemorySessionStore(),
		Codes:    codeAuthority,
		Codec:    codec,
		Clock:    clock,
		Logger:   logger,
		Metrics:  metrics,
	}
	for _, option := range options {
		option(&configuration, &dependencies)
	}
	authority, err := NewAuthority(configuration, dependencies)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	return &authorityFixture{
		authority: authority,
		users:     dependencies.Users,
		sessions:  dependencies.Sessions,
		codes:     codeAuthority.codes,
		clock:     clock,
		notifier:  notifier,
		metrics:   metrics,
		codec:     codec,
	}
}

func (fixture *authorityFixture) register(t *testing.T, email string) SubjectSnapshot {
	t.Helper()
	snapshot, err := fixture.authority.Register(context.Background(), "Test Subject", email, "correct-horse")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return snapshot
}

func (fixture *authorityFixture) login(t *testing.T, email string) TokenPair {
	t.Helper()
	pair, err := fixture.authority.Authenticate(context.Background(), email, "correct-horse")
	if err != nil {
		t.Fatalf("authenticate %s: %v", email, err)
	}
	return pair
}

func openTestDatabase(t *testing.T) *storage.Database {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := storage.Open(context.Background(), "sqlite:file:"+name+"?mode=memory&cache=shared", Models()...)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

var errStoreUnavailable = errors.New("store unavailable")

// faultySessionStore fails selected calls of an otherwise working memory store.
type faultySessionStore struct {
	*MemorySessionStore
	failRevoke     bool
	failFindOnCall int
	findCalls      int
}

func (store *faultySessionStore) FindAllNonRevoked(ctx context.Context, subjectID int64) ([]Session, error) {
	store.findCalls++
	if store.findCalls == store.failFindOnCall {
		return nil, errStoreUnavailable
	}
	return store.MemorySessionStore.FindAllNonRevoked(ctx, subjectID)
}

func (store *faultySessionStore) RevokeSessions(ctx context.Context, sessionIDs []string) (int64, error) {
	if store.failRevoke {
		return 0, errStoreUnavailable
	}
	return store.MemorySessionStore.RevokeSessions(ctx, sessionIDs)
}

type faultyCodeStore struct {
	*MemoryCodeStore
	failReplace bool
}

func (store *faultyCodeStore) Replace(ctx context.Context, code VerificationCode) error {
	if store.failReplace {
		return errStoreUnavailable
	}
	return store.MemoryCodeStore.Replace(ctx, code)
}
