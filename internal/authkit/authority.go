package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"github.com/tyemirov/delegauth/pkg/credential"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const minimumPasswordLength = 8

// TokenPair is the access and refresh credential issued together for one session.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// SubjectSnapshot is the public view of a subject.
type SubjectSnapshot struct {
	ID       int64              `json:"id"`
	Email    string             `json:"email"`
	Name     string             `json:"name"`
	Roles    credential.RoleSet `json:"roles"`
	Verified bool               `json:"verified"`
}

// Authority owns the credential lifecycle: it mints, refreshes, checks and
// revokes sessions and manages subject roles.
type Authority struct {
	configuration ServerConfig
	users         UserStore
	sessions      SessionStore
	codes         *CodeAuthority
	codec         *credential.Codec
	clock         credential.Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
	google        GoogleTokenValidator
	nonces        NonceStore

	dummyHashOnce sync.Once
	dummyHash     []byte
}

// AuthorityDependencies wires the collaborators of an Authority. Google and
// Nonces are optional; without them Google sign-in is disabled.
type AuthorityDependencies struct {
	Users    UserStore
	Sessions SessionStore
	Codes    *CodeAuthority
	Codec    *credential.Codec
	Clock    credential.Clock
	Logger   *zap.Logger
	Metrics  MetricsRecorder
	Google   GoogleTokenValidator
	Nonces   NonceStore
}

var errMissingDependency = errors.New("authority.missing_dependency")

// NewAuthority validates dependencies and constructs an Authority.
func NewAuthority(configuration ServerConfig, dependencies AuthorityDependencies) (*Authority, error) {
	switch {
	case dependencies.Users == nil:
		return nil, fmt.Errorf("%w: users", errMissingDependency)
	case dependencies.Sessions == nil:
		return nil, fmt.Errorf("%w: sessions", errMissingDependency)
	case dependencies.Codes == nil:
		return nil, fmt.Errorf("%w: codes", errMissingDependency)
	case dependencies.Codec == nil:
		return nil, fmt.Errorf("%w: codec", errMissingDependency)
	}
	authority := &Authority{
		configuration: configuration.withDefaults(),
		users:         dependencies.Users,
		sessions:      dependencies.Sessions,
		codes:         dependencies.Codes,
		codec:         dependencies.Codec,
		clock:         dependencies.Clock,
		logger:        dependencies.Logger,
		metrics:       dependencies.Metrics,
		google:        dependencies.Google,
		nonces:        dependencies.Nonces,
	}
	if authority.clock == nil {
		authority.clock = credential.SystemClock{}
	}
	if authority.logger == nil {
		authority.logger = zap.NewNop()
	}
	if authority.metrics == nil {
		authority.metrics = noopMetrics{}
	}
	return authority, nil
}

// Codes exposes the verification code authority.
func (authority *Authority) Codes() *CodeAuthority {
	return authority.codes
}

// Register creates an unverified ROLE_USER subject and sends it a verification code.
func (authority *Authority) Register(ctx context.Context, name string, email string, password string) (SubjectSnapshot, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return SubjectSnapshot{}, fmt.Errorf("authority.register: %w: name is required", ErrInvalidRequest)
	}
	if _, parseErr := mail.ParseAddress(email); parseErr != nil || email == "" {
		return SubjectSnapshot{}, fmt.Errorf("authority.register: %w: email is not valid", ErrInvalidRequest)
	}
	if len(password) < minimumPasswordLength {
		return SubjectSnapshot{}, fmt.Errorf("authority.register: %w: password must be at least %d characters", ErrInvalidRequest, minimumPasswordLength)
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), authority.configuration.PasswordCost)
	if hashErr != nil {
		return SubjectSnapshot{}, fmt.Errorf("authority.register: %w", hashErr)
	}
	subject, createErr := authority.users.Create(ctx, Subject{
		Email:        email,
		Name:         name,
		PasswordHash: string(passwordHash),
		Roles:        credential.NewRoleSet(credential.RoleUser),
		Verified:     false,
		CreatedAt:    authority.clock.Now().UTC(),
	})
	if createErr != nil {
		return SubjectSnapshot{}, createErr
	}
	authority.metrics.Increment(metricAuthRegistration)
	authority.logger.Info("subject registered",
		zap.String("code", "authority.registered"),
		zap.Int64("subject_id", subject.ID))
	// The subject exists from here on; a code that could not be stored is
	// reissued through /new-code.
	if sendErr := authority.codes.SendCode(ctx, subject.Email); sendErr != nil {
		authority.logger.Warn("verification code not issued at registration",
			zap.String("code", "authority.register.code_failed"),
			zap.Int64("subject_id", subject.ID),
			zap.Error(sendErr))
	}
	return snapshotOf(subject), nil
}

// BootstrapAdmin ensures a verified ROLE_ADMIN subject exists for email.
// An existing subject is promoted without touching its password.
func (authority *Authority) BootstrapAdmin(ctx context.Context, email string, password string) error {
	existing, findErr := authority.users.FindByEmail(ctx, email)
	switch {
	case findErr == nil:
		if existing.Roles.Has(credential.RoleAdmin) && existing.Verified {
			return nil
		}
		existing.Roles = credential.NewRoleSet(append(existing.Roles, credential.RoleAdmin)...)
		existing.Verified = true
		return authority.replaceRoles(ctx, existing)
	case !errors.Is(findErr, ErrSubjectNotFound):
		return findErr
	}
	if len(password) < minimumPasswordLength {
		return fmt.Errorf("authority.bootstrap_admin: %w: password must be at least %d characters", ErrInvalidRequest, minimumPasswordLength)
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), authority.configuration.PasswordCost)
	if hashErr != nil {
		return fmt.Errorf("authority.bootstrap_admin: %w", hashErr)
	}
	_, createErr := authority.users.Create(ctx, Subject{
		Email:        email,
		Name:         "Administrator",
		PasswordHash: string(passwordHash),
		Roles:        credential.NewRoleSet(credential.RoleAdmin),
		Verified:     true,
		CreatedAt:    authority.clock.Now().UTC(),
	})
	if errors.Is(createErr, ErrDuplicateSubject) {
		return nil
	}
	return createErr
}

// Authenticate checks email and password and opens a new session. Unknown
// emails and wrong passwords are indistinguishable to the caller.
func (authority *Authority) Authenticate(ctx context.Context, email string, password string) (TokenPair, error) {
	subject, findErr := authority.users.FindByEmail(ctx, email)
	if findErr != nil {
		if !errors.Is(findErr, ErrSubjectNotFound) {
			return TokenPair{}, findErr
		}
		_ = bcrypt.CompareHashAndPassword(authority.dummyPasswordHash(), []byte(password))
		authority.metrics.Increment(metricAuthLoginFailure)
		return TokenPair{}, fmt.Errorf("authority.authenticate: %w", ErrAuthentication)
	}
	if compareErr := bcrypt.CompareHashAndPassword([]byte(subject.PasswordHash), []byte(password)); compareErr != nil {
		authority.metrics.Increment(metricAuthLoginFailure)
		return TokenPair{}, fmt.Errorf("authority.authenticate: %w", ErrAuthentication)
	}
	if authority.configuration.RequireVerifiedLogin && !subject.Verified {
		authority.metrics.Increment(metricAuthLoginFailure)
		return TokenPair{}, fmt.Errorf("authority.authenticate: %w", ErrUnverifiedSubject)
	}
	pair, openErr := authority.openSession(ctx, subject)
	if openErr != nil {
		return TokenPair{}, openErr
	}
	authority.metrics.Increment(metricAuthLoginSuccess)
	return pair, nil
}

// IssueGoogleNonce returns a one-time nonce to embed in a Google sign-in request.
func (authority *Authority) IssueGoogleNonce(ctx context.Context) (string, error) {
	if authority.google == nil || authority.nonces == nil {
		return "", fmt.Errorf("authority.google_nonce: %w: google sign-in is disabled", ErrForbidden)
	}
	return authority.nonces.Issue(ctx)
}

// AuthenticateGoogle exchanges a Google ID token bound to nonce for a session,
// provisioning a verified ROLE_USER subject on first sign-in.
func (authority *Authority) AuthenticateGoogle(ctx context.Context, idToken string, nonce string) (TokenPair, error) {
	if authority.google == nil || authority.nonces == nil {
		return TokenPair{}, fmt.Errorf("authority.google: %w: google sign-in is disabled", ErrForbidden)
	}
	if consumeErr := authority.nonces.Consume(ctx, nonce); consumeErr != nil {
		authority.metrics.Increment(metricAuthGoogleFailure)
		return TokenPair{}, fmt.Errorf("authority.google: %w: %w", ErrAuthentication, consumeErr)
	}
	payload, validateErr := authority.google.Validate(ctx, idToken, authority.configuration.GoogleWebClientID)
	if validateErr != nil {
		authority.metrics.Increment(metricAuthGoogleFailure)
		return TokenPair{}, fmt.Errorf("authority.google: %w: %w", ErrAuthentication, validateErr)
	}
	identity, ok := readGoogleIdentity(payload)
	if !ok || identity.nonce != nonce {
		authority.metrics.Increment(metricAuthGoogleFailure)
		return TokenPair{}, fmt.Errorf("authority.google: %w: unverified identity", ErrAuthentication)
	}
	subject, findErr := authority.users.FindByEmail(ctx, identity.email)
	if errors.Is(findErr, ErrSubjectNotFound) {
		subject, findErr = authority.users.Create(ctx, Subject{
			Email:     identity.email,
			Name:      identity.name,
			Roles:     credential.NewRoleSet(credential.RoleUser),
			Verified:  true,
			CreatedAt: authority.clock.Now().UTC(),
		})
	}
	if findErr != nil {
		return TokenPair{}, findErr
	}
	pair, openErr := authority.openSession(ctx, subject)
	if openErr != nil {
		return TokenPair{}, openErr
	}
	authority.metrics.Increment(metricAuthGoogleSuccess)
	return pair, nil
}

// Refresh exchanges a live refresh credential for a new pair. Every live
// session of the subject, including the presented one, is revoked before the
// new session is stored. Of two concurrent refreshes with the same credential
// exactly one succeeds.
func (authority *Authority) Refresh(ctx context.Context, refreshText string) (TokenPair, error) {
	pair, err := authority.refresh(ctx, refreshText)
	if err != nil {
		authority.metrics.Increment(metricAuthRefreshFailure)
		return TokenPair{}, err
	}
	authority.metrics.Increment(metricAuthRefreshSuccess)
	return pair, nil
}

func (authority *Authority) refresh(ctx context.Context, refreshText string) (TokenPair, error) {
	claims, parseErr := authority.codec.ParseExpecting(refreshText, credential.TokenTypeRefresh)
	if parseErr != nil {
		return TokenPair{}, fmt.Errorf("authority.refresh: %w: %w", ErrInvalidCredential, parseErr)
	}
	subject, findErr := authority.users.FindByEmail(ctx, claims.Subject)
	if findErr != nil {
		if errors.Is(findErr, ErrSubjectNotFound) {
			return TokenPair{}, fmt.Errorf("authority.refresh: %w: %w", ErrInvalidCredential, findErr)
		}
		return TokenPair{}, findErr
	}
	session, sessionErr := authority.sessions.FindByRefresh(ctx, refreshText)
	if sessionErr != nil {
		if errors.Is(sessionErr, ErrSessionNotFound) {
			return TokenPair{}, fmt.Errorf("authority.refresh: %w: %w", ErrInvalidCredential, sessionErr)
		}
		return TokenPair{}, sessionErr
	}
	if session.Revoked || session.SubjectID != subject.ID {
		return TokenPair{}, fmt.Errorf("authority.refresh: %w: session is not live", ErrInvalidCredential)
	}
	pair, successor, mintErr := authority.mintPair(subject)
	if mintErr != nil {
		return TokenPair{}, mintErr
	}
	if rotateErr := authority.sessions.Rotate(ctx, session.ID, successor); rotateErr != nil {
		if errors.Is(rotateErr, ErrSessionRevoked) || errors.Is(rotateErr, ErrSessionNotFound) {
			return TokenPair{}, fmt.Errorf("authority.refresh: %w: %w", ErrInvalidCredential, rotateErr)
		}
		return TokenPair{}, rotateErr
	}
	return pair, nil
}

// IsAccessValid reports whether accessText is a live access credential for
// claimedSubject. A refresh credential is an error, never false.
func (authority *Authority) IsAccessValid(ctx context.Context, accessText string, claimedSubject string) (bool, error) {
	claims, parseErr := authority.codec.Parse(accessText)
	if parseErr != nil {
		return false, fmt.Errorf("authority.is_access_valid: %w: %w", ErrInvalidCredential, parseErr)
	}
	if claims.TokenType != credential.TokenTypeAccess {
		return false, fmt.Errorf("authority.is_access_valid: %w: %w", ErrInvalidCredential, credential.ErrWrongType)
	}
	if normalizeEmail(claims.Subject) != normalizeEmail(claimedSubject) {
		return false, nil
	}
	session, sessionErr := authority.sessions.FindByAccess(ctx, accessText)
	if errors.Is(sessionErr, ErrSessionNotFound) {
		return false, nil
	}
	if sessionErr != nil {
		return false, sessionErr
	}
	return !session.Revoked, nil
}

// CheckAccess returns the claims of accessText when it is a live access
// credential of an existing subject.
func (authority *Authority) CheckAccess(ctx context.Context, accessText string) (*credential.Claims, error) {
	claims, parseErr := authority.codec.ParseExpecting(accessText, credential.TokenTypeAccess)
	if parseErr != nil {
		return nil, fmt.Errorf("authority.check_access: %w: %w", ErrInvalidCredential, parseErr)
	}
	subject, findErr := authority.users.FindByEmail(ctx, claims.Subject)
	if findErr != nil {
		return nil, fmt.Errorf("authority.check_access: %w: %w", ErrInvalidCredential, findErr)
	}
	valid, validErr := authority.IsAccessValid(ctx, accessText, subject.Email)
	if validErr != nil {
		return nil, validErr
	}
	if !valid {
		return nil, fmt.Errorf("authority.check_access: %w: session is not live", ErrInvalidCredential)
	}
	return claims, nil
}

// ValidateToken answers the delegation question asked by the edge filter.
// Every failure, including refresh credentials, yields false.
func (authority *Authority) ValidateToken(ctx context.Context, accessText string) bool {
	_, err := authority.CheckAccess(ctx, accessText)
	if err != nil {
		authority.metrics.Increment(metricValidateRejected)
		authority.logger.Debug("token validation rejected",
			zap.String("code", "authority.validate_rejected"),
			zap.Error(err))
		return false
	}
	authority.metrics.Increment(metricValidateAccepted)
	return true
}

// RevokeAll revokes the sessions live at the moment of the call. Sessions
// created concurrently are not affected.
func (authority *Authority) RevokeAll(ctx context.Context, subjectID int64) (int64, error) {
	live, findErr := authority.sessions.FindAllNonRevoked(ctx, subjectID)
	if findErr != nil {
		return 0, findErr
	}
	if len(live) == 0 {
		return 0, nil
	}
	sessionIDs := make([]string, 0, len(live))
	for _, session := range live {
		sessionIDs = append(sessionIDs, session.ID)
	}
	revoked, revokeErr := authority.sessions.RevokeSessions(ctx, sessionIDs)
	if revokeErr != nil {
		return 0, revokeErr
	}
	for index := int64(0); index < revoked; index++ {
		authority.metrics.Increment(metricAuthRevocations)
	}
	return revoked, nil
}

// Logout revokes the session owning accessText. Unknown sessions are ignored.
func (authority *Authority) Logout(ctx context.Context, accessText string) error {
	if _, parseErr := authority.codec.ParseExpecting(accessText, credential.TokenTypeAccess); parseErr != nil {
		return fmt.Errorf("authority.logout: %w: %w", ErrInvalidCredential, parseErr)
	}
	session, findErr := authority.sessions.FindByAccess(ctx, accessText)
	if errors.Is(findErr, ErrSessionNotFound) {
		return nil
	}
	if findErr != nil {
		return findErr
	}
	if _, revokeErr := authority.sessions.RevokeSessions(ctx, []string{session.ID}); revokeErr != nil {
		return revokeErr
	}
	authority.metrics.Increment(metricAuthLogout)
	return nil
}

// AssignRole replaces the subject's roles with role and revokes every live
// session so the next credentials carry the new role.
func (authority *Authority) AssignRole(ctx context.Context, subjectID int64, roleName string) error {
	role, roleErr := credential.ParseRole(roleName)
	if roleErr != nil {
		return fmt.Errorf("authority.assign_role: %w: %w", ErrRoleNotFound, roleErr)
	}
	subject, findErr := authority.users.FindByID(ctx, subjectID)
	if findErr != nil {
		return findErr
	}
	subject.Roles = credential.NewRoleSet(role)
	if replaceErr := authority.replaceRoles(ctx, subject); replaceErr != nil {
		return replaceErr
	}
	authority.metrics.Increment(metricAuthRoleAssigned)
	authority.logger.Info("role assigned",
		zap.String("code", "authority.role_assigned"),
		zap.Int64("subject_id", subject.ID),
		zap.String("role", string(role)))
	return nil
}

// replaceRoles stores subject with its new role set so that no live session
// carries the previous one. Sessions are revoked before the update; a second
// sweep after the update catches logins that raced with it. When that sweep
// fails the previous role set is restored.
func (authority *Authority) replaceRoles(ctx context.Context, subject Subject) error {
	previous, findErr := authority.users.FindByID(ctx, subject.ID)
	if findErr != nil {
		return findErr
	}
	revoked, revokeErr := authority.RevokeAll(ctx, subject.ID)
	if revokeErr != nil {
		return fmt.Errorf("authority.replace_roles: %w", revokeErr)
	}
	if updateErr := authority.users.Update(ctx, subject); updateErr != nil {
		return updateErr
	}
	raced, sweepErr := authority.RevokeAll(ctx, subject.ID)
	if sweepErr != nil {
		if restoreErr := authority.users.Update(ctx, previous); restoreErr != nil {
			authority.logger.Error("role restore failed",
				zap.String("code", "authority.replace_roles.restore_failed"),
				zap.Int64("subject_id", subject.ID),
				zap.Error(restoreErr))
		}
		return fmt.Errorf("authority.replace_roles: %w", sweepErr)
	}
	authority.logger.Info("sessions revoked for role change",
		zap.String("code", "authority.roles_replaced"),
		zap.Int64("subject_id", subject.ID),
		zap.Int64("revoked_sessions", revoked+raced))
	return nil
}

// AssignExecutor grants ROLE_EXECUTOR to the subject.
func (authority *Authority) AssignExecutor(ctx context.Context, subjectID int64) error {
	return authority.AssignRole(ctx, subjectID, string(credential.RoleExecutor))
}

// Snapshot returns the public view of a subject.
func (authority *Authority) Snapshot(ctx context.Context, subjectID int64) (SubjectSnapshot, error) {
	subject, err := authority.users.FindByID(ctx, subjectID)
	if err != nil {
		return SubjectSnapshot{}, err
	}
	return snapshotOf(subject), nil
}

func (authority *Authority) openSession(ctx context.Context, subject Subject) (TokenPair, error) {
	pair, session, err := authority.mintPair(subject)
	if err != nil {
		return TokenPair{}, err
	}
	if saveErr := authority.sessions.Save(ctx, session); saveErr != nil {
		return TokenPair{}, saveErr
	}
	return pair, nil
}

func (authority *Authority) mintPair(subject Subject) (TokenPair, Session, error) {
	principal := subject.Principal()
	access, accessErr := authority.codec.Mint(principal, credential.TokenTypeAccess, authority.configuration.AccessTTL)
	if accessErr != nil {
		return TokenPair{}, Session{}, fmt.Errorf("authority.mint: %w", accessErr)
	}
	refresh, refreshErr := authority.codec.Mint(principal, credential.TokenTypeRefresh, authority.configuration.RefreshTTL)
	if refreshErr != nil {
		return TokenPair{}, Session{}, fmt.Errorf("authority.mint: %w", refreshErr)
	}
	session := NewSession(subject.ID, access.Text, refresh.Text, authority.clock.Now())
	return TokenPair{AccessToken: access.Text, RefreshToken: refresh.Text}, session, nil
}

func (authority *Authority) dummyPasswordHash() []byte {
	authority.dummyHashOnce.Do(func() {
		authority.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("delegauth-unknown-subject"), authority.configuration.PasswordCost)
	})
	return authority.dummyHash
}

func snapshotOf(subject Subject) SubjectSnapshot {
	return SubjectSnapshot{
		ID:       subject.ID,
		Email:    subject.Email,
		Name:     subject.Name,
		Roles:    credential.NewRoleSet(subject.Roles...),
		Verified: subject.Verified,
	}
}
