package authkit

import (
	"context"
	"time"

	"github.com/tyemirov/delegauth/pkg/credential"
)

// Subject is a registered account.
type Subject struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	Roles        credential.RoleSet
	Verified     bool
	CreatedAt    time.Time
}

// Principal returns the identity minted into credentials for this subject.
func (subject Subject) Principal() credential.Principal {
	return credential.Principal{Email: subject.Email, Name: subject.Name, Roles: subject.Roles}
}

// Session binds one access credential and one refresh credential issued
// together. Credential texts are kept only as digests.
type Session struct {
	ID            string
	SubjectID     int64
	AccessDigest  string
	RefreshDigest string
	Revoked       bool
	CreatedAt     time.Time
}

// VerificationCode is a short numeric code proving control of an email address.
type VerificationCode struct {
	ID        string
	SubjectID int64
	Code      string
	ExpiresAt time.Time
	Valid     bool
	CreatedAt time.Time
}

// UserStore persists subjects.
type UserStore interface {
	Create(ctx context.Context, subject Subject) (Subject, error)
	FindByEmail(ctx context.Context, email string) (Subject, error)
	FindByID(ctx context.Context, subjectID int64) (Subject, error)
	Update(ctx context.Context, subject Subject) error
}

// SessionStore persists sessions. Revocation is monotonic: no operation
// turns a revoked session back into a live one.
type SessionStore interface {
	Save(ctx context.Context, session Session) error
	SaveAll(ctx context.Context, sessions []Session) error
	FindByAccess(ctx context.Context, accessText string) (Session, error)
	FindByRefresh(ctx context.Context, refreshText string) (Session, error)
	FindAllNonRevoked(ctx context.Context, subjectID int64) ([]Session, error)
	// RevokeSessions revokes exactly the listed sessions and reports how many
	// were live before the call.
	RevokeSessions(ctx context.Context, sessionIDs []string) (int64, error)
	// Rotate atomically claims the superseded session, revokes every other live
	// session of the same subject and stores successor. A caller that loses a
	// race for the same superseded session receives ErrSessionRevoked.
	Rotate(ctx context.Context, supersededID string, successor Session) error
}

// CodeStore persists verification codes.
type CodeStore interface {
	// Replace invalidates every valid code of the subject and stores code, atomically.
	Replace(ctx context.Context, code VerificationCode) error
	FindAllValid(ctx context.Context, subjectID int64) ([]VerificationCode, error)
	// FindValid returns the newest valid code matching subject and text.
	FindValid(ctx context.Context, subjectID int64, code string) (VerificationCode, error)
	Invalidate(ctx context.Context, codeID string) error
}
