package authkit

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// DigestCredential is the lookup key stored in place of a credential text.
func DigestCredential(credentialText string) string {
	sum := sha256.Sum256([]byte(credentialText))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewSession builds a live session for a freshly minted credential pair.
func NewSession(subjectID int64, accessText string, refreshText string, createdAt time.Time) Session {
	return Session{
		ID:            uuid.NewString(),
		SubjectID:     subjectID,
		AccessDigest:  DigestCredential(accessText),
		RefreshDigest: DigestCredential(refreshText),
		Revoked:       false,
		CreatedAt:     createdAt.UTC(),
	}
}
