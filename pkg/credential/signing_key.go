package credential

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// MinimumSigningKeyLength is the shortest HS256 secret accepted, in bytes.
const MinimumSigningKeyLength = 32

const base64KeyPrefix = "base64:"

// SigningKey holds the symmetric secret shared by the authority and every
// resource service. It cannot be changed after construction.
type SigningKey struct {
	material []byte
}

// NewSigningKey copies the supplied material into an immutable key.
func NewSigningKey(material []byte) (*SigningKey, error) {
	if len(material) < MinimumSigningKeyLength {
		return nil, fmt.Errorf("credential.signing_key: %w", ErrWeakSigningKey)
	}
	cloned := make([]byte, len(material))
	copy(cloned, material)
	return &SigningKey{material: cloned}, nil
}

// ParseSigningKey reads a configured secret. Values prefixed with "base64:"
// are decoded (URL or standard alphabet, padded or raw); anything else is
// used verbatim.
func ParseSigningKey(configured string) (*SigningKey, error) {
	trimmed := strings.TrimSpace(configured)
	if trimmed == "" {
		return nil, fmt.Errorf("credential.signing_key: %w", ErrMissingSigningKey)
	}
	if !strings.HasPrefix(trimmed, base64KeyPrefix) {
		return NewSigningKey([]byte(trimmed))
	}
	encoded := strings.TrimPrefix(trimmed, base64KeyPrefix)
	for _, encoding := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		decoded, decodeErr := encoding.DecodeString(encoded)
		if decodeErr == nil {
			return NewSigningKey(decoded)
		}
	}
	return nil, fmt.Errorf("credential.signing_key: %w", ErrUndecodableSigningKey)
}

// Bytes returns a copy of the key material.
func (key *SigningKey) Bytes() []byte {
	if key == nil {
		return nil
	}
	cloned := make([]byte, len(key.material))
	copy(cloned, key.material)
	return cloned
}
