package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType distinguishes short-lived access credentials from refresh credentials.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Known reports whether the type is one the codec issues.
func (tokenType TokenType) Known() bool {
	return tokenType == TokenTypeAccess || tokenType == TokenTypeRefresh
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC timestamp.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Claims are the signed payload of every credential.
type Claims struct {
	TokenType TokenType `json:"token_type"`
	Name      string    `json:"name"`
	Roles     RoleSet   `json:"roles"`
	jwt.RegisteredClaims
}

// Principal is the identity a credential is minted for.
type Principal struct {
	Email string
	Name  string
	Roles RoleSet
}

// Credential is a minted token together with the claims it carries.
type Credential struct {
	Text   string
	Claims Claims
}

// ExpiresAtTime returns the credential expiry, or the zero time when absent.
func (claims *Claims) ExpiresAtTime() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Codec mints and parses HS256 credentials with a single shared key.
type Codec struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// NewCodec builds a codec. A nil clock falls back to SystemClock.
func NewCodec(signingKey *SigningKey, issuer string, clock Clock) (*Codec, error) {
	if signingKey == nil {
		return nil, fmt.Errorf("credential.codec.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("credential.codec.new: %w", ErrMissingIssuer)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Codec{
		signingKey: signingKey.Bytes(),
		issuer:     issuer,
		clock:      clock,
	}, nil
}

// Issuer returns the issuer stamped into minted credentials.
func (codec *Codec) Issuer() string {
	return codec.issuer
}

// Mint signs a credential of the given type for principal.
func (codec *Codec) Mint(principal Principal, tokenType TokenType, ttl time.Duration) (Credential, error) {
	if strings.TrimSpace(principal.Email) == "" {
		return Credential{}, fmt.Errorf("credential.mint: %w", ErrEmptySubject)
	}
	if !tokenType.Known() {
		return Credential{}, fmt.Errorf("credential.mint: %w", ErrUnknownType)
	}
	if ttl <= 0 {
		return Credential{}, fmt.Errorf("credential.mint: %w", ErrNonPositiveTTL)
	}
	issuedAt := codec.clock.Now().UTC()
	claims := Claims{
		TokenType: tokenType,
		Name:      principal.Name,
		Roles:     NewRoleSet(principal.Roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    codec.issuer,
			Subject:   principal.Email,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(codec.signingKey)
	if err != nil {
		return Credential{}, fmt.Errorf("credential.mint: %w", err)
	}
	return Credential{Text: signed, Claims: claims}, nil
}

// Parse verifies signature, issuer and expiry and returns the claims.
// Every failure matches ErrInvalidCredential.
func (codec *Codec) Parse(text string) (*Claims, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid(ErrEmptyText)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(text, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(codec.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	if parseErr != nil {
		return nil, invalid(classifyParseError(parseErr))
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, invalid(ErrMalformed)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, invalid(ErrMalformed)
	}
	if !claims.TokenType.Known() {
		return nil, invalid(ErrUnknownType)
	}
	return claims, nil
}

// ParseExpecting parses text and additionally requires the given token type.
func (codec *Codec) ParseExpecting(text string, expected TokenType) (*Claims, error) {
	claims, err := codec.Parse(text)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != expected {
		return nil, invalid(ErrWrongType)
	}
	return claims, nil
}

func classifyParseError(parseErr error) error {
	switch {
	case errors.Is(parseErr, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid), errors.Is(parseErr, jwt.ErrTokenUnverifiable):
		return ErrSignature
	case errors.Is(parseErr, jwt.ErrTokenInvalidIssuer):
		return ErrIssuer
	default:
		return ErrMalformed
	}
}

func invalid(detail error) error {
	return fmt.Errorf("credential.parse: %w: %w", ErrInvalidCredential, detail)
}
