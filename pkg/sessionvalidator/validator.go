// Package sessionvalidator verifies access credentials locally inside a
// resource service. It checks signature, issuer, expiry and token type but
// never consults the session store, so a credential revoked at the authority
// is still accepted here until it expires. Deployments that cannot tolerate
// that window must route requests through the edge filter, which asks the
// authority on every call.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/delegauth/pkg/credential"
)

// Config configures the Validator.
type Config struct {
	SigningKey *credential.SigningKey
	Issuer     string
	Clock      credential.Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_identity"

// BearerContextKey holds the raw bearer text so handlers can forward it.
const BearerContextKey = "auth_bearer"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
	ErrWrongTokenType    = errors.New("session.validator.wrong_token_type")
)

// Identity is the caller reconstructed from a verified access credential.
type Identity struct {
	Email     string             `json:"email"`
	Name      string             `json:"name"`
	Roles     credential.RoleSet `json:"roles"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// HasRole reports whether the identity carries role.
func (identity *Identity) HasRole(role credential.Role) bool {
	if identity == nil {
		return false
	}
	return identity.Roles.Has(role)
}

// Validator validates access credentials without contacting the authority.
type Validator struct {
	codec *credential.Codec
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if configuration.SigningKey == nil {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = credential.SystemClock{}
	}
	codec, err := credential.NewCodec(configuration.SigningKey, configuration.Issuer, clock)
	if err != nil {
		return nil, fmt.Errorf("session.validator.new: %w", err)
	}
	return &Validator{codec: codec}, nil
}

// ValidateToken verifies an access credential and returns its identity.
// Refresh credentials are rejected.
func (validator *Validator) ValidateToken(tokenString string) (*Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	claims, err := validator.codec.ParseExpecting(tokenString, credential.TokenTypeAccess)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrExpired):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		case errors.Is(err, credential.ErrIssuer):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
		case errors.Is(err, credential.ErrWrongType):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrWrongTokenType)
		default:
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
	}
	return &Identity{
		Email:     claims.Subject,
		Name:      claims.Name,
		Roles:     claims.Roles,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

// ValidateRequest reads the bearer credential from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Identity, string, error) {
	bearer, ok := BearerToken(request)
	if !ok {
		return nil, "", fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	identity, err := validator.ValidateToken(bearer)
	if err != nil {
		return nil, "", err
	}
	return identity, bearer, nil
}

// BearerToken extracts the credential from an "Authorization: Bearer" header.
func BearerToken(request *http.Request) (string, bool) {
	if request == nil {
		return "", false
	}
	const prefix = "Bearer "
	header := request.Header.Get("Authorization")
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// GinMiddleware returns a Gin middleware that validates the bearer credential
// and injects the identity under contextKey and the raw bearer under BearerContextKey.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		identity, bearer, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
			return
		}
		contextGin.Set(contextKey, identity)
		contextGin.Set(BearerContextKey, bearer)
		contextGin.Next()
	}
}

// RequireRole admits requests whose identity, stored under DefaultContextKey,
// holds at least one of roles.
func RequireRole(roles ...credential.Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		identity, ok := IdentityFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
			return
		}
		if !identity.Roles.HasAny(roles...) {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		contextGin.Next()
	}
}

// IdentityFromContext returns the identity stored by GinMiddleware under DefaultContextKey.
func IdentityFromContext(contextGin *gin.Context) (*Identity, bool) {
	value, found := contextGin.Get(DefaultContextKey)
	if !found {
		return nil, false
	}
	identity, ok := value.(*Identity)
	return identity, ok && identity != nil
}

// BearerFromContext returns the raw bearer stored by GinMiddleware.
func BearerFromContext(contextGin *gin.Context) string {
	return contextGin.GetString(BearerContextKey)
}
