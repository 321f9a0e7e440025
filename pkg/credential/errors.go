package credential

import "errors"

// ErrInvalidCredential is the umbrella for every parse failure; callers that
// only need a yes/no answer match on it.
var ErrInvalidCredential = errors.New("credential.invalid")

// Parse failure details. Each is reported together with ErrInvalidCredential.
var (
	ErrMalformed   = errors.New("credential.malformed")
	ErrSignature   = errors.New("credential.bad_signature")
	ErrExpired     = errors.New("credential.expired")
	ErrIssuer      = errors.New("credential.bad_issuer")
	ErrUnknownType = errors.New("credential.unknown_type")
	ErrWrongType   = errors.New("credential.wrong_type")
	ErrEmptyText   = errors.New("credential.empty_text")
)

// Construction errors.
var (
	ErrMissingSigningKey     = errors.New("credential.missing_signing_key")
	ErrWeakSigningKey        = errors.New("credential.weak_signing_key")
	ErrUndecodableSigningKey = errors.New("credential.undecodable_signing_key")
	ErrMissingIssuer         = errors.New("credential.missing_issuer")
	ErrEmptySubject          = errors.New("credential.empty_subject")
	ErrNonPositiveTTL        = errors.New("credential.non_positive_ttl")
	ErrUnknownRole           = errors.New("credential.unknown_role")
)
