package authkit

import (
	"errors"
	"net/http"
)

// Domain failures surfaced by the authority. Handlers map them to HTTP
// statuses through statusForError.
var (
	ErrAuthentication    = errors.New("authority.authentication_failed")
	ErrInvalidCredential = errors.New("authority.invalid_credential")
	ErrSubjectNotFound   = errors.New("authority.subject_not_found")
	ErrRoleNotFound      = errors.New("authority.role_not_found")
	ErrDuplicateSubject  = errors.New("authority.duplicate_subject")
	ErrUnverifiedSubject = errors.New("authority.unverified_subject")
	ErrCodeInvalid       = errors.New("authority.code_invalid")
	ErrCodeExpired       = errors.New("authority.code_expired")
	ErrPersistence       = errors.New("authority.persistence_failure")
	ErrInvalidRequest    = errors.New("authority.invalid_request")
	ErrForbidden         = errors.New("authority.forbidden")
)

// Store level conditions.
var (
	// ErrSessionNotFound indicates no session matched the supplied credential text.
	ErrSessionNotFound = errors.New("session_store.not_found")
	// ErrSessionRevoked indicates the session was revoked before a rotation could claim it.
	ErrSessionRevoked = errors.New("session_store.revoked")
	// ErrEmptyCredentialText indicates an empty credential text was supplied for lookup.
	ErrEmptyCredentialText = errors.New("session_store.empty_text")
)

type errorResponse struct {
	status int
	code   string
}

var errorResponses = []struct {
	target   error
	response errorResponse
}{
	{ErrInvalidRequest, errorResponse{http.StatusBadRequest, "invalid_request"}},
	{ErrAuthentication, errorResponse{http.StatusUnauthorized, "authentication_failed"}},
	{ErrInvalidCredential, errorResponse{http.StatusUnauthorized, "invalid_credential"}},
	{ErrCodeInvalid, errorResponse{http.StatusUnauthorized, "code_invalid"}},
	{ErrCodeExpired, errorResponse{http.StatusUnauthorized, "code_expired"}},
	{ErrUnverifiedSubject, errorResponse{http.StatusForbidden, "unverified_subject"}},
	{ErrForbidden, errorResponse{http.StatusForbidden, "forbidden"}},
	{ErrSubjectNotFound, errorResponse{http.StatusNotFound, "subject_not_found"}},
	{ErrRoleNotFound, errorResponse{http.StatusNotFound, "role_not_found"}},
	{ErrDuplicateSubject, errorResponse{http.StatusConflict, "duplicate_subject"}},
	{ErrPersistence, errorResponse{http.StatusInternalServerError, "persistence_failure"}},
}

func statusForError(err error) (int, string) {
	for _, candidate := range errorResponses {
		if errors.Is(err, candidate.target) {
			return candidate.response.status, candidate.response.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}
