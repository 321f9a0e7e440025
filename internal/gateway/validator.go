package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultValidationTimeout bounds a single validate-token round trip.
const DefaultValidationTimeout = 3 * time.Second

const validateTokenPath = "/auth/validate-token"

var (
	// ErrValidationTransport indicates the authority could not be reached or answered garbage.
	ErrValidationTransport = errors.New("gateway.validation_transport")
	// ErrValidationStatus indicates the authority answered with a non-2xx status.
	ErrValidationStatus = errors.New("gateway.validation_status")
	// ErrMissingAuthorityURL indicates the remote validator was built without an authority URL.
	ErrMissingAuthorityURL = errors.New("gateway.missing_authority_url")
)

// TokenValidator answers whether an access credential is live.
type TokenValidator interface {
	Validate(ctx context.Context, accessText string) (bool, error)
}

// RemoteValidator delegates the decision to the authority's validate-token endpoint.
type RemoteValidator struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
}

// NewRemoteValidator targets authorityURL. A nil client uses http.DefaultClient;
// a non-positive timeout uses DefaultValidationTimeout.
func NewRemoteValidator(authorityURL string, client *http.Client, timeout time.Duration) (*RemoteValidator, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(authorityURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("gateway.new_remote_validator: %w", ErrMissingAuthorityURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	return &RemoteValidator{client: client, endpoint: trimmed + validateTokenPath, timeout: timeout}, nil
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

// Validate posts the credential and decodes the boolean answer. Any failure
// returns false together with the cause; callers must treat it as a rejection.
func (validator *RemoteValidator) Validate(ctx context.Context, accessText string) (bool, error) {
	body, err := json.Marshal(validateTokenRequest{Token: accessText})
	if err != nil {
		return false, fmt.Errorf("gateway.validate: %w: %w", ErrValidationTransport, err)
	}
	requestContext, cancel := context.WithTimeout(ctx, validator.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(requestContext, http.MethodPost, validator.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("gateway.validate: %w: %w", ErrValidationTransport, err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := validator.client.Do(request)
	if err != nil {
		return false, fmt.Errorf("gateway.validate: %w: %w", ErrValidationTransport, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, response.Body)
		return false, fmt.Errorf("gateway.validate: %w: %d", ErrValidationStatus, response.StatusCode)
	}
	var valid bool
	if decodeErr := json.NewDecoder(io.LimitReader(response.Body, 1024)).Decode(&valid); decodeErr != nil {
		return false, fmt.Errorf("gateway.validate: %w: %w", ErrValidationTransport, decodeErr)
	}
	return valid, nil
}
