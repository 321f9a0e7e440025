package authkit

import (
	"context"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies Google ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator returns the production validator backed by Google's public keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

type googleIdentity struct {
	email         string
	name          string
	emailVerified bool
	nonce         string
}

func readGoogleIdentity(payload *idtoken.Payload) (googleIdentity, bool) {
	if payload == nil {
		return googleIdentity{}, false
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return googleIdentity{}, false
	}
	identity := googleIdentity{}
	identity.email, _ = payload.Claims["email"].(string)
	identity.name, _ = payload.Claims["name"].(string)
	identity.emailVerified, _ = payload.Claims["email_verified"].(bool)
	identity.nonce, _ = payload.Claims["nonce"].(string)
	return identity, identity.email != "" && identity.emailVerified
}
