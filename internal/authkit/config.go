package authkit

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ServerConfig configures credential lifetimes and optional sign-in paths.
type ServerConfig struct {
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	CodeTTL              time.Duration
	CodeLength           int
	PasswordCost         int
	RequireVerifiedLogin bool
	GoogleWebClientID    string
	AllowInsecureHTTP    bool
}

// Default lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultCodeTTL    = 5 * time.Minute
	DefaultCodeLength = 6
)

func (configuration ServerConfig) withDefaults() ServerConfig {
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = DefaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = DefaultRefreshTTL
	}
	if configuration.CodeTTL <= 0 {
		configuration.CodeTTL = DefaultCodeTTL
	}
	if configuration.CodeLength <= 0 {
		configuration.CodeLength = DefaultCodeLength
	}
	if configuration.PasswordCost == 0 {
		configuration.PasswordCost = bcrypt.DefaultCost
	}
	return configuration
}
