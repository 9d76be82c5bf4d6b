package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrInvalidCACert     = errors.New("invalid CA certificate")
	ErrIdGeneratorFailed = errors.New("id generation failed")
	ErrInvalidIssuer     = errors.New("invalid issuer")
	ErrInvalidAudience   = errors.New("invalid audience")
	ErrInvalidNonce      = errors.New("invalid nonce")
	ErrMissingIdToken    = errors.New("id_token is missing")
	ErrTokenValidation   = errors.New("id_token validation failed")
	ErrLoginFailed       = errors.New("login failed")
	ErrUserInfoFailed    = errors.New("user info failed")
	ErrNoPlatform        = errors.New("not supported on this platform")
	ErrNotFound          = errors.New("not found")

	// ErrFatalConfig marks non-recoverable configuration errors: null or
	// insecure required URLs, nonsensical flow toggles, or a missing
	// required collaborator. Callers can test for it with errors.Is.
	ErrFatalConfig = errors.New("fatal configuration error")
)
