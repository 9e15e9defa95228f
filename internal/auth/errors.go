package auth

import "errors"

// Sentinel errors returned by token validation. Callers should use
// errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	// Clients reconnect with a freshly issued token.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned for malformed, tampered, or otherwise
	// unverifiable tokens. The cause is deliberately not detailed.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
