package app

import (
	"errors"
	"fmt"

	"hirewire/cmd/internal/auth/identity"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast: a server that cannot verify identity tokens must not accept connections.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("security policy: HIREWIRE_JWT_SECRET is missing")
	}
	// Bytes, not runes: the secret is used as a raw HMAC key.
	if len(cfg.JWTSecret) < identity.MinSecretBytes {
		return fmt.Errorf("security policy: HIREWIRE_JWT_SECRET is too short (min %d bytes)", identity.MinSecretBytes)
	}
	if cfg.JWTLeeway < 0 {
		return errors.New("security policy: HIREWIRE_JWT_LEEWAY must not be negative")
	}
	return nil
}
