// Package auth provides the credential primitives for the registry: API key
// generation, secret hashing, bearer header parsing, scopes and the
// authentication error taxonomy.
// See internal/services/authenticator.go for the request-time flow that uses them.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of plaintext characters kept for display
	DisplayPrefixLength = 16

	// KeyIDLength is the number of random bytes in a key identifier
	KeyIDLength = 16

	// DefaultKeyPrefix tags production keys
	DefaultKeyPrefix = "gp_live"
)

// GenerateSecret creates a new random API key secret of the form
// "<prefix>_<base64url(32 random bytes)>".
func GenerateSecret(prefix string) (string, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%s_%s", prefix, base64.RawURLEncoding.EncodeToString(randomBytes)), nil
}

// GenerateKeyID returns an opaque identifier that is safe to log.
func GenerateKeyID() (string, error) {
	randomBytes := make([]byte, KeyIDLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate key id: %w", err)
	}
	return "key_" + base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// DisplayPrefix returns the truncated plaintext shown in listings
// ("gp_live_AbCdEfGh...").
func DisplayPrefix(secret string) string {
	if len(secret) <= DisplayPrefixLength {
		return secret
	}
	return secret[:DisplayPrefixLength] + "..."
}

// HasKeyShape reports whether secret looks like a key issued under prefix.
// It is a cheap pre-check only; the hash comparison decides validity.
func HasKeyShape(secret, prefix string) bool {
	rest, ok := strings.CutPrefix(secret, prefix+"_")
	if !ok || rest == "" {
		return false
	}
	for _, r := range rest {
		if !isURLSafe(r) {
			return false
		}
	}
	return true
}

func isURLSafe(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// ExtractBearerToken extracts the credential from an Authorization header.
// Expected format: "Bearer <credential>".
func ExtractBearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", ErrMissingCredential
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", NewError(ErrMalformedCredential, "authorization header must start with 'Bearer '", nil)
	}

	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", NewError(ErrMalformedCredential, "bearer credential is empty or contains whitespace", nil)
	}

	return token, nil
}
