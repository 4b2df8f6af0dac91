// Package auth - scopes.go defines the API key scope tags. Scopes are recorded
// on keys and exposed to handlers; they are labels, not an access policy.
package auth

import (
	"errors"
	"fmt"
)

// Scope represents a permission tag carried by an API key
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
)

// ErrInvalidScope is returned when a key is requested with an unknown scope
var ErrInvalidScope = errors.New("invalid scope")

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{ScopeRead, ScopeWrite}
}

// DefaultScopes are granted when a key is issued without explicit scopes
func DefaultScopes() []string {
	return []string{string(ScopeRead), string(ScopeWrite)}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()
	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("%w: %s", ErrInvalidScope, scope)
		}
	}
	return nil
}

// HasScope checks if a scope set contains required. Write implies read.
func HasScope(scopes []string, required Scope) bool {
	for _, scope := range scopes {
		if scope == string(required) {
			return true
		}
		if required == ScopeRead && scope == string(ScopeWrite) {
			return true
		}
	}
	return false
}
