package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the default cost factor for bcrypt hashing
const BcryptCost = 12

// Hasher hashes secrets one-way and verifies them in constant time.
type Hasher interface {
	Hash(secret string) (string, error)
	// Verify reports whether secret produced digest. It never errors: a
	// malformed digest is simply a mismatch.
	Verify(secret, digest string) bool
}

// BcryptHasher is a Hasher backed by bcrypt.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a bcrypt hasher. A cost outside bcrypt's accepted
// range falls back to BcryptCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = BcryptCost
	}
	return &BcryptHasher{Cost: cost}
}

// Hash returns the bcrypt digest of secret.
func (h *BcryptHasher) Hash(secret string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(digest), nil
}

// Verify compares secret against digest. bcrypt compares the derived hashes
// with subtle.ConstantTimeCompare.
func (h *BcryptHasher) Verify(secret, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
}
