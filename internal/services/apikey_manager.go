// Package services holds the registry's business logic: API key lifecycle,
// account resolution and provisioning, and request authentication. Services
// coordinate repositories and the auth primitives but never touch HTTP.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goldenpath/registry/internal/auth"
	"github.com/goldenpath/registry/internal/config"
	"github.com/goldenpath/registry/internal/db/models"
	"github.com/goldenpath/registry/internal/telemetry"
)

// maxKeyNameLength bounds the human-readable key name.
const maxKeyNameLength = 255

// ErrInvalidKeyName is returned by Issue for an empty or overlong display name.
var ErrInvalidKeyName = errors.New("api key name must be 1-255 characters")

// APIKeyStore is the persistence the manager needs.
type APIKeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
	ActiveCandidates(ctx context.Context, displayPrefix string) ([]*models.APIKey, error)
	ListByAccount(ctx context.Context, accountID string) ([]*models.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
	Deactivate(ctx context.Context, keyID, accountID string) (bool, error)
	Delete(ctx context.Context, keyID, accountID string) (bool, error)
}

// APIKeyManager issues, verifies, revokes and lists API keys.
type APIKeyManager struct {
	store       APIKeyStore
	hasher      auth.Hasher
	prefix      string
	prefixIndex bool
	defaultTTL  time.Duration
	now         func() time.Time

	decoyOnce   sync.Once
	decoyDigest string
}

// APIKeyManagerOption configures an APIKeyManager.
type APIKeyManagerOption func(*APIKeyManager)

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) APIKeyManagerOption {
	return func(m *APIKeyManager) { m.now = now }
}

// NewAPIKeyManager creates a manager from the api_keys configuration block.
func NewAPIKeyManager(store APIKeyStore, hasher auth.Hasher, cfg config.APIKeyConfig, opts ...APIKeyManagerOption) *APIKeyManager {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = auth.DefaultKeyPrefix
	}
	m := &APIKeyManager{
		store:       store,
		hasher:      hasher,
		prefix:      prefix,
		prefixIndex: cfg.PrefixIndex,
		defaultTTL:  cfg.DefaultTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates a key for accountID and returns the plaintext secret, which is
// never retrievable again. A nil ttl falls back to the configured default; a
// zero default means the key never expires. Nil or empty scopes get the
// default read and write scopes.
func (m *APIKeyManager) Issue(ctx context.Context, accountID, displayName string, scopes []string, ttl *time.Duration) (string, *models.APIKey, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" || len(displayName) > maxKeyNameLength {
		return "", nil, ErrInvalidKeyName
	}
	if len(scopes) == 0 {
		scopes = auth.DefaultScopes()
	}
	if err := auth.ValidateScopes(scopes); err != nil {
		return "", nil, err
	}

	secret, err := auth.GenerateSecret(m.prefix)
	if err != nil {
		return "", nil, err
	}
	keyID, err := auth.GenerateKeyID()
	if err != nil {
		return "", nil, err
	}
	digest, err := m.hasher.Hash(secret)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	now := m.now().UTC()
	key := &models.APIKey{
		KeyID:         keyID,
		AccountID:     accountID,
		DisplayName:   displayName,
		SecretHash:    digest,
		DisplayPrefix: auth.DisplayPrefix(secret),
		Scopes:        scopes,
		CreatedAt:     now,
		Active:        true,
	}
	lifetime := m.defaultTTL
	if ttl != nil {
		lifetime = *ttl
	}
	if lifetime > 0 {
		expires := now.Add(lifetime)
		key.ExpiresAt = &expires
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, auth.Persistence("store api key", err)
	}

	slog.Info("api key issued", "key_id", key.KeyID, "account_id", accountID, "scopes", scopes)
	return secret, key, nil
}

// Verify returns the active, unexpired key whose secret is plaintext. It
// returns (nil, nil) when nothing matches and a persistence error only when
// storage fails. A match updates last_used_at before returning; an expired
// match does not.
func (m *APIKeyManager) Verify(ctx context.Context, plaintext string) (*models.APIKey, error) {
	start := time.Now()
	defer func() { telemetry.APIKeyVerifyDuration.Observe(time.Since(start).Seconds()) }()

	if !auth.HasKeyShape(plaintext, m.prefix) {
		slog.Debug("api key rejected", "reason", "bad_shape")
		return nil, nil
	}

	var displayPrefix string
	if m.prefixIndex {
		displayPrefix = auth.DisplayPrefix(plaintext)
	}
	candidates, err := m.store.ActiveCandidates(ctx, displayPrefix)
	if err != nil {
		return nil, auth.Persistence("load api key candidates", err)
	}
	telemetry.APIKeyCandidates.Observe(float64(len(candidates)))

	var match *models.APIKey
	for _, k := range candidates {
		if m.hasher.Verify(plaintext, k.SecretHash) {
			match = k
			break
		}
	}
	if len(candidates) == 0 {
		// Spend one comparison anyway so an unknown prefix costs the same as a miss.
		m.hasher.Verify(plaintext, m.decoy())
	}
	if match == nil {
		slog.Debug("api key rejected", "reason", "not_found", "prefix", auth.DisplayPrefix(plaintext))
		return nil, nil
	}

	now := m.now().UTC()
	if match.ExpiredAt(now) {
		slog.Info("api key rejected", "reason", "expired", "key_id", match.KeyID, "account_id", match.AccountID)
		return nil, nil
	}

	if err := m.store.TouchLastUsed(ctx, match.KeyID, now); err != nil {
		return nil, auth.Persistence("record api key use", err)
	}
	match.LastUsedAt = &now
	return match, nil
}

// decoy returns a digest no real secret matches.
func (m *APIKeyManager) decoy() string {
	m.decoyOnce.Do(func() {
		d, err := m.hasher.Hash(m.prefix + "_decoy")
		if err != nil {
			slog.Warn("failed to build decoy api key digest", "error", err)
		}
		m.decoyDigest = d
	})
	return m.decoyDigest
}

// Revoke deactivates keyID when accountID owns it and reports whether it did.
func (m *APIKeyManager) Revoke(ctx context.Context, keyID, accountID string) (bool, error) {
	ok, err := m.store.Deactivate(ctx, keyID, accountID)
	if err != nil {
		return false, auth.Persistence("revoke api key", err)
	}
	if ok {
		slog.Info("api key revoked", "key_id", keyID, "account_id", accountID)
	}
	return ok, nil
}

// Delete removes keyID when accountID owns it and reports whether it did.
func (m *APIKeyManager) Delete(ctx context.Context, keyID, accountID string) (bool, error) {
	ok, err := m.store.Delete(ctx, keyID, accountID)
	if err != nil {
		return false, auth.Persistence("delete api key", err)
	}
	if ok {
		slog.Info("api key deleted", "key_id", keyID, "account_id", accountID)
	}
	return ok, nil
}

// List returns the account's keys newest first, without digests.
func (m *APIKeyManager) List(ctx context.Context, accountID string) ([]*models.APIKey, error) {
	keys, err := m.store.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, auth.Persistence("list api keys", err)
	}
	return keys, nil
}
