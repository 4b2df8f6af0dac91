package models

import "time"

// APIKey is a long-lived credential owned by an account. The plaintext secret
// is never stored; SecretHash holds its bcrypt digest.
type APIKey struct {
	KeyID         string     `db:"key_id" json:"key_id"`
	AccountID     string     `db:"account_id" json:"user_id"`
	DisplayName   string     `db:"display_name" json:"name"`
	SecretHash    string     `db:"secret_hash" json:"-"`
	DisplayPrefix string     `db:"display_prefix" json:"key_prefix"` // e.g. "gp_live_AbCdEfGh..."
	Scopes        []string   `db:"-" json:"scopes"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt    *time.Time `db:"last_used_at" json:"last_used"`
	ExpiresAt     *time.Time `db:"expires_at" json:"expires_at"`
	Active        bool       `db:"active" json:"is_active"`
}

// ExpiredAt reports whether the key has an expiry at or before now.
func (k *APIKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
