// Package models defines the database model types for the Golden Path registry.
// Each type corresponds to a table; struct tags cover JSON rendering and sqlx scanning.
// Models are plain data. Business rules live in internal/services and query logic in repositories.
package models

import "time"

// Auth providers an account can be registered through.
const (
	AuthProviderPassword    = "password"
	AuthProviderFederated   = "federated-oauth"
	AuthProviderExternalIDP = "external-idp"
)

// DefaultSubscriptionTier is assigned to every new account.
const DefaultSubscriptionTier = "free"

// Account is a registry user. AccountID is the identity provider subject and
// only changes when a pre-existing email account is linked to a new subject.
type Account struct {
	AccountID        string    `db:"account_id" json:"user_id"`
	Email            string    `db:"email" json:"email"`
	EmailVerified    bool      `db:"email_verified" json:"email_verified"`
	Namespace        string    `db:"namespace" json:"namespace"`
	AuthProvider     string    `db:"auth_provider" json:"auth_provider"`
	Name             *string   `db:"name" json:"name"`
	Bio              *string   `db:"bio" json:"bio"`
	GitHubUsername   *string   `db:"github_username" json:"github_username"`
	SubscriptionTier string    `db:"subscription_tier" json:"subscription_tier"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// ValidAuthProvider reports whether p is one of the known providers.
func ValidAuthProvider(p string) bool {
	switch p {
	case AuthProviderPassword, AuthProviderFederated, AuthProviderExternalIDP:
		return true
	}
	return false
}
