// api_key_repository.go implements APIKeyRepository, providing queries for
// candidate lookup during verification, creation, listing, last-used tracking,
// deactivation and deletion.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goldenpath/registry/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create stores a new key. The record must already carry its KeyID and digest.
func (r *APIKeyRepository) Create(ctx context.Context, k *models.APIKey) error {
	scopesJSON, err := json.Marshal(k.Scopes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (key_id, account_id, display_name, secret_hash, display_prefix, scopes,
			created_at, last_used_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		k.KeyID,
		k.AccountID,
		k.DisplayName,
		k.SecretHash,
		k.DisplayPrefix,
		scopesJSON,
		k.CreatedAt,
		k.LastUsedAt,
		k.ExpiresAt,
		k.Active,
	)
	return err
}

// ActiveCandidates returns active keys that may match a presented secret,
// secret_hash included. A non-empty displayPrefix narrows the set to keys
// sharing that prefix; an empty one returns every active key.
func (r *APIKeyRepository) ActiveCandidates(ctx context.Context, displayPrefix string) ([]*models.APIKey, error) {
	query := `
		SELECT key_id, account_id, display_name, secret_hash, display_prefix, scopes,
			created_at, last_used_at, expires_at, active
		FROM api_keys
		WHERE active AND ($1 = '' OR display_prefix = $1)
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, displayPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		k := &models.APIKey{}
		var scopesJSON []byte
		if err := rows.Scan(
			&k.KeyID, &k.AccountID, &k.DisplayName, &k.SecretHash, &k.DisplayPrefix, &scopesJSON,
			&k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.Active,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(scopesJSON, &k.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes of %s: %w", k.KeyID, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListByAccount returns an account's keys newest first. The digest is not selected.
func (r *APIKeyRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.APIKey, error) {
	query := `
		SELECT key_id, account_id, display_name, display_prefix, scopes,
			created_at, last_used_at, expires_at, active
		FROM api_keys
		WHERE account_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		k := &models.APIKey{}
		var scopesJSON []byte
		if err := rows.Scan(
			&k.KeyID, &k.AccountID, &k.DisplayName, &k.DisplayPrefix, &scopesJSON,
			&k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.Active,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(scopesJSON, &k.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes of %s: %w", k.KeyID, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchLastUsed records a successful verification.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	return err
}

// Deactivate marks the key inactive when it belongs to accountID and reports
// whether a row matched.
func (r *APIKeyRepository) Deactivate(ctx context.Context, keyID, accountID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET active = FALSE WHERE key_id = $1 AND account_id = $2`, keyID, accountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes the key when it belongs to accountID and reports whether a row matched.
func (r *APIKeyRepository) Delete(ctx context.Context, keyID, accountID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE key_id = $1 AND account_id = $2`, keyID, accountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
