// account_repository.go implements AccountRepository: account lookup by subject,
// email and namespace, creation, subject linking and profile updates.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goldenpath/registry/internal/db/models"
)

const accountColumns = `account_id, email, email_verified, namespace, auth_provider, name, bio,
	github_username, subscription_tier, created_at, updated_at`

// AccountRepository handles account database operations
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(
		&a.AccountID,
		&a.Email,
		&a.EmailVerified,
		&a.Namespace,
		&a.AuthProvider,
		&a.Name,
		&a.Bio,
		&a.GitHubUsername,
		&a.SubscriptionTier,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID returns the account with the given subject, or nil when none exists.
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, accountID))
}

// GetByEmail returns the account holding email, or nil.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, email))
}

// Create inserts a new account. A unique violation is returned unchanged so
// callers can detect it with IsUniqueViolation.
func (r *AccountRepository) Create(ctx context.Context, a *models.Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.SubscriptionTier == "" {
		a.SubscriptionTier = models.DefaultSubscriptionTier
	}

	query := `
		INSERT INTO accounts (account_id, email, email_verified, namespace, auth_provider, name, bio,
			github_username, subscription_tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.AccountID,
		a.Email,
		a.EmailVerified,
		a.Namespace,
		a.AuthProvider,
		a.Name,
		a.Bio,
		a.GitHubUsername,
		a.SubscriptionTier,
		a.CreatedAt,
		a.UpdatedAt,
	)
	return err
}

// LinkSubject moves the account registered under email to subject and marks
// the email verified. The email row is locked for the duration so concurrent
// linkers serialise. Returns nil when no account holds the email.
func (r *AccountRepository) LinkSubject(ctx context.Context, email, subject string) (*models.Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin link transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1 FOR UPDATE`
	existing, err := scanAccount(tx.QueryRowContext(ctx, query, email))
	if err != nil || existing == nil {
		return nil, err
	}

	now := time.Now().UTC()
	if existing.AccountID != subject {
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts
			SET account_id = $1, email_verified = TRUE, updated_at = $2
			WHERE account_id = $3
		`, subject, now, existing.AccountID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET email_verified = TRUE, updated_at = $1 WHERE account_id = $2
		`, now, subject)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit link transaction: %w", err)
	}

	existing.AccountID = subject
	existing.EmailVerified = true
	existing.UpdatedAt = now
	return existing, nil
}

// NamespacesWithBase returns the taken namespaces that are base itself or base
// followed only by digits.
func (r *AccountRepository) NamespacesWithBase(ctx context.Context, base string) (map[string]bool, error) {
	query := `
		SELECT namespace FROM accounts
		WHERE namespace = $1 OR (namespace LIKE $1 || '%' AND substr(namespace, length($1) + 1) ~ '^[0-9]+$')
	`
	rows, err := r.db.QueryContext(ctx, query, base)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	taken := make(map[string]bool)
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		taken[ns] = true
	}
	return taken, rows.Err()
}

// UpdateProfile sets the non-nil fields and returns the updated account, or
// nil when the account does not exist.
func (r *AccountRepository) UpdateProfile(ctx context.Context, accountID string, name, bio, githubUsername *string) (*models.Account, error) {
	query := `
		UPDATE accounts
		SET name = COALESCE($2, name),
			bio = COALESCE($3, bio),
			github_username = COALESCE($4, github_username),
			updated_at = $5
		WHERE account_id = $1
		RETURNING ` + accountColumns

	return scanAccount(r.db.QueryRowContext(ctx, query, accountID, name, bio, githubUsername, time.Now().UTC()))
}

// Ping checks the database is reachable.
func (r *AccountRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
