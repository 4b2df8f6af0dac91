package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/goldenpath/registry/internal/auth"
	"github.com/goldenpath/registry/internal/db/models"
	"github.com/goldenpath/registry/internal/db/repositories"
	"github.com/goldenpath/registry/internal/telemetry"
)

const (
	// maxNamespaceAttempts bounds the numeric suffixes tried for one base.
	maxNamespaceAttempts = 10000
	// maxProvisionAttempts bounds retries after losing a unique-constraint race.
	maxProvisionAttempts = 3
	// defaultKeyName names the key issued on registration.
	defaultKeyName = "Default API Key"
)

var (
	// ErrEmailInUse is returned by Register when another subject holds the email.
	ErrEmailInUse = errors.New("email already registered to another account")
	// ErrNamespaceExhausted is returned when every suffix up to the bound is taken.
	ErrNamespaceExhausted = errors.New("no free namespace for base")
	// ErrInvalidAuthProvider is returned by Register for an unknown provider.
	ErrInvalidAuthProvider = errors.New("invalid auth provider")
	// ErrInvalidRegistration is returned by Register for missing subject or email.
	ErrInvalidRegistration = errors.New("user_id and email are required")
)

// AccountRepository is the persistence the account store needs.
type AccountRepository interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Create(ctx context.Context, a *models.Account) error
	LinkSubject(ctx context.Context, email, subject string) (*models.Account, error)
	NamespacesWithBase(ctx context.Context, base string) (map[string]bool, error)
	UpdateProfile(ctx context.Context, accountID string, name, bio, githubUsername *string) (*models.Account, error)
}

// AccountStore resolves identities to accounts, creating and linking them as needed.
type AccountStore struct {
	repo AccountRepository
	keys *APIKeyManager
}

// NewAccountStore creates an AccountStore. keys may be nil when registration
// should not issue default keys.
func NewAccountStore(repo AccountRepository, keys *APIKeyManager) *AccountStore {
	return &AccountStore{repo: repo, keys: keys}
}

// Get returns the account, or ErrAccountNotFound.
func (s *AccountStore) Get(ctx context.Context, accountID string) (*models.Account, error) {
	a, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, auth.Persistence("load account", err)
	}
	if a == nil {
		return nil, auth.NewError(auth.ErrAccountNotFound, "no account for id", nil)
	}
	return a, nil
}

// ResolveOrProvision returns the account for an identity-provider subject. An
// account registered earlier under the same email is re-keyed to the subject;
// otherwise a new account is created with a generated namespace. Concurrent
// first logins for one subject end with exactly one account.
func (s *AccountStore) ResolveOrProvision(ctx context.Context, subjectID, email, nameHint string) (*models.Account, error) {
	if subjectID == "" {
		return nil, auth.NewError(auth.ErrInvalidCredential, "identity has no subject", nil)
	}
	email = normalizeEmail(email)

	var lastErr error
	for attempt := 0; attempt < maxProvisionAttempts; attempt++ {
		a, outcome, err := s.resolveOnce(ctx, subjectID, email, nameHint)
		if err == nil {
			if attempt > 0 && outcome == "existing" {
				outcome = "race_resolved"
			}
			telemetry.AccountProvisioningTotal.WithLabelValues(outcome).Inc()
			if outcome != "existing" {
				slog.Info("account resolved", "account_id", a.AccountID, "namespace", a.Namespace, "outcome", outcome)
			}
			return a, nil
		}
		if !repositories.IsUniqueViolation(err) {
			var authErr *auth.Error
			if errors.As(err, &authErr) {
				return nil, err
			}
			return nil, auth.Persistence("provision account", err)
		}
		lastErr = err
		slog.Debug("lost account provisioning race, retrying", "subject", subjectID, "attempt", attempt+1)
	}
	return nil, auth.Persistence("provision account", fmt.Errorf("gave up after %d attempts: %w", maxProvisionAttempts, lastErr))
}

func (s *AccountStore) resolveOnce(ctx context.Context, subjectID, email, nameHint string) (*models.Account, string, error) {
	a, err := s.repo.GetByID(ctx, subjectID)
	if err != nil || a != nil {
		return a, "existing", err
	}
	if email == "" {
		return nil, "", auth.NewError(auth.ErrAccountNotFound, "no email claim to provision from", nil)
	}

	a, err = s.repo.LinkSubject(ctx, email, subjectID)
	if err != nil || a != nil {
		return a, "linked", err
	}

	namespace, err := s.GenerateNamespace(ctx, email)
	if err != nil {
		return nil, "", err
	}
	a = &models.Account{
		AccountID:        subjectID,
		Email:            email,
		EmailVerified:    true,
		Namespace:        namespace,
		AuthProvider:     models.AuthProviderExternalIDP,
		Name:             optional(nameHint),
		SubscriptionTier: models.DefaultSubscriptionTier,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, "", err
	}
	return a, "created", nil
}

// GenerateNamespace derives "@<local part>" from email and appends the first
// free numeric suffix when the base is taken.
func (s *AccountStore) GenerateNamespace(ctx context.Context, email string) (string, error) {
	base := NamespaceBase(email)
	taken, err := s.repo.NamespacesWithBase(ctx, base)
	if err != nil {
		return "", err
	}
	return FirstFreeNamespace(base, taken)
}

// NamespaceBase lowercases the email's local part, keeps only [a-z0-9] and
// prefixes "@". An empty result becomes "@user".
func NamespaceBase(email string) string {
	local, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(email)), "@")
	var b strings.Builder
	b.WriteByte('@')
	for _, r := range local {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return "@user"
	}
	return b.String()
}

// FirstFreeNamespace returns base, or base followed by the smallest positive
// integer, whichever is first absent from taken.
func FirstFreeNamespace(base string, taken map[string]bool) (string, error) {
	if !taken[base] {
		return base, nil
	}
	for i := 1; i <= maxNamespaceAttempts; i++ {
		candidate := base + strconv.Itoa(i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w %q after %d attempts", ErrNamespaceExhausted, base, maxNamespaceAttempts)
}

// RegisterInput is the payload of the post-authentication registration hook.
type RegisterInput struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Name          string
	AuthProvider  string
}

// RegisterResult reports the account and, for a new verified account, the
// plaintext of its default API key.
type RegisterResult struct {
	Account           *models.Account
	AlreadyRegistered bool
	DefaultAPIKey     string
}

// Register creates the account for a newly signed-up identity. Registering an
// existing subject is a no-op.
func (s *AccountStore) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	in.Email = normalizeEmail(in.Email)
	if in.SubjectID == "" || in.Email == "" {
		return nil, ErrInvalidRegistration
	}
	if !models.ValidAuthProvider(in.AuthProvider) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAuthProvider, in.AuthProvider)
	}

	for attempt := 0; ; attempt++ {
		existing, err := s.repo.GetByID(ctx, in.SubjectID)
		if err != nil {
			return nil, auth.Persistence("load account", err)
		}
		if existing != nil {
			return &RegisterResult{Account: existing, AlreadyRegistered: true}, nil
		}

		byEmail, err := s.repo.GetByEmail(ctx, in.Email)
		if err != nil {
			return nil, auth.Persistence("load account by email", err)
		}
		if byEmail != nil {
			return nil, ErrEmailInUse
		}

		namespace, err := s.GenerateNamespace(ctx, in.Email)
		if err != nil {
			return nil, auth.Persistence("generate namespace", err)
		}
		a := &models.Account{
			AccountID:        in.SubjectID,
			Email:            in.Email,
			EmailVerified:    in.EmailVerified,
			Namespace:        namespace,
			AuthProvider:     in.AuthProvider,
			Name:             optional(in.Name),
			SubscriptionTier: models.DefaultSubscriptionTier,
		}
		err = s.repo.Create(ctx, a)
		if repositories.IsUniqueViolation(err) && attempt+1 < maxProvisionAttempts {
			continue
		}
		if err != nil {
			return nil, auth.Persistence("create account", err)
		}

		telemetry.AccountProvisioningTotal.WithLabelValues("registered").Inc()
		slog.Info("account registered", "account_id", a.AccountID, "namespace", a.Namespace, "provider", a.AuthProvider)

		result := &RegisterResult{Account: a}
		if a.EmailVerified && s.keys != nil {
			secret, _, err := s.keys.Issue(ctx, a.AccountID, defaultKeyName, auth.DefaultScopes(), nil)
			if err != nil {
				// The account exists; the user can create a key from the dashboard.
				slog.Error("failed to issue default api key", "account_id", a.AccountID, "error", err)
			} else {
				result.DefaultAPIKey = secret
			}
		}
		return result, nil
	}
}

// ProfileUpdate carries the editable profile fields. Nil fields are left alone.
type ProfileUpdate struct {
	Name           *string
	Bio            *string
	GitHubUsername *string
}

// UpdateProfile applies update and returns the updated account.
func (s *AccountStore) UpdateProfile(ctx context.Context, accountID string, update ProfileUpdate) (*models.Account, error) {
	a, err := s.repo.UpdateProfile(ctx, accountID, update.Name, update.Bio, update.GitHubUsername)
	if err != nil {
		return nil, auth.Persistence("update profile", err)
	}
	if a == nil {
		return nil, auth.NewError(auth.ErrAccountNotFound, "no account for id", nil)
	}
	return a, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
