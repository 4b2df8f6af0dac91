package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/goldenpath/registry/internal/auth"
	"github.com/goldenpath/registry/internal/auth/oidc"
	"github.com/goldenpath/registry/internal/db/models"
	"github.com/goldenpath/registry/internal/telemetry"
)

// Scheme is the credential type a route accepts. It is fixed per route and
// never guessed from the credential's shape.
type Scheme int

const (
	SchemeAPIKey Scheme = iota
	SchemeIdentityToken
)

// String returns the metric and context label for the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeAPIKey:
		return "api_key"
	case SchemeIdentityToken:
		return "identity_token"
	default:
		return "unknown"
	}
}

// Principal is an authenticated caller.
type Principal struct {
	Account *models.Account
	Method  Scheme
	APIKey  *models.APIKey // set for SchemeAPIKey
	Claims  *oidc.Claims   // set for SchemeIdentityToken
	Scopes  []string
}

// KeyVerifier checks API key secrets.
type KeyVerifier interface {
	Verify(ctx context.Context, plaintext string) (*models.APIKey, error)
}

// TokenVerifier checks identity tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*oidc.Claims, error)
}

// Authenticator turns an Authorization header into a Principal.
type Authenticator struct {
	keys     KeyVerifier
	tokens   TokenVerifier
	accounts *AccountStore
}

// NewAuthenticator creates an Authenticator. tokens may be nil when no
// identity provider is configured; token-authenticated routes then fail with
// ErrProviderUnavailable.
func NewAuthenticator(keys KeyVerifier, tokens TokenVerifier, accounts *AccountStore) *Authenticator {
	return &Authenticator{keys: keys, tokens: tokens, accounts: accounts}
}

// Authenticate resolves header under scheme. Errors match the auth package
// sentinels with errors.Is.
func (a *Authenticator) Authenticate(ctx context.Context, header string, scheme Scheme) (*Principal, error) {
	p, err := a.authenticate(ctx, header, scheme)
	result := "success"
	if err != nil {
		result = resultLabel(err)
		logRejection(scheme, err)
	}
	telemetry.AuthAttemptsTotal.WithLabelValues(scheme.String(), result).Inc()
	return p, err
}

func (a *Authenticator) authenticate(ctx context.Context, header string, scheme Scheme) (*Principal, error) {
	credential, err := auth.ExtractBearerToken(header)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case SchemeAPIKey:
		return a.fromAPIKey(ctx, credential)
	case SchemeIdentityToken:
		return a.fromIdentityToken(ctx, credential)
	default:
		return nil, auth.NewError(auth.ErrMalformedCredential, "unsupported scheme", nil)
	}
}

func (a *Authenticator) fromAPIKey(ctx context.Context, secret string) (*Principal, error) {
	key, err := a.keys.Verify(ctx, secret)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, auth.NewError(auth.ErrInvalidCredential, "api key not recognised", nil)
	}

	account, err := a.accounts.Get(ctx, key.AccountID)
	if err != nil {
		return nil, err
	}
	return &Principal{Account: account, Method: SchemeAPIKey, APIKey: key, Scopes: key.Scopes}, nil
}

func (a *Authenticator) fromIdentityToken(ctx context.Context, raw string) (*Principal, error) {
	if a.tokens == nil {
		return nil, auth.NewError(auth.ErrProviderUnavailable, "identity provider not configured", nil)
	}

	claims, err := a.tokens.Verify(ctx, raw)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	account, err := a.accounts.ResolveOrProvision(ctx, claims.Subject, claims.Email, claims.Name)
	if err != nil {
		return nil, err
	}
	return &Principal{Account: account, Method: SchemeIdentityToken, Claims: claims, Scopes: auth.DefaultScopes()}, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, auth.ErrProviderUnavailable):
		return err
	case errors.Is(err, oidc.ErrExpiredToken):
		return auth.NewError(auth.ErrExpiredCredential, "token expired", err)
	case errors.Is(err, oidc.ErrUnknownSigningKey):
		return auth.NewError(auth.ErrInvalidCredential, "unknown_kid", err)
	default:
		return auth.NewError(auth.ErrInvalidCredential, "token rejected", err)
	}
}

// resultLabel is the auth_attempts_total result for err.
func resultLabel(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "missing"
	case errors.Is(err, auth.ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, auth.ErrExpiredCredential):
		return "expired"
	case errors.Is(err, auth.ErrInvalidCredential):
		return "invalid"
	case errors.Is(err, auth.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, auth.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, auth.ErrPersistenceFailure):
		return "persistence"
	default:
		return "error"
	}
}

func logRejection(scheme Scheme, err error) {
	attrs := []any{"method", scheme.String(), "result", resultLabel(err), "reason", auth.Reason(err), "error", err}
	switch {
	case errors.Is(err, auth.ErrProviderUnavailable), errors.Is(err, auth.ErrPersistenceFailure):
		slog.Warn("authentication unavailable", attrs...)
	case errors.Is(err, auth.ErrMissingCredential):
		slog.Debug("authentication skipped", attrs...)
	default:
		slog.Info("authentication rejected", attrs...)
	}
}
