// Package oidc verifies identity tokens minted by the external identity
// provider. It owns the process-wide key-set cache, the token verifier, and
// discovery of the provider's key-set endpoint.
package oidc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/goldenpath/registry/internal/config"
)

// DiscoverKeySetURL returns the provider's JWKS endpoint. An explicitly
// configured or pool-derived URL is used as-is; otherwise the issuer's
// OpenID discovery document is fetched and its jwks_uri returned.
func DiscoverKeySetURL(ctx context.Context, cfg *config.IdentityConfig, client *http.Client) (string, error) {
	if url := cfg.KeySetURL(); url != "" {
		return url, nil
	}

	issuer := cfg.Issuer()
	if issuer == "" {
		return "", fmt.Errorf("identity provider issuer is not configured")
	}

	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("failed to discover identity provider: %w", err)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("failed to read discovery document: %w", err)
	}
	if meta.JWKSURL == "" {
		return "", fmt.Errorf("discovery document for %s has no jwks_uri", issuer)
	}
	return meta.JWKSURL, nil
}

// New builds the key-set cache and verifier described by cfg. Discovery, if
// needed, runs once here; key material is fetched lazily on first use.
func New(ctx context.Context, cfg *config.IdentityConfig) (*Verifier, *KeySetCache, error) {
	if !cfg.Enabled {
		return nil, nil, fmt.Errorf("identity provider is not enabled")
	}
	if cfg.ClientID == "" {
		return nil, nil, fmt.Errorf("identity provider client id is required")
	}

	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	client := &http.Client{Timeout: timeout}

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	url, err := DiscoverKeySetURL(discoverCtx, cfg, client)
	if err != nil {
		return nil, nil, err
	}

	cache := NewKeySetCache(url,
		WithHTTPClient(client),
		WithFetchTimeout(timeout),
		WithMaxAge(cfg.MaxKeyAge),
		WithBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout),
	)
	verifier := NewVerifier(cache, VerifierConfig{
		Issuer:    cfg.Issuer(),
		ClientID:  cfg.ClientID,
		Algorithm: cfg.Algorithm,
		Leeway:    cfg.Leeway,
	})
	return verifier, cache, nil
}
