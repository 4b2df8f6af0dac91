package oidc

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goldenpath/registry/internal/auth"
)

// Token verification outcomes. ErrProviderUnavailable is shared with the
// auth package so callers can test for it without importing this one.
var (
	ErrInvalidToken        = errors.New("invalid identity token")
	ErrExpiredToken        = errors.New("identity token expired")
	ErrUnknownSigningKey   = errors.New("unknown signing key")
	ErrProviderUnavailable = auth.ErrProviderUnavailable
)

// Claims is the identity extracted from a verified token.
type Claims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Username      string
	TokenUse      string
	Issuer        string
	ExpiresAt     time.Time
}

// tokenClaims is the wire shape of the provider's tokens. Cognito ID tokens
// carry aud=client id; access tokens carry client_id and token_use=access.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email         string      `json:"email"`
	EmailVerified interface{} `json:"email_verified"`
	Name          string      `json:"name"`
	Username      string      `json:"cognito:username"`
	TokenUse      string      `json:"token_use"`
	ClientID      string      `json:"client_id"`
}

// VerifierConfig holds the claim expectations for a Verifier.
type VerifierConfig struct {
	Issuer    string
	ClientID  string
	Algorithm string
	Leeway    time.Duration
	// Now overrides the clock used for exp/nbf checks.
	Now func() time.Time
}

// Verifier validates identity tokens against the provider's key set.
type Verifier struct {
	keys      *KeySetCache
	issuer    string
	clientID  string
	algorithm string
	leeway    time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier that resolves signing keys through keys.
func NewVerifier(keys *KeySetCache, cfg VerifierConfig) *Verifier {
	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodRS256.Alg()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		keys:      keys,
		issuer:    strings.TrimRight(cfg.Issuer, "/"),
		clientID:  cfg.ClientID,
		algorithm: alg,
		leeway:    cfg.Leeway,
		now:       now,
	}
}

// Verify checks the token's signature, algorithm, issuer, audience and expiry
// and returns its identity claims. Failures wrap ErrInvalidToken,
// ErrExpiredToken, ErrUnknownSigningKey or ErrProviderUnavailable.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, auth.NewError(ErrInvalidToken, "empty token", nil)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(raw, &tokenClaims{})
	if err != nil {
		return nil, auth.NewError(ErrInvalidToken, "malformed token", err)
	}

	// Reject any other algorithm before touching keys, "none" included.
	if alg, _ := unverified.Header["alg"].(string); alg != v.algorithm {
		return nil, auth.NewError(ErrInvalidToken, fmt.Sprintf("unexpected signing algorithm %q", alg), nil)
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, auth.NewError(ErrInvalidToken, "token header has no kid", nil)
	}

	key, err := v.signingKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	claims := &tokenClaims{}
	_, err = jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, auth.NewError(ErrExpiredToken, "token expired", err)
		}
		return nil, auth.NewError(ErrInvalidToken, "token verification failed", err)
	}

	if !v.audienceMatches(claims) {
		return nil, auth.NewError(ErrInvalidToken, "token audience does not match client", nil)
	}
	if claims.Subject == "" {
		return nil, auth.NewError(ErrInvalidToken, "token has no subject", nil)
	}

	return v.extract(claims), nil
}

// signingKey looks kid up, allowing exactly one refetch for a kid the cached
// set does not know (key rotation).
func (v *Verifier) signingKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	set, err := v.keys.Get(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := set.Lookup(kid); ok {
		return key, nil
	}

	set, err = v.keys.Refresh(ctx, set)
	if err != nil {
		return nil, err
	}
	if key, ok := set.Lookup(kid); ok {
		return key, nil
	}
	return nil, auth.NewError(ErrUnknownSigningKey, fmt.Sprintf("kid %q not in provider key set", kid), nil)
}

func (v *Verifier) audienceMatches(c *tokenClaims) bool {
	for _, aud := range c.Audience {
		if aud == v.clientID {
			return true
		}
	}
	return c.TokenUse == "access" && c.ClientID == v.clientID
}

func (v *Verifier) extract(c *tokenClaims) *Claims {
	out := &Claims{
		Subject:       c.Subject,
		Email:         strings.ToLower(strings.TrimSpace(c.Email)),
		EmailVerified: truthy(c.EmailVerified),
		Name:          c.Name,
		Username:      c.Username,
		TokenUse:      c.TokenUse,
		Issuer:        c.Issuer,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	if out.Name == "" {
		out.Name = c.Username
	}
	if out.Name == "" && out.Email != "" {
		out.Name, _, _ = strings.Cut(out.Email, "@")
	}
	return out
}

// truthy accepts both JSON booleans and the "true" strings some providers emit.
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}
