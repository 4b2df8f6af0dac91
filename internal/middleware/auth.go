// Package middleware provides Gin HTTP middleware for authentication, scope checks,
// rate limiting, security headers, request logging and audit logging.
//
// Ordering is fixed in api.NewEngine:
//
//	RequestID, Metrics, Logger, Security, CORS, RateLimit   (global)
//	Auth, Scope, upload RateLimit, Audit                    (per route group)
//
// Each route group declares the one credential scheme it accepts. API key routes
// never fall back to identity tokens and vice versa.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goldenpath/registry/internal/auth"
	"github.com/goldenpath/registry/internal/db/models"
	"github.com/goldenpath/registry/internal/services"
)

// Context keys set by the auth middleware.
const (
	ContextKeyPrincipal  = "principal"
	ContextKeyAccount    = "account"
	ContextKeyAccountID  = "account_id"
	ContextKeyNamespace  = "namespace"
	ContextKeyAuthMethod = "auth_method"
	ContextKeyScopes     = "scopes"
	ContextKeyAPIKeyID   = "api_key_id"
)

// retryAfterSeconds is sent with 503 responses caused by an unavailable
// identity provider or database.
const retryAfterSeconds = "30"

// Authenticator resolves an Authorization header into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, header string, scheme services.Scheme) (*services.Principal, error)
}

// RequireAPIKey authenticates the request with a registry API key.
func RequireAPIKey(authn Authenticator) gin.HandlerFunc {
	return requireScheme(authn, services.SchemeAPIKey)
}

// RequireIdentityToken authenticates the request with an identity provider
// access token. Unknown subjects are provisioned on first use.
func RequireIdentityToken(authn Authenticator) gin.HandlerFunc {
	return requireScheme(authn, services.SchemeIdentityToken)
}

func requireScheme(authn Authenticator, scheme services.Scheme) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := authn.Authenticate(c.Request.Context(), c.GetHeader("Authorization"), scheme)
		if err != nil {
			abortWithAuthError(c, err)
			return
		}
		setPrincipal(c, principal)
		c.Next()
	}
}

// OptionalAPIKey sets the principal when a valid API key is presented and
// continues anonymously otherwise. Infrastructure failures still abort so a
// caller is never silently downgraded by an outage.
func OptionalAPIKey(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		principal, err := authn.Authenticate(c.Request.Context(), header, services.SchemeAPIKey)
		if err != nil {
			if auth.HTTPStatus(err) >= http.StatusInternalServerError {
				abortWithAuthError(c, err)
				return
			}
			c.Next()
			return
		}
		setPrincipal(c, principal)
		c.Next()
	}
}

func setPrincipal(c *gin.Context, p *services.Principal) {
	c.Set(ContextKeyPrincipal, p)
	c.Set(ContextKeyAccount, p.Account)
	c.Set(ContextKeyAccountID, p.Account.AccountID)
	c.Set(ContextKeyNamespace, p.Account.Namespace)
	c.Set(ContextKeyAuthMethod, p.Method.String())
	c.Set(ContextKeyScopes, p.Scopes)
	if p.APIKey != nil {
		c.Set(ContextKeyAPIKeyID, p.APIKey.KeyID)
	}
}

func abortWithAuthError(c *gin.Context, err error) {
	status := auth.HTTPStatus(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Bearer realm="golden-path-registry"`)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": auth.PublicMessage(err)})
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(c *gin.Context) (*services.Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*services.Principal)
	return p, ok && p != nil
}

// AccountFrom returns the authenticated account, if any.
func AccountFrom(c *gin.Context) (*models.Account, bool) {
	p, ok := PrincipalFrom(c)
	if !ok || p.Account == nil {
		return nil, false
	}
	return p.Account, true
}

// ErrNoPrincipal is returned by MustAccount when a handler runs without auth.
var ErrNoPrincipal = errors.New("no authenticated principal on request")

// MustAccount is AccountFrom for handlers mounted behind an auth middleware.
func MustAccount(c *gin.Context) (*models.Account, error) {
	a, ok := AccountFrom(c)
	if !ok {
		return nil, ErrNoPrincipal
	}
	return a, nil
}
