// Package users implements the account endpoints: the post-signup registration hook,
// the caller's own profile, and dashboard API key management. Profile reads and
// updates under /users/me accept an API key; the /users/me/profile and
// /users/me/api-keys routes are dashboard routes and accept identity tokens only.
package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goldenpath/registry/internal/auth"
	"github.com/goldenpath/registry/internal/db/models"
	"github.com/goldenpath/registry/internal/middleware"
	"github.com/goldenpath/registry/internal/services"
)

// AccountService is the part of services.AccountStore the handlers use.
type AccountService interface {
	Register(ctx context.Context, in services.RegisterInput) (*services.RegisterResult, error)
	UpdateProfile(ctx context.Context, accountID string, update services.ProfileUpdate) (*models.Account, error)
}

// KeyService is the part of services.APIKeyManager the handlers use.
type KeyService interface {
	Issue(ctx context.Context, accountID, displayName string, scopes []string, ttl *time.Duration) (string, *models.APIKey, error)
	List(ctx context.Context, accountID string) ([]*models.APIKey, error)
	Revoke(ctx context.Context, keyID, accountID string) (bool, error)
	Delete(ctx context.Context, keyID, accountID string) (bool, error)
}

// Handlers serves the account endpoints.
type Handlers struct {
	accounts AccountService
	keys     KeyService
}

// NewHandlers creates the account handlers.
func NewHandlers(accounts AccountService, keys KeyService) *Handlers {
	return &Handlers{accounts: accounts, keys: keys}
}

// RegisterRequest is sent by the identity provider's post-authentication hook.
type RegisterRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	Email         string `json:"email" binding:"required"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	AuthProvider  string `json:"auth_provider" binding:"required"`
}

// RegisterResponse describes the registered account. DefaultAPIKey holds the
// plaintext of a newly issued key, or the display prefix of the existing key
// for an account that was already registered.
type RegisterResponse struct {
	UserID        string  `json:"user_id"`
	Email         string  `json:"email"`
	EmailVerified bool    `json:"email_verified"`
	Namespace     string  `json:"namespace"`
	AuthProvider  string  `json:"auth_provider"`
	DefaultAPIKey *string `json:"default_api_key"`
	Message       *string `json:"message"`
}

// ProfileRequest carries the editable profile fields. Omitted fields are unchanged.
type ProfileRequest struct {
	Name           *string `json:"name"`
	Bio            *string `json:"bio" binding:"omitempty,max=1000"`
	GitHubUsername *string `json:"github_username" binding:"omitempty,max=39"`
}

// CreateAPIKeyRequest creates a dashboard-issued key. ExpiresInDays of zero
// means the key never expires; omitting it applies the configured default.
type CreateAPIKeyRequest struct {
	Name          string   `json:"name" binding:"required,max=255"`
	Scopes        []string `json:"scopes"`
	ExpiresInDays *int     `json:"expires_in_days" binding:"omitempty,min=0,max=3650"`
}

// CreateAPIKeyResponse returns the plaintext secret. It is never shown again.
type CreateAPIKeyResponse struct {
	KeyID     string     `json:"key_id"`
	Name      string     `json:"name"`
	APIKey    string     `json:"api_key"`
	KeyPrefix string     `json:"key_prefix"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Message   string     `json:"message"`
}

const saveKeyMessage = "Save this API key securely. You won't be able to see it again."

// @Summary      Register account
// @Description  Post-authentication hook. Creates the account and, for a verified email, a default API key.
// @Tags         Users
// @Accept       json
// @Produce      json
// @Param        body  body  RegisterRequest  true  "Identity"
// @Success      201  {object}  RegisterResponse
// @Success      200  {object}  RegisterResponse  "Already registered"
// @Failure      400  {object}  map[string]interface{}
// @Router       /api/v1/users/register [post]
func (h *Handlers) Register() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}

		result, err := h.accounts.Register(c.Request.Context(), services.RegisterInput{
			SubjectID:     req.UserID,
			Email:         req.Email,
			EmailVerified: req.EmailVerified,
			Name:          req.Name,
			AuthProvider:  req.AuthProvider,
		})
		if err != nil {
			switch {
			case errors.Is(err, services.ErrEmailInUse):
				c.JSON(http.StatusBadRequest, gin.H{"error": "Email already in use"})
			case errors.Is(err, services.ErrInvalidRegistration), errors.Is(err, services.ErrInvalidAuthProvider):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				respondError(c, err)
			}
			return
		}

		a := result.Account
		// The hook is unauthenticated; name the account for the audit record.
		c.Set(middleware.ContextKeyAccountID, a.AccountID)
		c.Set(middleware.ContextKeyNamespace, a.Namespace)

		resp := RegisterResponse{
			UserID:        a.AccountID,
			Email:         a.Email,
			EmailVerified: a.EmailVerified,
			Namespace:     a.Namespace,
			AuthProvider:  a.AuthProvider,
		}

		status := http.StatusCreated
		switch {
		case result.AlreadyRegistered:
			status = http.StatusOK
			resp.Message = ptr("User already registered")
			if keys, err := h.keys.List(c.Request.Context(), a.AccountID); err == nil && len(keys) > 0 {
				resp.DefaultAPIKey = ptr(keys[0].DisplayPrefix)
			}
		case result.DefaultAPIKey != "":
			resp.DefaultAPIKey = ptr(result.DefaultAPIKey)
		case !a.EmailVerified:
			resp.Message = ptr("Please verify your email to enable API access")
		}
		c.JSON(status, resp)
	}
}

// @Summary      Current account
// @Tags         Users
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  models.Account
// @Router       /api/v1/users/me [get]
func (h *Handlers) GetMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := middleware.MustAccount(c)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

// @Summary      Update current account
// @Tags         Users
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  ProfileRequest  true  "Profile fields"
// @Success      200  {object}  models.Account
// @Router       /api/v1/users/me [patch]
func (h *Handlers) UpdateMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := middleware.MustAccount(c)
		if err != nil {
			respondError(c, err)
			return
		}

		var req ProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}

		updated, err := h.accounts.UpdateProfile(c.Request.Context(), account.AccountID, services.ProfileUpdate{
			Name:           req.Name,
			Bio:            req.Bio,
			GitHubUsername: req.GitHubUsername,
		})
		if err != nil {
			if errors.Is(err, auth.ErrAccountNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// @Summary      List API keys
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "api_keys, total"
// @Router       /api/v1/users/me/api-keys [get]
func (h *Handlers) ListAPIKeys() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := middleware.MustAccount(c)
		if err != nil {
			respondError(c, err)
			return
		}

		keys, err := h.keys.List(c.Request.Context(), account.AccountID)
		if err != nil {
			respondError(c, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		c.JSON(http.StatusOK, gin.H{"api_keys": keys, "total": len(keys)})
	}
}

// @Summary      Create API key
// @Description  Issue a key for the caller. Requires a verified email.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateAPIKeyRequest  true  "Key parameters"
// @Success      201  {object}  CreateAPIKeyResponse
// @Failure      403  {object}  map[string]interface{}  "Email not verified"
// @Router       /api/v1/users/me/api-keys [post]
func (h *Handlers) CreateAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := middleware.MustAccount(c)
		if err != nil {
			respondError(c, err)
			return
		}
		if !account.EmailVerified {
			c.JSON(http.StatusForbidden, gin.H{"error": "Email must be verified before creating API keys"})
			return
		}

		var req CreateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}

		var ttl *time.Duration
		if req.ExpiresInDays != nil {
			d := time.Duration(*req.ExpiresInDays) * 24 * time.Hour
			ttl = &d
		}

		secret, key, err := h.keys.Issue(c.Request.Context(), account.AccountID, req.Name, req.Scopes, ttl)
		if err != nil {
			if errors.Is(err, services.ErrInvalidKeyName) || errors.Is(err, auth.ErrInvalidScope) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, CreateAPIKeyResponse{
			KeyID:     key.KeyID,
			Name:      key.DisplayName,
			APIKey:    secret,
			KeyPrefix: key.DisplayPrefix,
			Scopes:    key.Scopes,
			CreatedAt: key.CreatedAt,
			ExpiresAt: key.ExpiresAt,
			Message:   saveKeyMessage,
		})
	}
}

// @Summary      Delete API key
// @Tags         API Keys
// @Security     Bearer
// @Param        key_id  path  string  true  "Key ID"
// @Success      204
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/users/me/api-keys/{key_id} [delete]
func (h *Handlers) DeleteAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := middleware.MustAccount(c)
		if err != nil {
			respondError(c, err)
			return
		}

		ok, err := h.keys.Delete(c.Request.Context(), c.Param("key_id"), account.AccountID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found or already deleted"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary      Revoke API key
// @Description  Deactivate a key without deleting its record.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        key_id  path  string  true  "Key ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/users/me/api-keys/{key_id}/revoke [post]
func (h *Handlers) RevokeAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := middleware.MustAccount(c)
		if err != nil {
			respondError(c, err)
			return
		}

		keyID := c.Param("key_id")
		ok, err := h.keys.Revoke(c.Request.Context(), keyID, account.AccountID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found or already revoked"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key_id": keyID, "is_active": false})
	}
}

// respondError writes the status for service errors: persistence and provider
// failures are 503, a missing principal is 401, anything else is logged and 500.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, middleware.ErrNoPrincipal) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	status := auth.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("account request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "30")
	}
	c.JSON(status, gin.H{"error": auth.PublicMessage(err)})
}

func ptr(s string) *string { return &s }
