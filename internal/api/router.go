// Package api wires together all HTTP routes for the golden path registry.
//
// Route grouping:
//   - Reads of golden paths are public. An API key, if presented, is still
//     verified so that downloads are attributed and rate limited per account.
//   - Publishing and deleting require an API key carrying the write scope.
//   - Dashboard routes (/users/me/profile, /users/me/api-keys) accept identity
//     provider tokens only. API keys cannot mint further API keys.
//   - /users/register is called by the identity provider's post-authentication
//     hook and is unauthenticated.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/goldenpath/registry/internal/api/goldenpaths"
	"github.com/goldenpath/registry/internal/api/users"
	"github.com/goldenpath/registry/internal/audit"
	"github.com/goldenpath/registry/internal/auth"
	"github.com/goldenpath/registry/internal/auth/oidc"
	"github.com/goldenpath/registry/internal/config"
	"github.com/goldenpath/registry/internal/db/repositories"
	"github.com/goldenpath/registry/internal/middleware"
	"github.com/goldenpath/registry/internal/registry"
	"github.com/goldenpath/registry/internal/services"
	"github.com/goldenpath/registry/internal/storage"

	// Import storage backends to register them
	_ "github.com/goldenpath/registry/internal/storage/azure"
	_ "github.com/goldenpath/registry/internal/storage/gcs"
	_ "github.com/goldenpath/registry/internal/storage/local"
	_ "github.com/goldenpath/registry/internal/storage/s3"
)

// Version is reported by GET /version. cmd/server overrides it at link time.
var Version = "0.1.0"

// readinessProbePath is a known-absent object used to exercise the storage
// backend's credentials and connectivity without creating state.
const readinessProbePath = ".readiness-probe"

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Dependencies are the collaborators the routes are built from.
type Dependencies struct {
	DB            Pinger
	Storage       storage.Storage
	Authenticator middleware.Authenticator
	Accounts      users.AccountService
	Keys          users.KeyService
	Registry      *registry.Registry
	// Limiter applies to every request; UploadLimiter additionally to
	// publish and delete. Either may be nil to disable it.
	Limiter       middleware.Limiter
	UploadLimiter middleware.Limiter
	AuditLogger   *slog.Logger
	CORS          config.CORSConfig
	// MaxUploadBytes caps a published document; zero uses the default.
	MaxUploadBytes int64
}

// BackgroundServices holds resources that must be released during graceful
// shutdown. cmd/server calls Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	limiters []middleware.Limiter
	registry *registry.Registry
	shipper  audit.Shipper
}

// Shutdown closes the rate limiters and waits for best-effort registry work
// such as download counting to finish, or for ctx to expire.
func (bg *BackgroundServices) Shutdown(ctx context.Context) error {
	slog.Info("stopping background services")
	var errs []error
	for _, l := range bg.limiters {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if bg.registry != nil {
		if err := bg.registry.Background().Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for background tasks: %w", err))
		}
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing audit shippers: %w", err))
		}
	}
	slog.Info("all background services stopped")
	return errors.Join(errs...)
}

// NewRouter builds the production dependency graph from cfg and returns the
// configured engine.
func NewRouter(ctx context.Context, cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	accountRepo := repositories.NewAccountRepository(db)
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	artifactRepo := repositories.NewArtifactRepository(sqlx.NewDb(db, "postgres"))

	keys := services.NewAPIKeyManager(apiKeyRepo, auth.NewBcryptHasher(cfg.Auth.APIKeys.BcryptCost), cfg.Auth.APIKeys)
	accounts := services.NewAccountStore(accountRepo, keys)

	var tokens services.TokenVerifier
	if cfg.Auth.Identity.Enabled {
		verifier, _, err := oidc.New(ctx, &cfg.Auth.Identity)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize identity provider: %w", err)
		}
		tokens = verifier
		slog.Info("identity token verification enabled", "issuer", cfg.Auth.Identity.Issuer())
	} else {
		slog.Warn("identity provider disabled: dashboard routes will answer 503")
	}

	reg := registry.NewRegistry(storageBackend, artifactRepo,
		registry.WithMaxDocumentSize(cfg.Server.MaxUploadBytes))

	bg := &BackgroundServices{registry: reg}
	deps := Dependencies{
		DB:             db,
		Storage:        storageBackend,
		Authenticator:  services.NewAuthenticator(keys, tokens, accounts),
		Accounts:       accounts,
		Keys:           keys,
		Registry:       reg,
		AuditLogger:    slog.Default(),
		CORS:           cfg.Security.CORS,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}

	shipper, err := audit.NewMultiShipper(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shipping: %w", err)
	}
	if shipper.Len() > 0 {
		deps.AuditLogger = audit.NewLogger(shipper)
		bg.shipper = shipper
		slog.Info("audit shipping enabled", "destinations", shipper.Len())
	}

	if cfg.Security.RateLimiting.Enabled {
		limiter, err := middleware.NewLimiterFromConfig(cfg.Security.RateLimiting)
		if err != nil {
			return nil, nil, err
		}
		upload := middleware.NewRateLimiter(middleware.UploadRateLimitConfig())
		deps.Limiter, deps.UploadLimiter = limiter, upload
		bg.limiters = append(bg.limiters, limiter, upload)
		slog.Info("rate limiting enabled",
			"backend", cfg.Security.RateLimiting.Backend,
			"requests_per_minute", cfg.Security.RateLimiting.RequestsPerMinute)
	}

	return NewEngine(deps), bg, nil
}

// NewEngine registers the middleware chain and every route on a new engine.
func NewEngine(deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.CORSMiddleware(deps.CORS))
	if deps.Limiter != nil {
		router.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(deps.DB, deps.Storage))
	router.GET("/version", versionHandler())

	auditTrail := middleware.AuditMiddleware(deps.AuditLogger)
	writeGuard := []gin.HandlerFunc{
		middleware.RequireAPIKey(deps.Authenticator),
		middleware.RequireScope(auth.ScopeWrite),
	}
	if deps.UploadLimiter != nil {
		writeGuard = append(writeGuard, middleware.RateLimitMiddleware(deps.UploadLimiter))
	}
	writeGuard = append(writeGuard, auditTrail)

	gp := goldenpaths.NewHandlers(deps.Registry, deps.MaxUploadBytes)
	u := users.NewHandlers(deps.Accounts, deps.Keys)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/users/register", auditTrail, u.Register())

		// Account endpoints usable from the CLI
		me := v1.Group("/users/me", middleware.RequireAPIKey(deps.Authenticator), auditTrail)
		{
			me.GET("", u.GetMe())
			me.PATCH("", u.UpdateMe())
		}

		// Dashboard endpoints
		dashboard := v1.Group("/users/me", middleware.RequireIdentityToken(deps.Authenticator), auditTrail)
		{
			dashboard.GET("/profile", u.GetMe())
			dashboard.PUT("/profile", u.UpdateMe())
			dashboard.GET("/api-keys", u.ListAPIKeys())
			dashboard.POST("/api-keys", u.CreateAPIKey())
			dashboard.DELETE("/api-keys/:key_id", u.DeleteAPIKey())
			dashboard.POST("/api-keys/:key_id/revoke", u.RevokeAPIKey())
		}

		paths := v1.Group("/golden-paths", middleware.OptionalAPIKey(deps.Authenticator))
		{
			paths.GET("", gp.List())
			paths.GET("/:namespace/:name", gp.Fetch())
		}

		writes := v1.Group("/golden-paths", writeGuard...)
		{
			writes.POST("", gp.Create())
			writes.DELETE("/:namespace/:name", gp.Delete())
		}

		v1.GET("/search", gp.Search())
	}

	return router
}

// @Summary      Health check
// @Description  Liveness probe. Does not touch dependencies.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: ok"
// @Router       /health [get]
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service can serve traffic: the database answers a ping and the storage backend is reachable.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true"
// @Failure      503  {object}  map[string]interface{}  "ready: false"
// @Router       /ready [get]
func readinessHandler(db Pinger, store storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := gin.H{}
		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			slog.Warn("readiness: database ping failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if _, err := store.Exists(ctx, readinessProbePath); err != nil {
			checks["storage"] = "unhealthy"
			slog.Warn("readiness: storage probe failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
