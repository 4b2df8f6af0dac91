package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuditMiddleware records every mutating request made by an authenticated
// caller as one structured record on logger. Reads are not audited. Rejected
// writes are recorded at warn level so that denied deletes stay visible.
func AuditMiddleware(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		accountID := c.GetString(ContextKeyAccountID)
		if accountID == "" {
			return
		}

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("action", auditAction(c.Request.Method, c.FullPath())),
			slog.String("account_id", accountID),
			slog.String("namespace", c.GetString(ContextKeyNamespace)),
			slog.String("auth_method", c.GetString(ContextKeyAuthMethod)),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", RequestID(c)),
		}
		if keyID := c.GetString(ContextKeyAPIKeyID); keyID != "" {
			attrs = append(attrs, slog.String("api_key_id", keyID))
		}
		logger.LogAttrs(c.Request.Context(), level, "audit", attrs...)
	}
}

// auditAction names a mutation by the resource its route template addresses.
func auditAction(method, route string) string {
	resource := "unknown"
	switch {
	case strings.Contains(route, "/golden-paths"):
		resource = "golden_path"
	case strings.Contains(route, "/api-keys"):
		resource = "api_key"
		if strings.HasSuffix(route, "/revoke") {
			return "api_key.revoked"
		}
	case strings.Contains(route, "/users"):
		resource = "user"
		if strings.HasSuffix(route, "/register") {
			return "user.registered"
		}
	}

	switch method {
	case http.MethodPost:
		return resource + ".created"
	case http.MethodPut, http.MethodPatch:
		return resource + ".updated"
	case http.MethodDelete:
		return resource + ".deleted"
	default:
		return resource + "." + strings.ToLower(method)
	}
}
