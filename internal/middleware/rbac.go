package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goldenpath/registry/internal/auth"
)

// RequireScope rejects callers whose credential lacks scope. It must run
// after one of the auth middlewares; write implies read.
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	challenge := `Bearer realm="golden-path-registry", error="insufficient_scope", scope="` + string(scope) + `"`
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="golden-path-registry"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !auth.HasScope(p.Scopes, scope) {
			c.Header("WWW-Authenticate", challenge)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "credential lacks the " + string(scope) + " scope",
			})
			return
		}
		c.Next()
	}
}
