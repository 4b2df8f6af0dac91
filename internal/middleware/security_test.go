package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name   string
		config SecurityHeadersConfig
		want   map[string]string
	}{
		{
			name:   "api defaults",
			config: APISecurityHeadersConfig(),
			want: map[string]string{
				"Strict-Transport-Security":    "max-age=31536000; includeSubDomains",
				"X-Frame-Options":              "DENY",
				"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
				"Referrer-Policy":              "no-referrer",
				"X-Content-Type-Options":       "nosniff",
				"Cross-Origin-Resource-Policy": "same-origin",
				"Cache-Control":                "",
			},
		},
		{
			name:   "hsts disabled",
			config: SecurityHeadersConfig{NoStore: true},
			want: map[string]string{
				"Strict-Transport-Security": "",
				"X-Frame-Options":           "",
				"Cache-Control":             "no-store",
				"X-Content-Type-Options":    "nosniff",
			},
		},
		{
			name:   "hsts without subdomains",
			config: SecurityHeadersConfig{HSTSMaxAge: 60, FrameOptions: "SAMEORIGIN"},
			want: map[string]string{
				"Strict-Transport-Security": "max-age=60",
				"X-Frame-Options":           "SAMEORIGIN",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(SecurityHeadersMiddleware(tt.config))
			r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			for name, want := range tt.want {
				if got := w.Header().Get(name); got != want {
					t.Errorf("%s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestSecurityHeaders_OnAbortedResponse(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(APISecurityHeadersConfig()))
	r.GET("/", func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing from error response")
	}
}
