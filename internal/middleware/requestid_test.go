package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.Header("X-Context-Request-ID", RequestID(c))
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantSame bool
	}{
		{"generated when absent", "", false},
		{"propagates upstream id", "upstream-provided-request-id-001", true},
		{"propagates trace-style id", "00-4bf92f35:b7ad.6b7169_03", true},
		{"replaces oversized id", strings.Repeat("x", 129), false},
		{"replaces id with spaces", "abc def", false},
		{"replaces id with quotes", `abc"def`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			w := httptest.NewRecorder()
			newRequestIDRouter().ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			if got != w.Header().Get("X-Context-Request-ID") {
				t.Errorf("response id %q differs from context id %q", got, w.Header().Get("X-Context-Request-ID"))
			}
			if tt.wantSame {
				if got != tt.inbound {
					t.Errorf("X-Request-ID = %q, want %q", got, tt.inbound)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("X-Request-ID = %q, want a UUID: %v", got, err)
			}
		})
	}
}

func TestRequestIDMiddleware_DifferentIDsPerRequest(t *testing.T) {
	r := newRequestIDRouter()
	seen := make(map[string]bool)
	for i := range 10 {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		id := w.Header().Get(RequestIDHeader)
		if seen[id] {
			t.Errorf("duplicate request ID %q on iteration %d", id, i)
		}
		seen[id] = true
	}
}
