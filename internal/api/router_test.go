package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldenpath/registry/internal/auth"
	"github.com/goldenpath/registry/internal/config"
	"github.com/goldenpath/registry/internal/db/models"
	"github.com/goldenpath/registry/internal/middleware"
	"github.com/goldenpath/registry/internal/registry"
	"github.com/goldenpath/registry/internal/services"
	"github.com/goldenpath/registry/internal/storage"
	"github.com/goldenpath/registry/internal/storage/local"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// minimal storage.Storage mock for readiness tests
// ---------------------------------------------------------------------------

type readinessMockStorage struct{ existsErr error }

func (m *readinessMockStorage) Upload(context.Context, string, io.Reader, int64) (*storage.UploadResult, error) {
	return nil, nil
}
func (m *readinessMockStorage) Download(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrNotFound
}
func (m *readinessMockStorage) Delete(context.Context, string) error { return nil }
func (m *readinessMockStorage) Exists(context.Context, string) (bool, error) {
	return false, m.existsErr
}
func (m *readinessMockStorage) Stat(context.Context, string) (*storage.FileMetadata, error) {
	return nil, storage.ErrNotFound
}
func (m *readinessMockStorage) List(context.Context, string) ([]storage.FileMetadata, error) {
	return nil, nil
}

func newPingDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthCheckHandler(t *testing.T) {
	r := gin.New()
	r.GET("/health", healthCheckHandler())

	w := get(r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name      string
		pingOK    bool
		existsErr error
		want      int
		wantErr   string
	}{
		{"ready", true, nil, http.StatusOK, ""},
		{"database down", false, nil, http.StatusServiceUnavailable, "database not ready"},
		{"storage down", true, errors.New("access denied"), http.StatusServiceUnavailable, "storage backend not ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/ready", readinessHandler(newPingDB(t, tt.pingOK), &readinessMockStorage{existsErr: tt.existsErr}))

			w := get(r, "/ready")
			require.Equal(t, tt.want, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want == http.StatusOK, body["ready"])
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, body["error"])
			}
		})
	}
}

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())

	w := get(r, "/version")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "v1", body["api_version"])
}

// ---------------------------------------------------------------------------
// route wiring
// ---------------------------------------------------------------------------

// schemeAuthenticator accepts "Bearer <token>" where token names a principal
// registered for the requested scheme.
type schemeAuthenticator map[services.Scheme]map[string]*services.Principal

func (a schemeAuthenticator) Authenticate(_ context.Context, header string, scheme services.Scheme) (*services.Principal, error) {
	token, err := auth.ExtractBearerToken(header)
	if err != nil {
		return nil, err
	}
	if p, ok := a[scheme][token]; ok {
		return p, nil
	}
	return nil, auth.NewError(auth.ErrInvalidCredential, "unknown token", nil)
}

var alice = &models.Account{AccountID: "sub-alice", Email: "alice@example.com", EmailVerified: true, Namespace: "@alice"}

func newTestEngine(t *testing.T, limiter middleware.Limiter) *gin.Engine {
	t.Helper()
	store, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	authn := schemeAuthenticator{
		services.SchemeAPIKey: {
			"gp_live_rw": {Account: alice, Method: services.SchemeAPIKey, Scopes: []string{"read", "write"}},
			"gp_live_ro": {Account: alice, Method: services.SchemeAPIKey, Scopes: []string{"read"}},
		},
		services.SchemeIdentityToken: {
			"id-token": {Account: alice, Method: services.SchemeIdentityToken, Scopes: auth.DefaultScopes()},
		},
	}
	return NewEngine(Dependencies{
		DB:            newPingDB(t, true),
		Storage:       store,
		Authenticator: authn,
		Registry:      registry.NewRegistry(store, nil),
		Limiter:       limiter,
		CORS:          config.CORSConfig{AllowedOrigins: []string{"*"}},
	})
}

func withAuth(req *http.Request, token string) *http.Request {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func publishRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "ci-pipeline"))
	require.NoError(t, mw.WriteField("version", "1.0.0"))
	fw, err := mw.CreateFormFile("file", "ci.md")
	require.NoError(t, err)
	_, err = fw.Write([]byte("---\nname: ci-pipeline\ndescription: CI\n---\n# CI\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/golden-paths", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return withAuth(req, token)
}

func TestRoutes_Publish(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no credential", "", http.StatusUnauthorized},
		{"identity token not accepted", "id-token", http.StatusUnauthorized},
		{"read-only key", "gp_live_ro", http.StatusForbidden},
		{"write key", "gp_live_rw", http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestEngine(t, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, publishRequest(t, tt.token))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRoutes_PublicReads(t *testing.T) {
	r := newTestEngine(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, publishRequest(t, "gp_live_rw"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = get(r, "/api/v1/golden-paths/@alice/ci-pipeline")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	assert.Equal(t, http.StatusOK, get(r, "/api/v1/golden-paths").Code)
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/search?q=ci").Code)

	// A bad key on a public route is ignored rather than rejected.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, withAuth(httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths", nil), "gp_live_bogus"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_AccountSchemes(t *testing.T) {
	r := newTestEngine(t, nil)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"me with api key", "/api/v1/users/me", "gp_live_ro", http.StatusOK},
		{"me with identity token", "/api/v1/users/me", "id-token", http.StatusUnauthorized},
		{"profile with identity token", "/api/v1/users/me/profile", "id-token", http.StatusOK},
		{"profile with api key", "/api/v1/users/me/profile", "gp_live_rw", http.StatusUnauthorized},
		{"api keys with api key", "/api/v1/users/me/api-keys", "gp_live_rw", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, withAuth(httptest.NewRequest(http.MethodGet, tt.path, nil), tt.token))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRoutes_RateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1})
	t.Cleanup(func() { limiter.Close() })
	r := newTestEngine(t, limiter)

	assert.Equal(t, http.StatusOK, get(r, "/health").Code)
	w := get(r, "/health")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

type closeCounter struct{ closed int }

func (c *closeCounter) Allow(context.Context, string) (middleware.Decision, error) {
	return middleware.Decision{Allowed: true}, nil
}
func (c *closeCounter) Close() error { c.closed++; return nil }

func TestBackgroundServices_Shutdown(t *testing.T) {
	l := &closeCounter{}
	reg := registry.NewRegistry(&readinessMockStorage{}, nil)
	bg := &BackgroundServices{limiters: []middleware.Limiter{l}, registry: reg}

	require.NoError(t, bg.Shutdown(context.Background()))
	assert.Equal(t, 1, l.closed)
}
