package goldenpaths

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldenpath/registry/internal/config"
	"github.com/goldenpath/registry/internal/db/models"
	"github.com/goldenpath/registry/internal/middleware"
	"github.com/goldenpath/registry/internal/registry"
	"github.com/goldenpath/registry/internal/services"
	"github.com/goldenpath/registry/internal/storage/local"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const doc = "---\nname: ci-pipeline\ndescription: Build and test\ntags: [ci]\n---\n# CI\n"

var accounts = map[string]*models.Account{
	"alice": {AccountID: "sub-alice", Namespace: "@alice"},
	"bob":   {AccountID: "sub-bob", Namespace: "@bob"},
}

// newTestRouter mounts the handlers behind a stand-in for the API key
// middleware that authenticates "Bearer <user>" for the users above.
func newTestRouter(t *testing.T, maxUpload int64) *gin.Engine {
	t.Helper()
	store, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	h := NewHandlers(registry.NewRegistry(store, nil), maxUpload)

	fakeAuth := func(c *gin.Context) {
		user := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if a, ok := accounts[user]; ok {
			c.Set(middleware.ContextKeyPrincipal, &services.Principal{Account: a, Method: services.SchemeAPIKey})
		}
	}

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.GET("/golden-paths", h.List())
	v1.GET("/golden-paths/:namespace/:name", h.Fetch())
	v1.GET("/search", h.Search())
	authed := v1.Group("", fakeAuth)
	authed.POST("/golden-paths", h.Create())
	authed.DELETE("/golden-paths/:namespace/:name", h.Delete())
	return r
}

func uploadRequest(t *testing.T, user, name, version, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if name != "" {
		require.NoError(t, mw.WriteField("name", name))
	}
	if version != "" {
		require.NoError(t, mw.WriteField("version", version))
	}
	if content != "" {
		fw, err := mw.CreateFormFile("file", "golden-path.md")
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/golden-paths", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestCreate(t *testing.T) {
	r := newTestRouter(t, 0)

	w := serve(r, uploadRequest(t, "alice", "ci-pipeline", "1.0.0", doc))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "@alice", body["namespace"])
	assert.Equal(t, "@alice/ci-pipeline:1.0.0", body["registry_path"])
	assert.Equal(t, "@alice/ci-pipeline/1.0.0.md", body["storage_path"])
	assert.NotEmpty(t, body["checksum"])
}

func TestCreate_DefaultVersion(t *testing.T) {
	r := newTestRouter(t, 0)

	w := serve(r, uploadRequest(t, "alice", "ci-pipeline", "", doc))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "0.0.1", decode(t, w)["version"])
}

func TestCreate_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		user       string
		path       string
		version    string
		content    string
		wantStatus int
	}{
		{"unauthenticated", "", "ci-pipeline", "1.0.0", doc, http.StatusUnauthorized},
		{"missing name", "alice", "", "1.0.0", doc, http.StatusBadRequest},
		{"missing file", "alice", "ci-pipeline", "1.0.0", "", http.StatusBadRequest},
		{"bad name", "alice", "CI_Pipeline", "1.0.0", doc, http.StatusBadRequest},
		{"bad version", "alice", "ci-pipeline", "v1", doc, http.StatusBadRequest},
		{"no frontmatter", "alice", "ci-pipeline", "1.0.0", "# just markdown\n", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newTestRouter(t, 0), uploadRequest(t, tt.user, tt.path, tt.version, tt.content))
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestCreate_TooLarge(t *testing.T) {
	r := newTestRouter(t, 128)
	big := doc + strings.Repeat("x", 256)

	w := serve(r, uploadRequest(t, "alice", "ci-pipeline", "1.0.0", big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
}

func TestFetch(t *testing.T) {
	r := newTestRouter(t, 0)
	require.Equal(t, http.StatusCreated, serve(r, uploadRequest(t, "alice", "ci-pipeline", "1.2.0", doc)).Code)
	require.Equal(t, http.StatusCreated, serve(r, uploadRequest(t, "alice", "ci-pipeline", "1.10.0", doc+"v10\n")).Code)

	t.Run("latest by default", func(t *testing.T) {
		w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths/@alice/ci-pipeline", nil))
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "1.10.0", body["version"])
		assert.Equal(t, doc+"v10\n", body["content"])
		assert.NotEmpty(t, w.Header().Get("ETag"))
	})

	t.Run("explicit version", func(t *testing.T) {
		w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths/@alice/ci-pipeline?version=1.2.0", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, doc, decode(t, w)["content"])
	})

	t.Run("raw markdown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths/@alice/ci-pipeline?version=1.2.0", nil)
		req.Header.Set("Accept", "text/markdown")
		w := serve(r, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, doc, w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	})

	t.Run("not modified", func(t *testing.T) {
		first := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths/@alice/ci-pipeline", nil))
		req := httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths/@alice/ci-pipeline", nil)
		req.Header.Set("If-None-Match", first.Header().Get("ETag"))
		assert.Equal(t, http.StatusNotModified, serve(r, req).Code)
	})

	t.Run("not found", func(t *testing.T) {
		w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths/@alice/missing", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Golden Path not found: @alice/missing:latest", decode(t, w)["error"])
	})

	t.Run("invalid namespace", func(t *testing.T) {
		w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths/alice/ci-pipeline", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListAndSearch(t *testing.T) {
	r := newTestRouter(t, 0)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"paths":[]}`, w.Body.String())

	require.Equal(t, http.StatusCreated, serve(r, uploadRequest(t, "alice", "ci-pipeline", "1.0.0", doc)).Code)
	require.Equal(t, http.StatusCreated, serve(r, uploadRequest(t, "bob", "deploy-k8s", "1.0.0", doc)).Code)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/golden-paths?namespace=@bob", nil))
	require.Equal(t, http.StatusOK, w.Code)
	paths := decode(t, w)["paths"].([]any)
	require.Len(t, paths, 1)
	assert.Equal(t, "deploy-k8s", paths[0].(map[string]any)["name"])

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/search?q=PIPE", nil))
	require.Equal(t, http.StatusOK, w.Code)
	results := decode(t, w)["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "ci-pipeline", results[0].(map[string]any)["name"])

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/search", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDelete(t *testing.T) {
	r := newTestRouter(t, 0)
	require.Equal(t, http.StatusCreated, serve(r, uploadRequest(t, "alice", "ci-pipeline", "1.0.0", doc)).Code)

	del := func(user, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, path, nil)
		if user != "" {
			req.Header.Set("Authorization", "Bearer "+user)
		}
		return serve(r, req)
	}

	w := del("bob", "/api/v1/golden-paths/@alice/ci-pipeline?version=1.0.0")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Not authorized to delete from namespace @alice", decode(t, w)["error"])

	assert.Equal(t, http.StatusUnauthorized, del("", "/api/v1/golden-paths/@alice/ci-pipeline").Code)

	w = del("alice", "/api/v1/golden-paths/@alice/ci-pipeline")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.Equal(t, "Deleted @alice/ci-pipeline:1.0.0", body["message"])

	assert.Equal(t, http.StatusNotFound, del("alice", "/api/v1/golden-paths/@alice/ci-pipeline?version=1.0.0").Code)
}
