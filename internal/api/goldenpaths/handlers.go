// Package goldenpaths implements the HTTP handlers for publishing, fetching, listing,
// searching and deleting golden path documents. Publishing and deleting require an API
// key; reads are public.
package goldenpaths

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/goldenpath/registry/internal/middleware"
	"github.com/goldenpath/registry/internal/registry"
	"github.com/goldenpath/registry/internal/validation"
)

// Handlers serves the golden path endpoints.
type Handlers struct {
	registry       *registry.Registry
	maxUploadBytes int64
}

// NewHandlers creates the golden path handlers. maxUploadBytes bounds the
// multipart body; zero uses validation.MaxDocumentSize.
func NewHandlers(reg *registry.Registry, maxUploadBytes int64) *Handlers {
	if maxUploadBytes <= 0 {
		maxUploadBytes = validation.MaxDocumentSize
	}
	return &Handlers{registry: reg, maxUploadBytes: maxUploadBytes}
}

// multipartOverhead is allowed on top of the document for form boundaries
// and the name and version fields.
const multipartOverhead = 64 << 10

// @Summary      Publish golden path
// @Description  Upload a markdown document with YAML frontmatter into the caller's namespace.
// @Tags         Golden Paths
// @Security     Bearer
// @Accept       multipart/form-data
// @Produce      json
// @Param        file     formData  file    true   "Markdown document"
// @Param        name     formData  string  true   "Kebab-case name"
// @Param        version  formData  string  false  "Semantic version (default 0.0.1)"
// @Success      201  {object}  registry.CreateResult
// @Failure      400  {object}  map[string]interface{}  "Invalid name, version or document"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Router       /api/v1/golden-paths [post]
func (h *Handlers) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := middleware.MustAccount(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
		if err := c.Request.ParseMultipartForm(h.maxUploadBytes + multipartOverhead); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to parse multipart form"})
			return
		}

		name := strings.TrimSpace(c.PostForm("name"))
		version := strings.TrimSpace(c.DefaultPostForm("version", validation.DefaultVersion))
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing required field: name"})
			return
		}

		file, _, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid file upload"})
			return
		}
		defer file.Close()

		content, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
			return
		}
		if int64(len(content)) > h.maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document too large"})
			return
		}

		result, err := h.registry.Create(c.Request.Context(), account, name, version, content)
		if err != nil {
			h.fail(c, err, registry.RegistryPath(account.Namespace, name, version))
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// @Summary      Fetch golden path
// @Description  Return one version of a golden path. version defaults to latest.
// @Tags         Golden Paths
// @Produce      json
// @Produce      text/markdown
// @Param        namespace  path   string  true   "Namespace, e.g. @alice"
// @Param        name       path   string  true   "Golden path name"
// @Param        version    query  string  false  "Version or latest"
// @Success      200  {object}  registry.Document
// @Failure      404  {object}  map[string]interface{}  "Not found"
// @Router       /api/v1/golden-paths/{namespace}/{name} [get]
func (h *Handlers) Fetch() gin.HandlerFunc {
	return func(c *gin.Context) {
		namespace, name := c.Param("namespace"), c.Param("name")
		version := c.DefaultQuery("version", registry.LatestVersion)

		doc, err := h.registry.Fetch(c.Request.Context(), namespace, name, version)
		if err != nil {
			h.fail(c, err, registry.RegistryPath(namespace, name, version))
			return
		}

		etag := `"` + doc.Checksum + `"`
		c.Header("ETag", etag)
		if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
			c.Status(http.StatusNotModified)
			return
		}

		if wantsMarkdown(c) {
			c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(doc.Content))
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

// @Summary      List golden paths
// @Tags         Golden Paths
// @Produce      json
// @Param        namespace  query  string  false  "Restrict to one namespace"
// @Success      200  {object}  map[string]interface{}  "paths"
// @Router       /api/v1/golden-paths [get]
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.registry.List(c.Request.Context(), c.Query("namespace"))
		if err != nil {
			h.fail(c, err, c.Query("namespace"))
			return
		}
		if entries == nil {
			entries = []registry.Entry{}
		}
		c.JSON(http.StatusOK, gin.H{"paths": entries})
	}
}

// @Summary      Search golden paths
// @Tags         Golden Paths
// @Produce      json
// @Param        q  query  string  true  "Substring of name or namespace"
// @Success      200  {object}  map[string]interface{}  "results"
// @Router       /api/v1/search [get]
func (h *Handlers) Search() gin.HandlerFunc {
	return func(c *gin.Context) {
		q := strings.TrimSpace(c.Query("q"))
		if q == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing required query parameter: q"})
			return
		}
		results, err := h.registry.Search(c.Request.Context(), q)
		if err != nil {
			h.fail(c, err, q)
			return
		}
		if results == nil {
			results = []registry.Entry{}
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	}
}

// @Summary      Delete golden path
// @Description  Delete one version from the caller's own namespace. version defaults to latest.
// @Tags         Golden Paths
// @Security     Bearer
// @Produce      json
// @Param        namespace  path   string  true   "Namespace"
// @Param        name       path   string  true   "Golden path name"
// @Param        version    query  string  false  "Version or latest"
// @Success      200  {object}  registry.DeleteResult
// @Failure      403  {object}  map[string]interface{}  "Not the caller's namespace"
// @Failure      404  {object}  map[string]interface{}  "Not found"
// @Router       /api/v1/golden-paths/{namespace}/{name} [delete]
func (h *Handlers) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := middleware.MustAccount(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		namespace, name := c.Param("namespace"), c.Param("name")
		version := c.DefaultQuery("version", registry.LatestVersion)

		result, err := h.registry.Delete(c.Request.Context(), account, namespace, name, version)
		if err != nil {
			h.fail(c, err, registry.RegistryPath(namespace, name, version))
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// fail maps a registry error onto a response. ref names the addressed
// document in 404 messages.
func (h *Handlers) fail(c *gin.Context, err error, ref string) {
	switch {
	case registry.IsInvalidInput(err):
		status := http.StatusBadRequest
		if errors.Is(err, validation.ErrDocumentTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Golden Path not found: " + ref})
	case errors.Is(err, registry.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"error": fmt.Sprintf("Not authorized to delete from namespace %s", c.Param("namespace")),
		})
	default:
		slog.Error("golden path request failed", "path", c.FullPath(), "ref", ref, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func wantsMarkdown(c *gin.Context) bool {
	if c.Query("format") == "raw" {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "text/markdown")
}
