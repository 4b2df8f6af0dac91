// Package registry stores and serves golden path documents. Content lives in
// the configured object store under {namespace}/{name}/{version}.md; a
// metadata row per version mirrors it in Postgres for download counts and
// descriptions.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/goldenpath/registry/internal/db/models"
	"github.com/goldenpath/registry/internal/safego"
	"github.com/goldenpath/registry/internal/storage"
	"github.com/goldenpath/registry/internal/telemetry"
	"github.com/goldenpath/registry/internal/validation"
)

// LatestVersion selects the highest published version.
const LatestVersion = "latest"

var (
	ErrNotFound  = errors.New("golden path not found")
	ErrForbidden = errors.New("not authorized for namespace")
)

// IsInvalidInput reports whether err was caused by the caller's input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, validation.ErrInvalidName) ||
		errors.Is(err, validation.ErrInvalidNamespace) ||
		errors.Is(err, validation.ErrInvalidVersion) ||
		errors.Is(err, validation.ErrInvalidFrontmatter) ||
		errors.Is(err, validation.ErrDocumentTooLarge)
}

// MetadataStore is the subset of the artifact repository the registry uses.
type MetadataStore interface {
	Upsert(ctx context.Context, a *models.Artifact) error
	IncrementDownloads(ctx context.Context, namespace, name, version string) error
	Delete(ctx context.Context, namespace, name, version string) (bool, error)
}

// CreateResult describes a stored golden path version.
type CreateResult struct {
	Success      bool   `json:"success"`
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	RegistryPath string `json:"registry_path"`
	StoragePath  string `json:"storage_path"`
	Checksum     string `json:"checksum"`
	SizeBytes    int64  `json:"size_bytes"`
}

// Document is a fetched golden path with its content.
type Document struct {
	Namespace    string    `json:"namespace"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Content      string    `json:"content"`
	Checksum     string    `json:"checksum"`
	LastModified time.Time `json:"last_modified"`
}

// Entry is one listed golden path version.
type Entry struct {
	Namespace    string    `json:"namespace"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

// DeleteResult confirms a deletion.
type DeleteResult struct {
	Success   bool   `json:"success"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Message   string `json:"message"`
}

// Registry implements the golden path operations.
type Registry struct {
	store      storage.Storage
	meta       MetadataStore
	background *safego.Group
	maxBytes   int64
	timeout    time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxDocumentSize caps uploads; zero keeps validation.MaxDocumentSize.
func WithMaxDocumentSize(n int64) Option {
	return func(r *Registry) { r.maxBytes = n }
}

// WithBackground runs best-effort work (download counting) on g so the
// caller can wait for it during shutdown.
func WithBackground(g *safego.Group) Option {
	return func(r *Registry) { r.background = g }
}

// NewRegistry wires the registry. meta may be nil, in which case no metadata
// rows are written.
func NewRegistry(store storage.Storage, meta MetadataStore, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		meta:       meta,
		background: &safego.Group{},
		timeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Background exposes the group running best-effort tasks.
func (r *Registry) Background() *safego.Group { return r.background }

func record(op string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrForbidden):
		result = "forbidden"
	case IsInvalidInput(err):
		result = "invalid"
	default:
		result = "error"
	}
	telemetry.RegistryOperationsTotal.WithLabelValues(op, result).Inc()
}

// Create validates content and stores it in owner's namespace. An empty
// version means validation.DefaultVersion; publishing an existing version
// replaces it.
func (r *Registry) Create(ctx context.Context, owner *models.Account, name, version string, content []byte) (res *CreateResult, err error) {
	defer func() { record("create", err) }()

	if owner == nil {
		return nil, ErrForbidden
	}
	if version == "" {
		version = validation.DefaultVersion
	}
	if err := validation.ValidateName(name); err != nil {
		return nil, err
	}
	if err := validation.ValidateSemver(version); err != nil {
		return nil, err
	}
	if err := validation.ValidateDocumentSize(int64(len(content)), r.maxBytes); err != nil {
		return nil, err
	}
	fm, _, err := validation.ParseFrontmatter(content)
	if err != nil {
		return nil, err
	}

	key := ObjectKey(owner.Namespace, name, version)
	up, err := r.store.Upload(ctx, key, bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to store golden path: %w", err)
	}

	if r.meta != nil {
		r.mirror(ctx, owner, name, version, fm, up)
	}

	slog.Info("golden path published",
		"namespace", owner.Namespace, "name", name, "version", version, "size", up.Size)

	return &CreateResult{
		Success:      true,
		Namespace:    owner.Namespace,
		Name:         name,
		Version:      version,
		RegistryPath: RegistryPath(owner.Namespace, name, version),
		StoragePath:  key,
		Checksum:     up.Checksum,
		SizeBytes:    up.Size,
	}, nil
}

// mirror writes the metadata row. The object store is authoritative, so a
// failure here is logged and the upload still succeeds.
func (r *Registry) mirror(ctx context.Context, owner *models.Account, name, version string, fm *validation.Frontmatter, up *storage.UploadResult) {
	a := &models.Artifact{
		Namespace:   owner.Namespace,
		Name:        name,
		Version:     version,
		IsPublic:    true,
		StoragePath: up.Path,
		Checksum:    up.Checksum,
		SizeBytes:   up.Size,
	}
	a.OwnerAccountID.String, a.OwnerAccountID.Valid = owner.AccountID, true
	if fm.Description != "" {
		a.Description.String, a.Description.Valid = fm.Description, true
	}
	if len(fm.Tags) > 0 {
		if tags, err := json.Marshal(fm.Tags); err == nil {
			a.Tags = tags
		}
	}
	if err := r.meta.Upsert(ctx, a); err != nil {
		slog.Warn("failed to record golden path metadata",
			"namespace", owner.Namespace, "name", name, "version", version, "error", err)
	}
}

// Fetch returns one version, resolving "latest" (or an empty version) to the
// highest published one.
func (r *Registry) Fetch(ctx context.Context, namespace, name, version string) (doc *Document, err error) {
	defer func() { record("fetch", err) }()

	version, err = r.resolve(ctx, namespace, name, version)
	if err != nil {
		return nil, err
	}
	key := ObjectKey(namespace, name, version)

	meta, err := r.store.Stat(ctx, key)
	if err != nil {
		return nil, r.storeErr(err, namespace, name, version)
	}
	rc, err := r.store.Download(ctx, key)
	if err != nil {
		return nil, r.storeErr(err, namespace, name, version)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read golden path: %w", err)
	}

	checksum := meta.Checksum
	if checksum == "" {
		checksum = storage.Checksum(content)
	}

	if r.meta != nil {
		r.countDownload(namespace, name, version)
	}

	return &Document{
		Namespace:    namespace,
		Name:         name,
		Version:      version,
		Content:      string(content),
		Checksum:     checksum,
		LastModified: meta.LastModified.UTC(),
	}, nil
}

// countDownload increments the counter off the request path. It detaches from
// the request context so a client hanging up does not lose the count.
func (r *Registry) countDownload(namespace, name, version string) {
	r.background.Go("count-download", func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.meta.IncrementDownloads(ctx, namespace, name, version); err != nil {
			slog.Warn("failed to increment download count",
				"namespace", namespace, "name", name, "version", version, "error", err)
		}
	})
}

func (r *Registry) storeErr(err error, namespace, name, version string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, RegistryPath(namespace, name, version))
	}
	return err
}

// resolve validates the coordinates and turns "latest" into a concrete version.
func (r *Registry) resolve(ctx context.Context, namespace, name, version string) (string, error) {
	if err := validation.ValidateNamespace(namespace); err != nil {
		return "", err
	}
	if err := validation.ValidateName(name); err != nil {
		return "", err
	}
	if version != "" && version != LatestVersion {
		return version, validation.ValidateSemver(version)
	}

	objs, err := r.store.List(ctx, namespace+"/"+name+"/")
	if err != nil {
		return "", fmt.Errorf("failed to list versions: %w", err)
	}
	var versions []string
	for _, o := range objs {
		if _, _, v, ok := parseKey(o.Path); ok {
			versions = append(versions, v)
		}
	}
	latest, ok := validation.Latest(versions)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, RegistryPath(namespace, name, LatestVersion))
	}
	return latest, nil
}

// List returns every version in namespace, or in the whole registry when
// namespace is empty, ordered by namespace, name and ascending version.
func (r *Registry) List(ctx context.Context, namespace string) (entries []Entry, err error) {
	defer func() { record("list", err) }()

	prefix := ""
	if namespace != "" {
		if err := validation.ValidateNamespace(namespace); err != nil {
			return nil, err
		}
		prefix = namespace + "/"
	}
	return r.list(ctx, prefix)
}

func (r *Registry) list(ctx context.Context, prefix string) ([]Entry, error) {
	objs, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list golden paths: %w", err)
	}

	entries := make([]Entry, 0, len(objs))
	for _, o := range objs {
		ns, name, version, ok := parseKey(o.Path)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Namespace: ns, Name: name, Version: version, LastModified: o.LastModified.UTC()})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if c, err := validation.CompareSemver(a.Version, b.Version); err == nil {
			return c < 0
		}
		return a.Version < b.Version
	})
	return entries, nil
}

// Search matches query case-insensitively against names and namespaces.
func (r *Registry) Search(ctx context.Context, query string) (entries []Entry, err error) {
	defer func() { record("search", err) }()

	all, err := r.list(ctx, "")
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(strings.ToLower(e.Namespace), q) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Delete removes a version from the caller's own namespace. "latest" resolves
// first, so it deletes the highest version.
func (r *Registry) Delete(ctx context.Context, caller *models.Account, namespace, name, version string) (res *DeleteResult, err error) {
	defer func() { record("delete", err) }()

	if caller == nil || caller.Namespace != namespace {
		return nil, fmt.Errorf("%w %s", ErrForbidden, namespace)
	}
	version, err = r.resolve(ctx, namespace, name, version)
	if err != nil {
		return nil, err
	}
	key := ObjectKey(namespace, name, version)

	exists, err := r.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check golden path: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, RegistryPath(namespace, name, version))
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to delete golden path: %w", err)
	}
	if r.meta != nil {
		if _, err := r.meta.Delete(ctx, namespace, name, version); err != nil {
			slog.Warn("failed to delete golden path metadata",
				"namespace", namespace, "name", name, "version", version, "error", err)
		}
	}

	ref := RegistryPath(namespace, name, version)
	slog.Info("golden path deleted", "registry_path", ref, "account_id", caller.AccountID)
	return &DeleteResult{
		Success:   true,
		Namespace: namespace,
		Name:      name,
		Version:   version,
		Message:   "Deleted " + ref,
	}, nil
}
