// Package storage defines the object store that holds golden path documents.
//
// Backends live in their own packages and register a constructor with the
// factory from init():
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.MyBackend)
//	    })
//	}
//
// cmd/server blank-imports every backend so that NewStorage can dispatch on
// storage.default_backend without knowing the concrete types.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by Download and Stat when no object exists at the path.
var ErrNotFound = errors.New("object not found")

// ChecksumMetadataKey is the user-metadata key under which backends store the
// SHA256 of an object so Stat does not need to read the body.
const ChecksumMetadataKey = "sha256"

// Storage is implemented by every object store backend.
type Storage interface {
	// Upload stores the reader's content at path, replacing any existing object.
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download opens the object at path. Missing objects yield ErrNotFound.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)

	// Stat returns object metadata without reading the body.
	Stat(ctx context.Context, path string) (*FileMetadata, error)

	// List returns every object whose path starts with prefix. An empty prefix
	// lists the whole store. Order is unspecified.
	List(ctx context.Context, prefix string) ([]FileMetadata, error)
}

// UploadResult contains information about an uploaded object.
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string // hex SHA256
}

// FileMetadata contains metadata about a stored object.
type FileMetadata struct {
	Path         string
	Size         int64
	Checksum     string
	ContentType  string
	LastModified time.Time
}

// ContentTypeFor returns the content type recorded for an object path.
func ContentTypeFor(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Checksum returns the hex-encoded SHA256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
