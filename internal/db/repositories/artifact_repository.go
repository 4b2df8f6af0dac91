// artifact_repository.go implements ArtifactRepository over sqlx for the
// golden path metadata rows that mirror the object store.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/goldenpath/registry/internal/db/models"
)

// ArtifactRepository handles artifact metadata operations
type ArtifactRepository struct {
	db *sqlx.DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *sqlx.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Upsert inserts the artifact or refreshes the metadata of an existing
// namespace/name/version row.
func (r *ArtifactRepository) Upsert(ctx context.Context, a *models.Artifact) error {
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.New().String()
	}
	if len(a.Tags) == 0 {
		a.Tags = []byte("[]")
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `
		INSERT INTO artifacts (artifact_id, namespace, name, version, owner_account_id, description, tags,
			download_count, is_public, storage_path, checksum, size_bytes, created_at, updated_at)
		VALUES (:artifact_id, :namespace, :name, :version, :owner_account_id, :description, :tags,
			0, :is_public, :storage_path, :checksum, :size_bytes, :created_at, :updated_at)
		ON CONFLICT (namespace, name, version) DO UPDATE SET
			description = EXCLUDED.description,
			tags = EXCLUDED.tags,
			storage_path = EXCLUDED.storage_path,
			checksum = EXCLUDED.checksum,
			size_bytes = EXCLUDED.size_bytes,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.NamedExecContext(ctx, query, a)
	return err
}

// Get returns the metadata row, or nil when it does not exist.
func (r *ArtifactRepository) Get(ctx context.Context, namespace, name, version string) (*models.Artifact, error) {
	var a models.Artifact
	query := `SELECT * FROM artifacts WHERE namespace = $1 AND name = $2 AND version = $3`
	err := r.db.GetContext(ctx, &a, query, namespace, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListByNamespace returns all rows for a namespace ordered by name and creation time.
func (r *ArtifactRepository) ListByNamespace(ctx context.Context, namespace string) ([]models.Artifact, error) {
	var out []models.Artifact
	query := `SELECT * FROM artifacts WHERE namespace = $1 ORDER BY name, created_at DESC`
	if err := r.db.SelectContext(ctx, &out, query, namespace); err != nil {
		return nil, err
	}
	return out, nil
}

// IncrementDownloads bumps the download counter.
func (r *ArtifactRepository) IncrementDownloads(ctx context.Context, namespace, name, version string) error {
	query := `UPDATE artifacts SET download_count = download_count + 1
		WHERE namespace = $1 AND name = $2 AND version = $3`
	_, err := r.db.ExecContext(ctx, query, namespace, name, version)
	return err
}

// Delete removes the row and reports whether it existed.
func (r *ArtifactRepository) Delete(ctx context.Context, namespace, name, version string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE namespace = $1 AND name = $2 AND version = $3`, namespace, name, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
