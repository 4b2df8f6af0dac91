package models

import (
	"database/sql"
	"time"
)

// Artifact mirrors the metadata of one golden path version. The object store
// holds the content.
type Artifact struct {
	ArtifactID     string         `db:"artifact_id" json:"artifact_id"`
	Namespace      string         `db:"namespace" json:"namespace"`
	Name           string         `db:"name" json:"name"`
	Version        string         `db:"version" json:"version"`
	OwnerAccountID sql.NullString `db:"owner_account_id" json:"-"`
	Description    sql.NullString `db:"description" json:"-"`
	Tags           []byte         `db:"tags" json:"-"` // JSONB array
	DownloadCount  int64          `db:"download_count" json:"download_count"`
	IsPublic       bool           `db:"is_public" json:"is_public"`
	StoragePath    string         `db:"storage_path" json:"storage_path"`
	Checksum       string         `db:"checksum" json:"checksum"`
	SizeBytes      int64          `db:"size_bytes" json:"size_bytes"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}
