// Package storage defines the persistence interface for sandbox metadata.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL
// (multi-tenant deployments). The filesystem remains the source of truth
// for sandbox contents; the store only tracks the metadata record
// described by the sandbox lifecycle: creation time, last sync
// fingerprint, and the last computed total size.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no metadata record exists for a workspace.
var ErrNotFound = errors.New("sandbox record not found")

// SandboxRecord is the persisted metadata for one workspace sandbox.
type SandboxRecord struct {
	WorkspaceID         string    `json:"workspace_id"`
	Namespace           string    `json:"namespace"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	LastSyncFingerprint string    `json:"last_sync_fingerprint,omitempty"` // Content id of the most recent manifest. Empty = never synced.
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	TotalSizeBytes      int64     `json:"total_size_bytes"` // Recomputable; last observed value.
}

// Store persists sandbox metadata. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the record for a workspace, or ErrNotFound.
	Get(ctx context.Context, namespace, workspaceID string) (*SandboxRecord, error)

	// Create inserts the initial record. Idempotent: creating an
	// existing record is a no-op.
	Create(ctx context.Context, rec *SandboxRecord) error

	// UpdateSyncState records the manifest content id and total size
	// after a successful sync.
	UpdateSyncState(ctx context.Context, namespace, workspaceID, fingerprint string, totalSizeBytes int64) error

	// UpdateSize records a freshly computed total size.
	UpdateSize(ctx context.Context, namespace, workspaceID string, totalSizeBytes int64) error

	// Delete removes the record. Deleting a missing record is a no-op.
	Delete(ctx context.Context, namespace, workspaceID string) error

	// List returns all records in a namespace.
	List(ctx context.Context, namespace string) ([]SandboxRecord, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}
