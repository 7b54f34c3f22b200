// Package syncer pushes sandbox contents to the content-addressable
// store and restores them from it. Each sync produces a manifest — a
// JSON document mapping sandbox-relative paths to content ids — whose
// own content id is the workspace's sync fingerprint.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/ngome/internal/contentstore"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/quota"
	"github.com/jkaninda/ngome/internal/registry"
)

// ErrSyncFailed is the sentinel for sync/restore failures callers can
// test with errors.Is.
var ErrSyncFailed = errors.New("sync failed")

// Manifest records one sync: which files existed and which content id
// each resolved to.
type Manifest struct {
	WorkspaceID string            `json:"workspace_id"`
	Namespace   string            `json:"namespace"`
	SyncedAt    time.Time         `json:"synced_at"`
	Files       map[string]string `json:"files"`           // relative path -> content id
	Sizes       map[string]int64  `json:"sizes,omitempty"` // relative path -> bytes
}

// Report summarizes a completed sync.
type Report struct {
	ManifestID string `json:"manifest_id"`
	FileCount  int    `json:"file_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// Syncer moves sandbox contents between disk and the content store.
type Syncer struct {
	store      contentstore.Store
	registry   *registry.Registry
	accountant *quota.Accountant
	logger     *slog.Logger
}

// New creates a Syncer over an injected content store and registry.
// The accountant bounds how much a restore may materialize.
func New(store contentstore.Store, reg *registry.Registry, accountant *quota.Accountant, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:      store,
		registry:   reg,
		accountant: accountant,
		logger:     logger,
	}
}

// SyncToStore pushes every regular file of the workspace's sandbox to
// the content store, uploads and pins the manifest, and persists the
// manifest id as the workspace's sync fingerprint.
//
// A sandbox with no regular files cannot be synced: an empty manifest
// would restore to nothing and silently lose the skeleton's meaning.
func (s *Syncer) SyncToStore(ctx context.Context, workspaceID string) (*Report, error) {
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	if !s.registry.Exists(workspaceID) {
		return nil, fmt.Errorf("%w: no sandbox for workspace %s", ErrSyncFailed, workspaceID)
	}

	root := s.registry.SandboxRoot(workspaceID)

	// 1. Collect and upload every regular file.
	manifest := &Manifest{
		WorkspaceID: workspaceID,
		Namespace:   s.registry.Namespace(),
		SyncedAt:    time.Now().UTC(),
		Files:       make(map[string]string),
		Sizes:       make(map[string]int64),
	}
	var totalBytes int64

	err := s.registry.Walk(workspaceID, func(relPath string, info fs.FileInfo) error {
		cid, err := s.store.Add(ctx, filepath.Join(root, filepath.FromSlash(relPath)))
		if err != nil {
			return fmt.Errorf("adding %s: %w", relPath, err)
		}
		manifest.Files[relPath] = cid
		manifest.Sizes[relPath] = info.Size()
		totalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if len(manifest.Files) == 0 {
		return nil, fmt.Errorf("%w: sandbox for workspace %s has no files", ErrSyncFailed, workspaceID)
	}

	// 2. Upload the manifest itself; its content id is the fingerprint.
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding manifest: %v", ErrSyncFailed, err)
	}
	manifestID, err := s.store.AddContent(ctx, data, workspaceID+"-manifest.json")
	if err != nil {
		return nil, fmt.Errorf("%w: uploading manifest: %v", ErrSyncFailed, err)
	}

	// 3. Pin the manifest so the store retains the sync point.
	if err := s.store.Pin(ctx, manifestID); err != nil {
		return nil, fmt.Errorf("%w: pinning manifest %s: %v", ErrSyncFailed, manifestID, err)
	}

	// 4. Persist the fingerprint and measured size.
	if err := s.registry.RecordSyncState(ctx, workspaceID, manifestID, totalBytes); err != nil {
		return nil, fmt.Errorf("%w: recording sync state: %v", ErrSyncFailed, err)
	}

	s.logger.Info("sandbox synced",
		slog.String("workspace_id", workspaceID),
		slog.String("manifest_id", manifestID),
		slog.Int("files", len(manifest.Files)),
		slog.Int64("bytes", totalBytes),
	)

	return &Report{
		ManifestID: manifestID,
		FileCount:  len(manifest.Files),
		TotalBytes: totalBytes,
	}, nil
}

// RestoreFromStore fetches a manifest by id and materializes every file
// it names into the workspace's sandbox, creating the sandbox first if
// needed. Manifest paths are validated and the manifest's total size is
// checked against the storage quota before any byte is written; a
// manifest that tries to step outside the sandbox aborts the restore.
func (s *Syncer) RestoreFromStore(ctx context.Context, workspaceID, manifestID string) (int, error) {
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return 0, err
	}
	if manifestID == "" {
		return 0, fmt.Errorf("%w: empty manifest id", ErrSyncFailed)
	}

	root, err := s.registry.Ensure(ctx, workspaceID)
	if err != nil {
		return 0, err
	}

	// 1. Fetch and parse the manifest.
	tmp, err := os.CreateTemp("", "ngome-manifest-*.json")
	if err != nil {
		return 0, fmt.Errorf("%w: creating manifest temp file: %v", ErrSyncFailed, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := s.store.Get(ctx, manifestID, tmpPath); err != nil {
		return 0, fmt.Errorf("%w: fetching manifest %s: %v", ErrSyncFailed, manifestID, err)
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("%w: reading manifest: %v", ErrSyncFailed, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return 0, fmt.Errorf("%w: decoding manifest %s: %v", ErrSyncFailed, manifestID, err)
	}

	// 2. Validate every path before writing anything.
	for relPath := range manifest.Files {
		if _, err := policy.ValidatePath(relPath); err != nil {
			return 0, fmt.Errorf("%w: manifest entry %q: %v", ErrSyncFailed, relPath, err)
		}
	}

	// 3. The whole manifest must fit in the quota before any byte lands.
	if s.accountant != nil {
		var incoming int64
		for _, size := range manifest.Sizes {
			incoming += size
		}
		if err := s.accountant.CheckWrite(root, incoming); err != nil {
			return 0, err
		}
	}

	// 4. Materialize the files through resolved destinations.
	restored := 0
	for relPath, cid := range manifest.Files {
		dest, err := policy.ResolveWithinRoot(root, filepath.Join(root, filepath.FromSlash(relPath)))
		if err != nil {
			return restored, fmt.Errorf("%w: manifest entry %q: %v", ErrSyncFailed, relPath, err)
		}
		if err := s.store.Get(ctx, cid, dest); err != nil {
			return restored, fmt.Errorf("%w: fetching %s (%s): %v", ErrSyncFailed, relPath, cid, err)
		}
		restored++
	}

	s.logger.Info("sandbox restored",
		slog.String("workspace_id", workspaceID),
		slog.String("manifest_id", manifestID),
		slog.Int("files", restored),
	)
	return restored, nil
}
