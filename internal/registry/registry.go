// Package registry manages per-workspace sandbox lifecycles: lazy
// creation of the on-disk skeleton, lookup, metadata, and deletion.
//
// Layout: <storageRoot>/<namespace>/workspaces/<workspaceID>/sandbox/
// with the fixed skeleton directories code/, output/ and data/ inside.
// The metadata record lives in the injected storage.Store.
package registry

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/storage"
)

// SkeletonDirs are created inside every sandbox root.
var SkeletonDirs = []string{"code", "output", "data"}

// FileEntry describes one entry of a sandbox listing. Computed on each
// List call, never persisted.
type FileEntry struct {
	Name         string    `json:"name"`
	RelativePath string    `json:"relative_path"`
	IsDirectory  bool      `json:"is_directory"`
	SizeBytes    int64     `json:"size_bytes"`
	ModifiedAt   time.Time `json:"modified_at"`
}

// Registry creates, locates and deletes workspace sandboxes.
// Safe for concurrent use; UpdateStorageRoot assumes no concurrently
// active sandboxes (an operational precondition, not enforced).
type Registry struct {
	store  storage.Store
	logger *slog.Logger

	mu        sync.RWMutex
	baseDir   string // <storageRoot>/<namespace>
	namespace string
}

// New creates a Registry rooted at <storageRoot>/<namespace>. The root
// is resolved (~ expansion, absolute) and created if absent.
func New(storageRoot, namespace string, store storage.Store, logger *slog.Logger) (*Registry, error) {
	if namespace == "" {
		namespace = "default"
	}
	resolved, err := resolvePath(storageRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root %q: %w", storageRoot, err)
	}
	base := filepath.Join(resolved, namespace)
	if err := os.MkdirAll(filepath.Join(base, "workspaces"), 0750); err != nil {
		return nil, fmt.Errorf("creating storage base: %w", err)
	}
	return &Registry{
		store:     store,
		logger:    logger,
		baseDir:   base,
		namespace: namespace,
	}, nil
}

// Namespace returns the namespace this registry serves.
func (r *Registry) Namespace() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namespace
}

// SandboxRoot returns the sandbox directory for a workspace. The
// workspace id must already be validated; the result is always a strict
// descendant of the storage base.
func (r *Registry) SandboxRoot(workspaceID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return filepath.Join(r.baseDir, "workspaces", workspaceID, "sandbox")
}

// Ensure idempotently materializes the sandbox skeleton for a workspace
// and writes the initial metadata record if absent. Returns the sandbox
// root path.
func (r *Registry) Ensure(ctx context.Context, workspaceID string) (string, error) {
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return "", err
	}

	root := r.SandboxRoot(workspaceID)

	// Construction-time invariant: the derived root must sit under the
	// storage base even after cleaning.
	r.mu.RLock()
	base := r.baseDir
	r.mu.RUnlock()
	if err := policy.WithinRoot(base, root); err != nil {
		return "", fmt.Errorf("sandbox root for %q: %w", workspaceID, err)
	}

	for _, dir := range SkeletonDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0750); err != nil {
			return "", fmt.Errorf("creating sandbox directory %s: %w", dir, err)
		}
	}

	now := time.Now().UTC()
	rec := &storage.SandboxRecord{
		Namespace:   r.Namespace(),
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("persisting sandbox record: %w", err)
	}

	return root, nil
}

// Exists reports whether a sandbox directory has been materialized.
func (r *Registry) Exists(workspaceID string) bool {
	info, err := os.Stat(r.SandboxRoot(workspaceID))
	return err == nil && info.IsDir()
}

// Delete removes the entire workspace subtree and its metadata record.
func (r *Registry) Delete(ctx context.Context, workspaceID string) error {
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return err
	}

	r.mu.RLock()
	base := r.baseDir
	r.mu.RUnlock()
	wsDir := filepath.Join(base, "workspaces", workspaceID)
	if err := policy.WithinRoot(base, wsDir); err != nil {
		return fmt.Errorf("workspace dir for %q: %w", workspaceID, err)
	}

	if err := os.RemoveAll(wsDir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", workspaceID, err)
	}
	if err := r.store.Delete(ctx, r.Namespace(), workspaceID); err != nil {
		return fmt.Errorf("removing sandbox record: %w", err)
	}

	r.logger.Info("sandbox deleted", slog.String("workspace_id", workspaceID))
	return nil
}

// Record returns the persisted metadata for a workspace.
func (r *Registry) Record(ctx context.Context, workspaceID string) (*storage.SandboxRecord, error) {
	return r.store.Get(ctx, r.Namespace(), workspaceID)
}

// RecordSyncState persists the manifest fingerprint and total size after
// a successful sync.
func (r *Registry) RecordSyncState(ctx context.Context, workspaceID, fingerprint string, totalSizeBytes int64) error {
	return r.store.UpdateSyncState(ctx, r.Namespace(), workspaceID, fingerprint, totalSizeBytes)
}

// RecordSize persists a freshly computed total size.
func (r *Registry) RecordSize(ctx context.Context, workspaceID string, totalSizeBytes int64) error {
	return r.store.UpdateSize(ctx, r.Namespace(), workspaceID, totalSizeBytes)
}

// ListWorkspaces returns the metadata records of every workspace in the
// registry's namespace.
func (r *Registry) ListWorkspaces(ctx context.Context) ([]storage.SandboxRecord, error) {
	return r.store.List(ctx, r.Namespace())
}

// List walks a directory inside the sandbox and returns its entries.
// relPath must already be validated; "" or "." lists the sandbox root.
func (r *Registry) List(workspaceID, relPath string) ([]FileEntry, error) {
	root := r.SandboxRoot(workspaceID)
	dir := root
	if relPath != "" && relPath != "." {
		dir = filepath.Join(root, filepath.FromSlash(relPath))
		if err := policy.WithinRoot(root, dir); err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		rel := e.Name()
		if relPath != "" && relPath != "." {
			rel = relPath + "/" + e.Name()
		}
		out = append(out, FileEntry{
			Name:         e.Name(),
			RelativePath: rel,
			IsDirectory:  e.IsDir(),
			SizeBytes:    info.Size(),
			ModifiedAt:   info.ModTime().UTC(),
		})
	}
	return out, nil
}

// Walk visits every regular file under the sandbox root, reporting
// slash-separated paths relative to it.
func (r *Registry) Walk(workspaceID string, fn func(relPath string, info fs.FileInfo) error) error {
	root := r.SandboxRoot(workspaceID)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

// UpdateStorageRoot repoints the base storage path for subsequently
// created sandboxes. Existing sandboxes under the old root are not
// moved.
func (r *Registry) UpdateStorageRoot(storageRoot string) error {
	resolved, err := resolvePath(storageRoot)
	if err != nil {
		return fmt.Errorf("resolving storage root %q: %w", storageRoot, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base := filepath.Join(resolved, r.namespace)
	if err := os.MkdirAll(filepath.Join(base, "workspaces"), 0750); err != nil {
		return fmt.Errorf("creating storage base: %w", err)
	}
	old := r.baseDir
	r.baseDir = base

	r.logger.Info("storage root updated",
		slog.String("old", old),
		slog.String("new", base),
	)
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("storage root must not be empty")
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
