package registry

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/ngome/internal/storage"
	sqlitestore "github.com/jkaninda/ngome/internal/storage/sqlite"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	tmp := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := sqlitestore.Open(sqlitestore.Config{Path: filepath.Join(tmp, "meta.db")}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	r, err := New(filepath.Join(tmp, "storage"), "default", store, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestEnsure_CreatesSkeleton(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	root, err := r.Ensure(ctx, "ws1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	for _, dir := range SkeletonDirs {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("skeleton dir %s missing: %v", dir, err)
		}
	}

	rec, err := r.Record(ctx, "ws1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.WorkspaceID != "ws1" || rec.CreatedAt.IsZero() {
		t.Errorf("record = %+v", rec)
	}

	// Idempotent.
	root2, err := r.Ensure(ctx, "ws1")
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if root2 != root {
		t.Errorf("second Ensure returned %q, want %q", root2, root)
	}
}

func TestEnsure_RejectsBadWorkspaceID(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := r.Ensure(context.Background(), id); err == nil {
			t.Errorf("Ensure(%q) accepted, want rejection", id)
		}
	}
}

func TestDelete_RemovesSubtreeAndRecord(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	root, err := r.Ensure(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "code", "a.go"), []byte("package main"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := r.Delete(ctx, "ws1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if r.Exists("ws1") {
		t.Error("sandbox still exists after Delete")
	}
	if _, err := r.Record(ctx, "ws1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Record after Delete = %v, want ErrNotFound", err)
	}
}

func TestListAndWalk(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	root, err := r.Ensure(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "code", "main.go"), []byte("package main\n"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "data", "in.csv"), []byte("a,b\n"), 0640); err != nil {
		t.Fatal(err)
	}

	entries, err := r.List("ws1", "")
	if err != nil {
		t.Fatalf("List root: %v", err)
	}
	if len(entries) != len(SkeletonDirs) {
		t.Errorf("root entries = %d, want %d", len(entries), len(SkeletonDirs))
	}

	entries, err = r.List("ws1", "code")
	if err != nil {
		t.Fatalf("List code: %v", err)
	}
	if len(entries) != 1 || entries[0].RelativePath != "code/main.go" || entries[0].IsDirectory {
		t.Errorf("code entries = %+v", entries)
	}

	var walked []string
	err = r.Walk("ws1", func(rel string, _ fs.FileInfo) error {
		walked = append(walked, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(walked) != 2 {
		t.Errorf("walked = %v, want 2 files", walked)
	}
}

func TestUpdateStorageRoot(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	oldRoot, err := r.Ensure(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}

	newBase := t.TempDir()
	if err := r.UpdateStorageRoot(newBase); err != nil {
		t.Fatalf("UpdateStorageRoot: %v", err)
	}

	newRoot := r.SandboxRoot("ws1")
	if newRoot == oldRoot {
		t.Error("SandboxRoot unchanged after UpdateStorageRoot")
	}
	if !strings.HasPrefix(newRoot, newBase+string(filepath.Separator)) {
		t.Errorf("SandboxRoot %q not under new base %q", newRoot, newBase)
	}
}
