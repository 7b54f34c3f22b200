package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "ngome.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := &storage.SandboxRecord{
		Namespace:   "default",
		WorkspaceID: "ws1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Idempotent create.
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("second Create: %v", err)
	}

	got, err := s.Get(ctx, "default", "ws1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorkspaceID != "ws1" || got.Namespace != "default" {
		t.Errorf("Get = %+v", got)
	}
	if got.LastSyncFingerprint != "" {
		t.Errorf("fresh record has fingerprint %q", got.LastSyncFingerprint)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "default", "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestUpdateSyncState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &storage.SandboxRecord{Namespace: "default", WorkspaceID: "ws1", CreatedAt: time.Now().UTC()}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateSyncState(ctx, "default", "ws1", "QmManifest123", 4096); err != nil {
		t.Fatalf("UpdateSyncState: %v", err)
	}

	got, err := s.Get(ctx, "default", "ws1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSyncFingerprint != "QmManifest123" {
		t.Errorf("fingerprint = %q", got.LastSyncFingerprint)
	}
	if got.TotalSizeBytes != 4096 {
		t.Errorf("total size = %d", got.TotalSizeBytes)
	}
	if got.LastSyncedAt == nil {
		t.Error("LastSyncedAt not set")
	}

	// Updating a missing workspace reports ErrNotFound.
	err = s.UpdateSyncState(ctx, "default", "missing", "cid", 1)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateSyncState missing = %v, want ErrNotFound", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"ws-b", "ws-a"} {
		if err := s.Create(ctx, &storage.SandboxRecord{Namespace: "default", WorkspaceID: id, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.List(ctx, "default")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 || recs[0].WorkspaceID != "ws-a" {
		t.Errorf("List = %+v", recs)
	}

	if err := s.Delete(ctx, "default", "ws-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete(ctx, "default", "ws-a"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	if _, err := s.Get(ctx, "default", "ws-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get deleted = %v, want ErrNotFound", err)
	}
}
