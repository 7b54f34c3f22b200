package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryStore is an in-process content store for tests and single-node
// development. Content ids are hex-encoded SHA-256 digests, so identical
// content always maps to the same id.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	pinned  map[string]bool
}

// NewMemoryStore creates an empty in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		pinned:  make(map[string]bool),
	}
}

func (s *MemoryStore) Add(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", localPath, err)
	}
	return s.AddContent(ctx, data, filepath.Base(localPath))
}

func (s *MemoryStore) AddContent(_ context.Context, data []byte, _ string) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.objects[id] = cp
	}
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, contentID, destPath string) error {
	s.mu.RLock()
	data, ok := s.objects[contentID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", destPath, err)
	}
	if err := os.WriteFile(destPath, data, 0640); err != nil {
		return fmt.Errorf("writing %s: %w", destPath, err)
	}
	return nil
}

func (s *MemoryStore) Pin(_ context.Context, contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[contentID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}
	s.pinned[contentID] = true
	return nil
}

// Pinned reports whether the content id has been pinned.
func (s *MemoryStore) Pinned(contentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned[contentID]
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ Store = (*MemoryStore)(nil)
