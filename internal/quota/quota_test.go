package quota

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0640); err != nil {
		t.Fatal(err)
	}
}

func TestDirSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "code", "a.go"), 100)
	writeFile(t, filepath.Join(root, "data", "nested", "b.json"), 250)
	writeFile(t, filepath.Join(root, "output", "c.txt"), 0)

	a := NewAccountant(0)
	size, err := a.DirSize(root)
	if err != nil {
		t.Fatalf("DirSize: %v", err)
	}
	if size != 350 {
		t.Errorf("DirSize = %d, want 350", size)
	}
}

func TestDirSize_MissingRoot(t *testing.T) {
	a := NewAccountant(0)
	size, err := a.DirSize(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("DirSize on missing root: %v", err)
	}
	if size != 0 {
		t.Errorf("DirSize = %d, want 0", size)
	}
}

func TestCheckWrite(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "code", "big.txt"), 900)

	a := NewAccountant(1000)

	if err := a.CheckWrite(root, 100); err != nil {
		t.Errorf("write at exactly the quota rejected: %v", err)
	}
	err := a.CheckWrite(root, 101)
	if err == nil {
		t.Fatal("write past the quota accepted")
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("error %v is not ErrQuotaExceeded", err)
	}
}

func TestNewAccountant_Default(t *testing.T) {
	a := NewAccountant(0)
	if a.MaxBytes() != DefaultMaxBytes {
		t.Errorf("MaxBytes = %d, want %d", a.MaxBytes(), DefaultMaxBytes)
	}
	if DefaultMaxBytes != 500*1024*1024 {
		t.Errorf("DefaultMaxBytes = %d, want 500 MiB", int64(DefaultMaxBytes))
	}
}
