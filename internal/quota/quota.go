// Package quota enforces the per-sandbox storage limit. The check runs
// before any byte touches disk, so a sandbox can never be left with a
// partial overage.
package quota

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultMaxBytes is the per-sandbox storage quota: 500 MiB.
const DefaultMaxBytes = 500 << 20

// ErrQuotaExceeded is returned when a write would push the sandbox past
// its configured quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Accountant computes sandbox sizes and enforces the quota.
type Accountant struct {
	maxBytes int64
}

// NewAccountant creates an Accountant. A non-positive maxBytes selects
// the 500 MiB default.
func NewAccountant(maxBytes int64) *Accountant {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Accountant{maxBytes: maxBytes}
}

// MaxBytes returns the configured quota.
func (a *Accountant) MaxBytes() int64 { return a.maxBytes }

// DirSize walks root and sums the size of every regular file.
// A missing root counts as zero — the sandbox simply has no content yet.
func (a *Accountant) DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
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
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("walking %s: %w", root, err)
	}
	return total, nil
}

// CheckWrite verifies that writing incomingBytes into the sandbox rooted
// at root stays within the quota. Returns ErrQuotaExceeded (wrapped with
// the sizes involved) when it would not.
func (a *Accountant) CheckWrite(root string, incomingBytes int64) error {
	current, err := a.DirSize(root)
	if err != nil {
		return err
	}
	if current+incomingBytes > a.maxBytes {
		return fmt.Errorf("%w: %d bytes used + %d incoming exceeds limit of %d",
			ErrQuotaExceeded, current, incomingBytes, a.maxBytes)
	}
	return nil
}
