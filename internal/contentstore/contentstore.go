// Package contentstore defines the narrow contract this service needs
// from a content-addressable storage network: add bytes or files to get
// a content id back, fetch content by id, and pin ids so the network
// retains them. The network's internal protocol is out of scope.
//
// Two implementations are provided: an IPFS (kubo RPC) HTTP client and
// an in-memory store for tests and single-node development.
package contentstore

import (
	"context"
	"errors"
)

// Sentinel errors for content store operations.
var (
	// ErrNotFound is returned when a content id is unknown to the store.
	ErrNotFound = errors.New("content not found")
	// ErrUnavailable is returned when the store cannot be reached.
	ErrUnavailable = errors.New("content store unavailable")
)

// Store is the content-addressable storage collaborator.
// Implementations must be safe for concurrent use.
type Store interface {
	// Add pushes the file at localPath and returns its content id.
	Add(ctx context.Context, localPath string) (string, error)

	// AddContent pushes raw bytes under a diagnostic label and returns
	// the content id.
	AddContent(ctx context.Context, data []byte, label string) (string, error)

	// Get fetches the content behind contentID into destPath, creating
	// parent directories as needed.
	Get(ctx context.Context, contentID, destPath string) error

	// Pin marks the content id for retention.
	Pin(ctx context.Context, contentID string) error
}
