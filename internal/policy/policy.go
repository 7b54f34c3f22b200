// Package policy validates every input before it can cause a filesystem
// or process effect: workspace identifiers, sandbox-relative paths, file
// extensions on write, and raw command strings.
//
// The command checks are a deny-list, not an isolation boundary — pattern
// matching over free-form shell strings is bypassable by encoding or
// indirection. Real containment is the execution backend's job; the
// deny-list only stops the obvious foot-guns before a backend is invoked.
package policy

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrValidation is the sentinel wrapped by every policy rejection.
// Callers can errors.Is against it to distinguish bad input from
// operational failures.
var ErrValidation = errors.New("validation failed")

// workspaceIDPattern constrains workspace identifiers to a safe charset:
// they become directory names under the storage root.
var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateWorkspaceID rejects identifiers that could not safely become
// a directory name (empty, too long, or containing separators/dots).
func ValidateWorkspaceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: workspace id must not be empty", ErrValidation)
	}
	if !workspaceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: workspace id %q contains invalid characters (allowed: alphanumerics, '-', '_', max 64)", ErrValidation, id)
	}
	return nil
}
