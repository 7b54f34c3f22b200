package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// skeletonDirs are the fixed top-level sandbox directories. They are
// created by the registry and can never be removed through a delete.
var skeletonDirs = map[string]bool{
	"code":   true,
	"output": true,
	"data":   true,
}

// windowsDrivePattern matches a drive-letter prefix like "C:".
var windowsDrivePattern = regexp.MustCompile(`^[A-Za-z]:`)

// allowedExtensions is the write-side allow-list covering code, config,
// data, and build files.
var allowedExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true,
	".tsx": true, ".java": true, ".kt": true, ".c": true, ".cpp": true,
	".cc": true, ".h": true, ".hpp": true, ".rs": true, ".rb": true,
	".php": true, ".swift": true, ".sh": true, ".bash": true, ".zsh": true,
	".ps1": true, ".sql": true, ".html": true, ".css": true, ".scss": true,
	".less": true, ".vue": true, ".svelte": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true,
	".ini": true, ".cfg": true, ".conf": true, ".env": true, ".properties": true,
	".md": true, ".txt": true, ".rst": true, ".csv": true, ".tsv": true,
	".lock": true, ".mod": true, ".sum": true, ".gradle": true, ".proto": true,
	".graphql": true, ".tf": true, ".wasm": true, ".wat": true,
	".gitignore": true, ".dockerignore": true, ".editorconfig": true,
}

// allowedBasenames are well-known extensionless files accepted on write.
// Matching is case-insensitive.
var allowedBasenames = map[string]bool{
	"makefile":    true,
	"dockerfile":  true,
	"jenkinsfile": true,
	"vagrantfile": true,
	"readme":      true,
	"license":     true,
}

// ValidatePath rejects any sandbox-relative path that is absolute,
// contains a parent-traversal segment, or normalizes to a location
// outside the sandbox root. The cleaned path (forward slashes, no
// leading "./") is returned for use as the canonical relative path.
func ValidatePath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("%w: path must not be empty", ErrValidation)
	}
	if strings.ContainsRune(relPath, '\x00') {
		return "", fmt.Errorf("%w: path contains a NUL byte", ErrValidation)
	}

	// Normalize Windows separators so "..\\" tricks are caught below.
	normalized := strings.ReplaceAll(relPath, "\\", "/")

	if strings.HasPrefix(normalized, "/") || windowsDrivePattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: path traversal or absolute path not allowed", ErrValidation)
	}

	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path traversal or absolute path not allowed", ErrValidation)
		}
	}

	cleaned := path.Clean(normalized)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: path traversal or absolute path not allowed", ErrValidation)
	}
	if cleaned == "." {
		return "", fmt.Errorf("%w: path must name a file or directory inside the sandbox", ErrValidation)
	}

	return cleaned, nil
}

// ValidateExtension enforces the write-side allow-list. Reads are not
// extension-restricted — only content entering the sandbox is.
func ValidateExtension(relPath string) error {
	base := path.Base(strings.ReplaceAll(relPath, "\\", "/"))

	ext := strings.ToLower(filepath.Ext(base))
	if ext != "" && allowedExtensions[ext] {
		return nil
	}
	if allowedBasenames[strings.ToLower(base)] {
		return nil
	}
	if ext == "" {
		return fmt.Errorf("%w: extensionless file %q is not on the allow-list", ErrValidation, base)
	}
	return fmt.Errorf("%w: file extension %q is not allowed", ErrValidation, ext)
}

// ValidateDeletable rejects deletion of the sandbox root itself and of
// the fixed top-level skeleton directories.
func ValidateDeletable(relPath string) error {
	cleaned, err := ValidatePath(relPath)
	if err != nil {
		return err
	}
	if skeletonDirs[cleaned] {
		return fmt.Errorf("%w: cannot delete sandbox skeleton directory %q", ErrValidation, cleaned)
	}
	return nil
}

// WithinRoot defensively verifies that an already-joined absolute path
// is a strict descendant of root. Both paths must be absolute; the check
// is separator-safe ("/srv/ws" does not contain "/srv/wsevil").
func WithinRoot(root, abs string) error {
	root = filepath.Clean(root)
	abs = filepath.Clean(abs)
	if abs == root {
		return fmt.Errorf("%w: path resolves to the sandbox root itself", ErrValidation)
	}
	if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return fmt.Errorf("%w: path escapes the sandbox root", ErrValidation)
	}
	return nil
}

// ResolveWithinRoot verifies containment against real paths, not just
// lexical ones. A command run inside the sandbox can plant a symlink
// that a purely lexical check would follow out of the tree, so the
// sandbox root and the deepest existing ancestor of abs are resolved
// through symlinks and the descendant check is repeated on the result.
// The returned path is the resolved location to operate on.
func ResolveWithinRoot(root, abs string) (string, error) {
	if err := WithinRoot(root, abs); err != nil {
		return "", err
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: resolving sandbox root: %v", ErrValidation, err)
	}

	// Resolve the deepest existing ancestor, then re-attach the
	// not-yet-created suffix. A dangling symlink along the way is
	// rejected outright: a write through it would create the link's
	// target, wherever that points.
	resolved := filepath.Clean(abs)
	var suffix []string
	for {
		real, err := filepath.EvalSymlinks(resolved)
		if err == nil {
			resolved = real
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: resolving %s: %v", ErrValidation, abs, err)
		}
		if fi, lerr := os.Lstat(resolved); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: path traverses a dangling symlink", ErrValidation)
		}
		parent := filepath.Dir(resolved)
		if parent == resolved {
			break
		}
		suffix = append([]string{filepath.Base(resolved)}, suffix...)
		resolved = parent
	}

	final := filepath.Join(append([]string{resolved}, suffix...)...)
	if err := WithinRoot(realRoot, final); err != nil {
		return "", err
	}
	return final, nil
}
