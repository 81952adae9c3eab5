// Package security guards the names that arrive from the device, the HTTP
// API and the settings file before they are joined onto a directory.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrTraversal is returned when a path would leave its directory.
var ErrTraversal = errors.New("path traversal detected")

// ValidatePathWithinDirectory reports an error unless path, after symlinks
// are resolved, lies inside dir. path need not exist yet; its nearest
// existing ancestor is resolved instead.
func ValidatePathWithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	realDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	rel, err := filepath.Rel(realDir, resolveExisting(absPath))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTraversal, path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s escapes %s", ErrTraversal, path, dir)
	}
	return nil
}

// resolveExisting resolves symlinks in the longest existing prefix of an
// absolute path and re-appends the rest.
func resolveExisting(abs string) string {
	for p := abs; ; {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			rest, _ := filepath.Rel(p, abs)
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return abs
		}
		p = parent
	}
}

// ValidateRelativeName checks that name is a relative path with no ".."
// element, so joining it to a directory stays inside that directory. The
// check is lexical and works for in-memory file systems too.
func ValidateRelativeName(name string) error {
	switch {
	case name == "":
		return errors.New("name is empty")
	case filepath.IsAbs(name), strings.HasPrefix(name, "/"), strings.HasPrefix(name, `\`):
		return fmt.Errorf("name %q must be relative", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("name %q contains a NUL byte", name)
	case filepath.Clean(name) == ".":
		return fmt.Errorf("name %q does not name a file", name)
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("%w: %q", ErrTraversal, name)
		}
	}
	return nil
}
