package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CleanObjectPath normalizes a "/"-delimited object path: it always starts
// with "/", has no empty segments and no trailing slash. "." segments are
// dropped; ".." is kept verbatim since object names may legally contain it.
func CleanObjectPath(path string) string {
	segments := SplitObjectPath(path)
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}

// SplitObjectPath returns the non-empty segments of an object path.
func SplitObjectPath(path string) []string {
	raw := strings.Split(path, "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" || s == "." {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}

// JoinObjectPath appends name to a parent object path.
func JoinObjectPath(parent, name string) string {
	parent = CleanObjectPath(parent)
	name = strings.Trim(name, "/")
	if name == "" {
		return parent
	}
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// SplitParent splits an object path into its parent path and last segment.
func SplitParent(path string) (string, string) {
	segments := SplitObjectPath(path)
	if len(segments) == 0 {
		return "/", ""
	}
	last := segments[len(segments)-1]
	if len(segments) == 1 {
		return "/", last
	}
	return "/" + strings.Join(segments[:len(segments)-1], "/"), last
}

// ValidateObjectName checks a single link name.
func ValidateObjectName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("object name cannot be empty")
	case strings.Contains(name, "/"):
		return fmt.Errorf("object name %q contains '/'", name)
	case name == ".":
		return fmt.Errorf("object name cannot be %q", name)
	}
	return nil
}

// ValidatePath validates that a file path is safe and does not contain directory traversal attempts.
//
// Example usage:
//
//	if err := ValidatePath(userProvidedPath, false); err != nil {
//		return fmt.Errorf("invalid path: %w", err)
//	}
func ValidatePath(path string, allowAbsolute bool) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	if !allowAbsolute && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	return nil
}

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
//
// Example usage:
//
//	safePath, err := SecureJoin("/var/lib/lowfive", "out.h5", "data0")
//	if err != nil {
//		return fmt.Errorf("invalid path combination: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
