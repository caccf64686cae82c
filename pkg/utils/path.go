package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinBase validates that path, absolute or relative to base,
// resolves inside base. Used to reject table-of-contents records that point
// outside the cache directory.
func ValidatePathWithinBase(base, path string) error {
	if base == "" {
		return fmt.Errorf("base path cannot be empty")
	}
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Clean(path)
	if !filepath.IsAbs(fullPath) {
		fullPath = filepath.Join(cleanBase, fullPath)
	}

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside base directory %s", path, base)
	}
	return nil
}

// SecureJoin joins path elements onto base and fails if the result escapes base.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return fullPath, nil
}
