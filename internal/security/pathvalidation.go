// Package security validates user-supplied output paths.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory reports an error when filePath, after cleaning
// and symlink resolution, lies outside safeDir. Paths that do not exist yet
// are resolved through their nearest existing parent, so a symlinked parent
// cannot redirect a new file elsewhere.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalSafeDir, resolveExisting(absPath))
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// resolveExisting resolves symlinks in the longest existing prefix of path.
func resolveExisting(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, path)
			return filepath.Join(resolved, rest)
		}
		if dir == filepath.Dir(dir) {
			return path
		}
	}
}

// ValidateExportPath accepts report paths inside the working directory or
// the system temp directory.
func ValidateExportPath(filePath string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	allowed := []string{cwd, os.TempDir()}
	for _, dir := range allowed {
		if ValidatePathWithinDirectory(filePath, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("path must be within one of the allowed directories: %v", allowed)
}
