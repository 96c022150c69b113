package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxPathLength = 4096

// PathValidator checks the on-disk locations the item store, catalog and
// search index are written to, and prepares their parent directories.
type PathValidator struct {
	// AllowedBaseDirs restricts paths to these directories. Empty allows any.
	AllowedBaseDirs []string
}

// NewPathValidator returns a validator limited to baseDirs.
func NewPathValidator(baseDirs ...string) *PathValidator {
	return &PathValidator{AllowedBaseDirs: baseDirs}
}

// Validate normalizes path to a clean absolute path and rejects anything
// containing control characters, traversal components or escaping the
// allowed base directories.
func (v *PathValidator) Validate(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if len(path) > maxPathLength {
		return "", fmt.Errorf("path too long (max %d characters)", maxPathLength)
	}
	for _, r := range path {
		if r < 32 {
			return "", fmt.Errorf("path contains control characters")
		}
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", fmt.Errorf("directory traversal not allowed")
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot make path absolute: %w", err)
	}
	if err := v.checkBaseDirs(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func (v *PathValidator) checkBaseDirs(path string) error {
	if len(v.AllowedBaseDirs) == 0 {
		return nil
	}
	for _, base := range v.AllowedBaseDirs {
		absBase, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absBase, path)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path not within allowed directories: %v", v.AllowedBaseDirs)
}

// PrepareFile validates a database file path and creates its parent
// directory. An existing directory at path is an error.
func (v *PathValidator) PrepareFile(path string) (string, error) {
	clean, err := v.Validate(path)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(clean); err == nil && info.IsDir() {
		return "", fmt.Errorf("path is a directory, not a file: %s", clean)
	}
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	return clean, nil
}

// PrepareDir validates a directory path such as a search index and creates
// its parent. The directory itself is left to its owner to create.
func (v *PathValidator) PrepareDir(path string) (string, error) {
	clean, err := v.Validate(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(clean)
	switch {
	case err == nil && !info.IsDir():
		return "", fmt.Errorf("path exists but is not a directory: %s", clean)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("checking directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	return clean, nil
}
