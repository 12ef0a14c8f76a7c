package collector

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for a path that resolves outside the site root.
var ErrOutsideRoot = errors.New("path outside site root")

// SitePath resolves a file path reported by an event against the site root.
// Absolute paths already under root are kept; every other path, including
// "/wp-content/x.php", is taken as relative to root. With no root configured
// the cleaned path is returned unchanged.
func SitePath(root, path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if root == "" {
		return filepath.Clean(path), nil
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving site root: %w", err)
	}

	full := filepath.Clean(path)
	if !within(root, full) {
		full = filepath.Join(root, path)
	}
	if !within(root, full) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return full, nil
}

func within(root, path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
