// Package project maps editor file paths to session keys and watches the
// files that invalidate engine-side project state.
package project

import (
	"path/filepath"
	"strings"
)

// NormalizeKey turns a file path into a session key. The empty key stands
// for buffers without a file and is kept as is; anything else becomes an
// absolute, cleaned path.
func NormalizeKey(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Dir is the directory watched on behalf of key. Empty for the empty key.
func Dir(key string) string {
	if key == "" {
		return ""
	}
	return filepath.Dir(key)
}

// Contains reports whether path is dir itself or lies below it.
func Contains(dir, path string) bool {
	dir, path = filepath.Clean(dir), filepath.Clean(path)
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
