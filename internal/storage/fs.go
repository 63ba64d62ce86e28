// Package storage holds the file-system primitives shared by the manifest
// and the blob backends.
package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const tmpPattern = ".crudfs-tmp-*"

// WriteFile atomically writes the contents of r to path on fsys:
// tmp file -> fsync -> rename. Parent directories are created.
func WriteFile(fsys afero.Fs, path string, r io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := afero.TempFile(fsys, dir, tmpPattern)
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = fsys.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := fsys.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("storage: chmod: %w", err)
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// WriteBytes is WriteFile for an in-memory payload.
func WriteBytes(fsys afero.Fs, path string, content []byte, perm os.FileMode) error {
	return WriteFile(fsys, path, bytes.NewReader(content), perm)
}

// SafeJoin resolves rel against root and rejects any result that escapes
// it (directory traversal). The result is absolute even when root is not.
func SafeJoin(root, rel string) (string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("storage: resolve root: %w", err)
	}
	if rel == "" {
		return root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	joined := filepath.Join(root, cleaned)
	if joined != root && !strings.HasPrefix(joined, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return joined, nil
}

// Resolve turns a user-supplied path into an absolute local path. Without a
// root the path must already be absolute. With a root, relative paths are
// joined to it and absolute ones must lie inside it.
func Resolve(root, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("storage: path is required")
	}
	if root == "" {
		if !filepath.IsAbs(p) {
			return "", fmt.Errorf("storage: path must be absolute: %s", p)
		}
		return filepath.Clean(p), nil
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("storage: resolve root: %w", err)
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return "", fmt.Errorf("storage: path escapes root: %s", p)
		}
		p = rel
	}
	return SafeJoin(root, p)
}
