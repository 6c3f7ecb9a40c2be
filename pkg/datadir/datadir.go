// Package datadir resolves the directory holding local state: the relay's
// event store and the chat client's log file.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultDirName = ".loopsync"

// Dir is a resolved, existing data directory. Paths handed out by it never
// leave the root, symlinks included.
type Dir struct {
	root string
}

// Open resolves path, expanding a leading ~ and creating the directory when
// missing. An empty path selects ~/.loopsync.
func Open(path string) (*Dir, error) {
	root, err := resolveRoot(path)
	if err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

// Root returns the absolute data directory path.
func (d *Dir) Root() string {
	if d == nil {
		return ""
	}
	return d.root
}

// Path returns the canonical absolute path of name inside the directory.
func (d *Dir) Path(name string) (string, error) {
	if d == nil {
		return "", NewError(ErrorIO, "data directory is not open")
	}

	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", NewError(ErrorInvalidPath, "path must not be empty")
	}

	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(d.root, candidate)
	}

	effective, err := canonicalPath(filepath.Clean(candidate))
	if err != nil {
		return "", err
	}
	if !isWithin(d.root, effective) {
		return "", NewError(ErrorOutsideDir, fmt.Sprintf("%q escapes the data directory", trimmed))
	}

	return effective, nil
}

// Sub returns the path of a subdirectory, creating it when missing.
func (d *Dir) Sub(name string) (string, error) {
	path, err := d.Path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", normalizeIOError(err, "create "+name)
	}
	return path, nil
}

// ResolveFile returns name unchanged when it is absolute, and its location
// inside the directory otherwise.
func (d *Dir) ResolveFile(name string) (string, error) {
	if filepath.IsAbs(strings.TrimSpace(name)) {
		return filepath.Clean(strings.TrimSpace(name)), nil
	}
	return d.Path(name)
}

func resolveRoot(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed = filepath.Join(homeDir, defaultDirName)
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute data directory: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return "", normalizeIOError(err, "create data directory")
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", normalizeIOError(err, "resolve data directory")
	}

	return filepath.Clean(resolved), nil
}

func canonicalPath(path string) (string, error) {
	evaluated, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Clean(evaluated), nil
	}
	if !os.IsNotExist(err) {
		return "", normalizeIOError(err, "resolve path")
	}

	parent, remainder, err := nearestExistingParent(path)
	if err != nil {
		return "", err
	}

	evaluatedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", normalizeIOError(err, "resolve path")
	}

	return filepath.Clean(filepath.Join(evaluatedParent, remainder)), nil
}

func nearestExistingParent(path string) (string, string, error) {
	current := filepath.Clean(path)
	parts := make([]string, 0)

	for {
		if _, err := os.Lstat(current); err == nil {
			remainder := ""
			for i := len(parts) - 1; i >= 0; i-- {
				remainder = filepath.Join(remainder, parts[i])
			}
			return current, remainder, nil
		}

		base := filepath.Base(current)
		if base == "." || base == string(filepath.Separator) {
			break
		}
		parts = append(parts, base)

		next := filepath.Dir(current)
		if next == current {
			break
		}
		current = next
	}

	return "", "", NewError(ErrorInvalidPath, "path could not be resolved")
}

func expandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}
