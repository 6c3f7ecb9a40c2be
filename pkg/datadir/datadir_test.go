package datadir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenExpandsHomeAndCreatesDirectory(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	dir, err := Open("~/relay-data")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	want, err := filepath.EvalSymlinks(filepath.Join(homeDir, "relay-data"))
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if dir.Root() != want {
		t.Fatalf("Root = %q, want %q", dir.Root(), want)
	}
	if info, statErr := os.Stat(dir.Root()); statErr != nil || !info.IsDir() {
		t.Fatalf("data directory missing: %v", statErr)
	}
}

func TestOpenDefaultsToHomeDotDir(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	dir, err := Open("  ")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if filepath.Base(dir.Root()) != defaultDirName {
		t.Fatalf("Root = %q, want a %s directory", dir.Root(), defaultDirName)
	}
}

func TestPathRejectsEmpty(t *testing.T) {
	dir := mustOpen(t)

	_, err := dir.Path("  ")
	if CategoryFromError(err) != ErrorInvalidPath {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorInvalidPath)
	}
}

func TestPathRelativeInsideDirectory(t *testing.T) {
	dir := mustOpen(t)

	resolved, err := dir.Path("logs/chat.log")
	if err != nil {
		t.Fatalf("Path error: %v", err)
	}
	if !strings.HasPrefix(resolved, dir.Root()+string(filepath.Separator)) {
		t.Fatalf("resolved path = %q is not inside root %q", resolved, dir.Root())
	}
}

func TestPathRejectsTraversalEscape(t *testing.T) {
	dir := mustOpen(t)

	_, err := dir.Path("../escape.db")
	if CategoryFromError(err) != ErrorOutsideDir {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideDir)
	}
}

func TestPathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outsideDir := t.TempDir()
	if err := os.Symlink(outsideDir, filepath.Join(root, "out-link")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	dir, err := Open(root)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	_, err = dir.Path("out-link/events")
	if CategoryFromError(err) != ErrorOutsideDir {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideDir)
	}
}

func TestSubCreatesDirectory(t *testing.T) {
	dir := mustOpen(t)

	path, err := dir.Sub("events")
	if err != nil {
		t.Fatalf("Sub error: %v", err)
	}
	if info, statErr := os.Stat(path); statErr != nil || !info.IsDir() {
		t.Fatalf("subdirectory missing: %v", statErr)
	}
}

func TestResolveFileKeepsAbsolutePaths(t *testing.T) {
	dir := mustOpen(t)
	outside := filepath.Join(t.TempDir(), "chat.log")

	got, err := dir.ResolveFile(outside)
	if err != nil {
		t.Fatalf("ResolveFile error: %v", err)
	}
	if got != outside {
		t.Fatalf("ResolveFile = %q, want %q", got, outside)
	}

	got, err = dir.ResolveFile("chat.log")
	if err != nil {
		t.Fatalf("ResolveFile error: %v", err)
	}
	if filepath.Dir(got) != dir.Root() {
		t.Fatalf("ResolveFile = %q, want inside %q", got, dir.Root())
	}
}

func TestCategoryFromError(t *testing.T) {
	if got := CategoryFromError(nil); got != "" {
		t.Fatalf("CategoryFromError(nil) = %q, want empty", got)
	}
	if got := CategoryFromError(os.ErrNotExist); got != ErrorPathNotFound {
		t.Fatalf("CategoryFromError(ErrNotExist) = %q, want %q", got, ErrorPathNotFound)
	}
	if got := CategoryFromError(NewError(ErrorOutsideDir, "x")); got != ErrorOutsideDir {
		t.Fatalf("CategoryFromError = %q, want %q", got, ErrorOutsideDir)
	}
}

func mustOpen(t *testing.T) *Dir {
	t.Helper()

	dir, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	return dir
}
