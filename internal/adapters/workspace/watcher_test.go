package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watchDir(t *testing.T, dir string, opts Options) *tracker {
	t.Helper()

	changes, err := NewWatcher(opts).Watch(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = changes.Close() })

	return changes.(*tracker)
}

func pending(tr *tracker) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.changed)
}

// settle waits until at least want distinct paths are pending, lets trailing
// events for the same paths arrive, then takes the count.
func settle(t *testing.T, tr *tracker, want int) int {
	t.Helper()

	require.Eventually(t, func() bool { return pending(tr) >= want }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	return tr.TakeChanges()
}

func TestWatcherCountsDistinctChangedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := watchDir(t, dir, Options{})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package b\n"), 0o644))

	assert.Equal(t, 2, settle(t, tr, 2))
	assert.Zero(t, tr.TakeChanges())
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := watchDir(t, dir, Options{})

	nested := filepath.Join(dir, "pkg", "util")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	require.Eventually(t, func() bool {
		return len(tr.watcher.WatchList()) >= 3
	}, 5*time.Second, 20*time.Millisecond)
	tr.TakeChanges()

	require.NoError(t, os.WriteFile(filepath.Join(nested, "util.go"), []byte("package util\n"), 0o644))
	assert.Equal(t, 1, settle(t, tr, 1))
}

func TestWatcherSkipsIgnoredPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("# build output\n*.log\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "left-pad"), 0o755))
	tr := watchDir(t, dir, Options{Ignore: []string{"tmp/"}})

	for _, watched := range tr.watcher.WatchList() {
		assert.NotContains(t, watched, "node_modules")
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug.log"), []byte("noise"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "left-pad", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	assert.Equal(t, 1, settle(t, tr, 1))
}

func TestWatchRejectsMissingDirectory(t *testing.T) {
	t.Parallel()

	_, err := NewWatcher(Options{}).Watch(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "stat workspace root")
}

func TestTrackerCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := watchDir(t, t.TempDir(), Options{})
	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}
