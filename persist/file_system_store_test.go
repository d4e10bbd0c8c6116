package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	// Get configuration from environment or use defaults
	baseDir := os.Getenv("FS_BASE_DIR")
	if baseDir == "" {
		baseDir = t.TempDir()
	}

	// Ensure we have a clean test directory
	testDir := filepath.Join(baseDir, "store-test-run")
	if err := os.RemoveAll(testDir); err != nil {
		t.Logf("Warning: Failed to clean test directory: %v", err)
	}

	store, err := NewFileSystemStore(testDir)
	if err != nil {
		t.Fatalf("Failed to create FileSystemStore: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Logf("Warning: Failed to close store: %v", err)
		}
	}()

	// Run the generic store tests
	testStoreImplementation(t, store)
}

func TestFileSystemStoreLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveSnapshot(context.Background(), "perm-check", []byte("container")))

	info, err := os.Stat(filepath.Join(dir, "snapshots", "perm-check.snap"))
	require.NoError(t, err)
	assert.Equal(t, FilePermissions, info.Mode().Perm(), "Snapshots should not be world readable")

	_, err = os.Stat(filepath.Join(dir, "store.json"))
	assert.NoError(t, err, "Store config should be written on first use")
}
