package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBboltStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store-test.db")

	store, err := NewBboltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BboltStore: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Logf("Warning: Failed to close store: %v", err)
		}
	}()

	// Run the generic store tests
	testStoreImplementation(t, store)
}

func TestBboltStoreReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen-test.db")

	store, err := NewBboltStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(ctx, "persisted", []byte("container")))
	require.NoError(t, store.Close())

	reopened, err := NewBboltStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.LoadSnapshot(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, []byte("container"), data, "Snapshot should survive a reopen")

	snapshots, err := reopened.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "persisted", snapshots[0].Name)
}
