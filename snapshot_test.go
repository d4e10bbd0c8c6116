package strongroom

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"southwinds.dev/strongroom/audit"
	"southwinds.dev/strongroom/persist"
)

const testPassphrase = "this-is-a-secure-passphrase-for-testing"

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newSnapshotStore(t)

	chain1 := mustCreateChain(t, store)
	r1 := mustWrite(t, store, chain1, "secret-1", "alpha")
	r2 := mustWrite(t, store, chain1, "secret-2", "beta")
	if err := store.RevokeRecord(chain1, r1); err != nil {
		t.Fatalf("RevokeRecord failed: %v", err)
	}
	chain2 := mustCreateChain(t, store)
	r3 := mustWrite(t, store, chain2, "secret-3", "gamma")

	info, err := store.Snapshot(ctx, "nightly", testPassphrase)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if info.Name != "nightly" || info.Size == 0 {
		t.Fatalf("unexpected snapshot info: %+v", info)
	}

	// Diverge from the saved state, then roll back to it.
	mustWrite(t, store, chain1, "secret-4", "delta")
	extra := mustCreateChain(t, store)

	if err := store.Restore(ctx, "nightly", testPassphrase); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	chains, err := store.Chains()
	if err != nil {
		t.Fatalf("Chains failed: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("expected 2 chains after restore, got %d", len(chains))
	}
	if _, err := store.ListRecords(extra); !errors.Is(err, ErrChainNotFound) {
		t.Errorf("chain created after the snapshot survived the restore")
	}

	if _, err := store.ReadRecord(chain1, r1); !errors.Is(err, ErrRecordRevoked) {
		t.Errorf("revocation lost across restore: %v", err)
	}
	if got := readPlaintext(t, store, chain1, r2); string(got) != "secret-2" {
		t.Errorf("record 2 after restore = %q, want %q", got, "secret-2")
	}
	if got := readPlaintext(t, store, chain2, r3); string(got) != "secret-3" {
		t.Errorf("record 3 after restore = %q, want %q", got, "secret-3")
	}

	// The restored chains must accept new writes.
	r5 := mustWrite(t, store, chain1, "secret-5", "epsilon")
	if got := readPlaintext(t, store, chain1, r5); string(got) != "secret-5" {
		t.Errorf("post-restore write = %q, want %q", got, "secret-5")
	}
	assertContiguousCounters(t, store, chain1)
}

// A snapshot written by one store must restore into a second store built
// on the same backend, the process-restart case.
func TestRestoreIntoFreshStore(t *testing.T) {
	ctx := context.Background()
	first, dir := newSnapshotStore(t)

	chainID := mustCreateChain(t, first)
	recordID := mustWrite(t, first, chainID, "survives-restart", "s")
	if _, err := first.Snapshot(ctx, "handoff", testPassphrase); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := newStoreOnDir(t, dir)
	if err := second.Restore(ctx, "handoff", testPassphrase); err != nil {
		t.Fatalf("Restore into fresh store failed: %v", err)
	}
	if got := readPlaintext(t, second, chainID, recordID); string(got) != "survives-restart" {
		t.Fatalf("restored payload = %q, want %q", got, "survives-restart")
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	store, _ := newSnapshotStore(t)
	chainID := mustCreateChain(t, store)
	mustWrite(t, store, chainID, "secret-1", "a")

	if _, err := store.Snapshot(ctx, "locked", testPassphrase); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	err := store.Restore(ctx, "locked", "a-completely-different-passphrase")
	if !errors.Is(err, ErrOpenFailure) {
		t.Fatalf("expected ErrOpenFailure, got %v", err)
	}

	// The failed restore must not have touched the live chains.
	if _, err := store.ListRecords(chainID); err != nil {
		t.Fatalf("store state damaged by failed restore: %v", err)
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	ctx := context.Background()
	store, _ := newSnapshotStore(t)

	err := store.Restore(ctx, "never-saved", testPassphrase)
	if !errors.Is(err, persist.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestSnapshotWithoutBackend(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Snapshot(ctx, "nope", testPassphrase); !errors.Is(err, errSnapshotsDisabled) {
		t.Errorf("Snapshot without backend: %v", err)
	}
	if err := store.Restore(ctx, "nope", testPassphrase); !errors.Is(err, errSnapshotsDisabled) {
		t.Errorf("Restore without backend: %v", err)
	}
	if _, err := store.ListSnapshots(ctx); !errors.Is(err, errSnapshotsDisabled) {
		t.Errorf("ListSnapshots without backend: %v", err)
	}
	if err := store.DeleteSnapshot(ctx, "nope"); !errors.Is(err, errSnapshotsDisabled) {
		t.Errorf("DeleteSnapshot without backend: %v", err)
	}
}

func TestSnapshotPassphraseSources(t *testing.T) {
	ctx := context.Background()

	t.Run("FromOptions", func(t *testing.T) {
		dir := makeTempDir(t)
		backend, err := persist.NewFileSystemStore(dir)
		if err != nil {
			t.Fatalf("failed to create backend: %v", err)
		}
		store, err := NewWithStore(Options{SnapshotPassphrase: testPassphrase}, backend, audit.NewNoOpLogger())
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		t.Cleanup(func() { store.Close() })

		mustCreateChain(t, store)
		if _, err := store.Snapshot(ctx, "implicit", ""); err != nil {
			t.Fatalf("Snapshot with options passphrase failed: %v", err)
		}
		if err := store.Restore(ctx, "implicit", ""); err != nil {
			t.Fatalf("Restore with options passphrase failed: %v", err)
		}
	})

	t.Run("FromEnvironment", func(t *testing.T) {
		t.Setenv("SROOM_TEST_PASSPHRASE", testPassphrase)
		dir := makeTempDir(t)
		backend, err := persist.NewFileSystemStore(dir)
		if err != nil {
			t.Fatalf("failed to create backend: %v", err)
		}
		store, err := NewWithStore(Options{EnvPassphraseVar: "SROOM_TEST_PASSPHRASE"}, backend, audit.NewNoOpLogger())
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		t.Cleanup(func() { store.Close() })

		mustCreateChain(t, store)
		if _, err := store.Snapshot(ctx, "from-env", ""); err != nil {
			t.Fatalf("Snapshot with environment passphrase failed: %v", err)
		}
	})

	t.Run("ExplicitWinsOverOptions", func(t *testing.T) {
		dir := makeTempDir(t)
		backend, err := persist.NewFileSystemStore(dir)
		if err != nil {
			t.Fatalf("failed to create backend: %v", err)
		}
		store, err := NewWithStore(Options{SnapshotPassphrase: "if-this-is-used-restore-fails"}, backend, audit.NewNoOpLogger())
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		t.Cleanup(func() { store.Close() })

		mustCreateChain(t, store)
		if _, err := store.Snapshot(ctx, "explicit", testPassphrase); err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if err := store.Restore(ctx, "explicit", testPassphrase); err != nil {
			t.Fatalf("explicit passphrase was not the one used to seal: %v", err)
		}
	})

	t.Run("TooShort", func(t *testing.T) {
		store, _ := newSnapshotStore(t)
		if _, err := store.Snapshot(ctx, "weak", "short"); err == nil {
			t.Fatal("expected error for a passphrase below the minimum length")
		}
	})

	t.Run("NoSource", func(t *testing.T) {
		store, _ := newSnapshotStore(t)
		if _, err := store.Snapshot(ctx, "none", ""); err == nil {
			t.Fatal("expected error when no passphrase source is configured")
		}
	})
}

func TestSnapshotListAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newSnapshotStore(t)
	mustCreateChain(t, store)

	if _, err := store.Snapshot(ctx, "beta", testPassphrase); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, err := store.Snapshot(ctx, "alpha", testPassphrase); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	infos, err := store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "alpha" || infos[1].Name != "beta" {
		t.Fatalf("unexpected listing: %+v", infos)
	}

	if err := store.DeleteSnapshot(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}
	infos, err = store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "beta" {
		t.Fatalf("unexpected listing after delete: %+v", infos)
	}

	if err := store.DeleteSnapshot(ctx, "alpha"); !errors.Is(err, persist.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound on double delete, got %v", err)
	}
}

func TestSnapshotEmptyStore(t *testing.T) {
	ctx := context.Background()
	store, _ := newSnapshotStore(t)

	if _, err := store.Snapshot(ctx, "empty", testPassphrase); err != nil {
		t.Fatalf("Snapshot of empty store failed: %v", err)
	}

	mustCreateChain(t, store)
	if err := store.Restore(ctx, "empty", testPassphrase); err != nil {
		t.Fatalf("Restore of empty snapshot failed: %v", err)
	}
	chains, err := store.Chains()
	if err != nil {
		t.Fatalf("Chains failed: %v", err)
	}
	if len(chains) != 0 {
		t.Fatalf("expected empty store after restoring empty snapshot, got %d chains", len(chains))
	}
}

// Flipping a byte inside the sealed payload must be caught by the
// container checksum before decryption is attempted.
func TestRestoreTamperedPayload(t *testing.T) {
	ctx := context.Background()
	store, dir := newSnapshotStore(t)
	chainID := mustCreateChain(t, store)
	mustWrite(t, store, chainID, "secret-1", "a")

	if _, err := store.Snapshot(ctx, "target", testPassphrase); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	path := filepath.Join(dir, "snapshots", "target.snap")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read snapshot file: %v", err)
	}
	var container snapshotContainer
	if err := json.Unmarshal(raw, &container); err != nil {
		t.Fatalf("failed to parse snapshot container: %v", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(container.Payload)
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	sealed[len(sealed)/2] ^= 0xff
	container.Payload = base64.StdEncoding.EncodeToString(sealed)
	tampered, err := json.Marshal(container)
	if err != nil {
		t.Fatalf("failed to serialize tampered container: %v", err)
	}
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("failed to write tampered snapshot: %v", err)
	}

	if err := store.Restore(ctx, "target", testPassphrase); !errors.Is(err, ErrChainCorruption) {
		t.Fatalf("expected ErrChainCorruption, got %v", err)
	}
}

// Substituting one stored snapshot for another is caught by the manifest
// cross-check even though the substitute is internally consistent.
func TestRestoreSubstitutedSnapshot(t *testing.T) {
	ctx := context.Background()
	store, dir := newSnapshotStore(t)
	chainID := mustCreateChain(t, store)
	mustWrite(t, store, chainID, "secret-1", "a")

	if _, err := store.Snapshot(ctx, "current", testPassphrase); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	mustWrite(t, store, chainID, "secret-2", "b")
	if _, err := store.Snapshot(ctx, "other", testPassphrase); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	otherBytes, err := os.ReadFile(filepath.Join(dir, "snapshots", "other.snap"))
	if err != nil {
		t.Fatalf("failed to read snapshot file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "snapshots", "current.snap"), otherBytes, 0600); err != nil {
		t.Fatalf("failed to substitute snapshot: %v", err)
	}

	if err := store.Restore(ctx, "current", testPassphrase); !errors.Is(err, ErrChainCorruption) {
		t.Fatalf("expected ErrChainCorruption, got %v", err)
	}
}

func TestExportImportChain(t *testing.T) {
	source := newTestStore(t)
	chainID := mustCreateChain(t, source)
	r1 := mustWrite(t, source, chainID, "secret-1", "alpha")
	r2 := mustWrite(t, source, chainID, "secret-2", "beta")
	if err := source.RevokeRecord(chainID, r1); err != nil {
		t.Fatalf("RevokeRecord failed: %v", err)
	}

	exp, err := source.ExportChain(chainID)
	if err != nil {
		t.Fatalf("ExportChain failed: %v", err)
	}

	target := newTestStore(t)
	if err := target.ImportChain(exp); err != nil {
		t.Fatalf("ImportChain failed: %v", err)
	}

	// The import consumed the key material.
	for i, b := range exp.Key {
		if b != 0 {
			t.Fatalf("export key byte %d not wiped after import", i)
		}
	}

	if _, err := target.ReadRecord(chainID, r1); !errors.Is(err, ErrRecordRevoked) {
		t.Errorf("revocation lost across export: %v", err)
	}
	if got := readPlaintext(t, target, chainID, r2); string(got) != "secret-2" {
		t.Errorf("imported payload = %q, want %q", got, "secret-2")
	}

	head, err := target.Head(chainID)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head != r2 {
		t.Errorf("imported head = %s, want %s", head, r2)
	}
}

func TestImportChainRejections(t *testing.T) {
	source := newTestStore(t)
	chainID := mustCreateChain(t, source)
	mustWrite(t, source, chainID, "secret-1", "alpha")
	mustWrite(t, source, chainID, "secret-2", "beta")

	// Each attempt consumes its export, so every case starts fresh.
	export := func(t *testing.T) *ChainExport {
		exp, err := source.ExportChain(chainID)
		if err != nil {
			t.Fatalf("ExportChain failed: %v", err)
		}
		return exp
	}

	t.Run("Nil", func(t *testing.T) {
		target := newTestStore(t)
		if err := target.ImportChain(nil); !errors.Is(err, ErrChainCorruption) {
			t.Fatalf("expected ErrChainCorruption, got %v", err)
		}
	})

	t.Run("AlreadyExists", func(t *testing.T) {
		target := newTestStore(t)
		if err := target.ImportChain(export(t)); err != nil {
			t.Fatalf("first import failed: %v", err)
		}
		if err := target.ImportChain(export(t)); !errors.Is(err, ErrChainExists) {
			t.Fatalf("expected ErrChainExists, got %v", err)
		}
	})

	t.Run("CounterGap", func(t *testing.T) {
		target := newTestStore(t)
		exp := export(t)
		exp.Records[2].Counter += 5
		if err := target.ImportChain(exp); !errors.Is(err, ErrChainCorruption) {
			t.Fatalf("expected ErrChainCorruption, got %v", err)
		}
	})

	t.Run("ForeignOwner", func(t *testing.T) {
		target := newTestStore(t)
		exp := export(t)
		stranger, err := NewChainID()
		if err != nil {
			t.Fatalf("NewChainID failed: %v", err)
		}
		exp.ChainID = stranger
		if err := target.ImportChain(exp); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("TamperedPayload", func(t *testing.T) {
		target := newTestStore(t)
		exp := export(t)
		sealed := exp.Records[1].Sealed
		sealed[len(sealed)/2] ^= 0xff
		if err := target.ImportChain(exp); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("NoRecords", func(t *testing.T) {
		target := newTestStore(t)
		exp := export(t)
		exp.Records = nil
		if err := target.ImportChain(exp); !errors.Is(err, ErrChainCorruption) {
			t.Fatalf("expected ErrChainCorruption, got %v", err)
		}
	})
}

func TestExportChainUnknown(t *testing.T) {
	store := newTestStore(t)
	unknown, _ := NewChainID()
	if _, err := store.ExportChain(unknown); !errors.Is(err, ErrChainNotFound) {
		t.Fatalf("expected ErrChainNotFound, got %v", err)
	}
}

// Helper functions

func makeTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "strongroom-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newStoreOnDir(t *testing.T, dir string) *Store {
	t.Helper()
	backend, err := persist.NewFileSystemStore(dir)
	if err != nil {
		t.Fatalf("failed to create filesystem backend: %v", err)
	}
	store, err := NewWithStore(Options{}, backend, audit.NewNoOpLogger())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newSnapshotStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := makeTempDir(t)
	return newStoreOnDir(t, dir), dir
}
