// Package strongroom provides a secret-isolation engine built from two
// cooperating parts: a guarded memory allocator that keeps sensitive
// bytes behind inaccessible pages, and an append-only record-chain store
// whose payloads are sealed with authenticated encryption under a
// per-chain key that never leaves guarded memory.
//
// Key Features:
//   - Guard-page protected allocations with an explicit borrow state machine
//   - Append-only record chains, ownership and counters verified on every append
//   - Authenticated encryption using XChaCha20-Poly1305
//   - Revocation plus atomic garbage collection to prune dead records
//   - Encrypted, compressed snapshots behind pluggable persistence backends
//   - Comprehensive audit logging
//
// Basic Usage:
//
//	store, err := strongroom.New(strongroom.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	chainID, err := store.CreateChain(key)
//	recordID, err := store.WriteRecord(chainID, []byte("secret-1"), hint)
//
//	err = store.UseRecord(chainID, recordID, func(plaintext []byte) error {
//	    // plaintext is wiped when this returns
//	    return nil
//	})
package strongroom

import (
	"context"

	"southwinds.dev/strongroom/guard"
	"southwinds.dev/strongroom/persist"
)

// Service is the public interface of the record store. *Store is the
// canonical implementation; the interface exists so callers can wrap it
// for testing or policy enforcement without depending on the concrete
// type.
//
// Implementations must be safe for concurrent use. All operations fail
// once the service is closed.
type Service interface {

	// === Chain Lifecycle ===

	// CreateChain opens a new record chain keyed by ownerSecret and
	// returns its identifier. The secret is consumed: moved into guarded
	// memory and the caller's copy wiped, on failure as well as success.
	CreateChain(ownerSecret []byte) (ChainID, error)

	// DeleteChain removes a chain outright and destroys its key region.
	DeleteChain(chainID ChainID) error

	// Chains returns the identifiers of every chain, in a stable order.
	Chains() ([]ChainID, error)

	// RekeyChain re-seals every Data record under newSecret and swaps
	// the guarded key region atomically. The secret is consumed like in
	// CreateChain.
	RekeyChain(chainID ChainID, newSecret []byte) error

	// GarbageCollect rebuilds a chain with only its verified live
	// records, renumbered contiguously, and reports how many records
	// were dropped. Atomic: on failure the chain is untouched.
	GarbageCollect(chainID ChainID) (int, error)

	// === Record Operations ===

	// WriteRecord seals plaintext under the chain key and appends it as
	// a Data record with the next counter. The plaintext is consumed and
	// wiped.
	WriteRecord(chainID ChainID, plaintext []byte, hint RecordHint) (RecordID, error)

	// ReadRecord opens a live Data record and returns the plaintext
	// inside a guarded region the caller must destroy.
	ReadRecord(chainID ChainID, recordID RecordID) (*guard.Region, error)

	// ReadHead opens the payload of the latest live Data record.
	ReadHead(chainID ChainID) (*guard.Region, error)

	// UseRecord hands the decrypted payload to fn and wipes it when fn
	// returns. The slice must not escape the callback.
	UseRecord(chainID ChainID, recordID RecordID, fn func(plaintext []byte) error) error

	// UseRecordWithContext behaves like UseRecord but abandons the wait
	// for fn when ctx is cancelled.
	UseRecordWithContext(ctx context.Context, chainID ChainID, recordID RecordID, fn func(plaintext []byte) error) error

	// ListRecords returns the identifier and hint of every live Data
	// record, oldest first. Never payloads.
	ListRecords(chainID ChainID) ([]RecordEntry, error)

	// Head returns the identifier of the latest live Data record.
	Head(chainID ChainID) (RecordID, error)

	// RevokeRecord marks a Data record dead. The pair is removed for
	// good by the next GarbageCollect.
	RevokeRecord(chainID ChainID, recordID RecordID) error

	// === Externalization ===

	// ExportChain externalizes a chain as records plus the chain key in
	// plain bytes. Wipe the export once consumed.
	ExportChain(chainID ChainID) (*ChainExport, error)

	// ImportChain verifies an export in full and adds the chain to the
	// store. The export's key is consumed.
	ImportChain(exp *ChainExport) error

	// === Snapshots ===

	// Snapshot writes every chain into one encrypted container under the
	// given name. An empty passphrase falls back to the configured
	// sources.
	Snapshot(ctx context.Context, name, passphrase string) (*persist.SnapshotInfo, error)

	// Restore replaces the store's chains with the contents of a named
	// snapshot after verifying it in full.
	Restore(ctx context.Context, name, passphrase string) error

	// ListSnapshots returns the snapshots held by the persistence
	// backend.
	ListSnapshots(ctx context.Context) ([]persist.SnapshotInfo, error)

	// DeleteSnapshot removes a named snapshot and its manifest entry.
	DeleteSnapshot(ctx context.Context, name string) error

	// === Lifecycle ===

	// MemoryProtection reports the achieved process-wide protection
	// level: "none", "partial" or "full".
	MemoryProtection() string

	// Cipher returns the name of the active cipher provider.
	Cipher() string

	// Close destroys every chain key region and shuts down the audit
	// logger and persistence backend. Idempotent.
	Close() error
}

// Store implements Service.
var _ Service = (*Store)(nil)
