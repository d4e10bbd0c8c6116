package persist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all backends. Callers match them with
// errors.Is; backends wrap them with the artifact name.
var (
	// ErrSnapshotNotFound is returned when a named snapshot does not
	// exist in the backend.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrManifestNotFound is returned when no manifest has been written
	// yet.
	ErrManifestNotFound = errors.New("manifest not found")
)

// VersionedData represents a stored artifact with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// SnapshotInfo describes a stored snapshot without loading its payload.
type SnapshotInfo struct {
	// Name is the caller-chosen snapshot name, unique within the store.
	Name string `json:"name"`

	// Size is the stored container size in bytes.
	Size int64 `json:"size"`

	// CreatedAt marks when the snapshot was written.
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the interface for persisting chain store data.
// All payloads passed through this interface are sealed by the engine
// layer before they arrive here; backends never see plaintext chain
// material.
//
// Two artifact classes exist:
//
//   - Snapshots: opaque encrypted containers, addressed by name.
//   - The manifest: a single bookkeeping document maintained with
//     optimistic concurrency so that concurrent writers detect each
//     other instead of silently overwriting.
type Store interface {

	// Snapshot operations

	// SaveSnapshot stores an encrypted snapshot container under the
	// given name, replacing any previous snapshot of that name.
	SaveSnapshot(ctx context.Context, name string, data []byte) error

	// LoadSnapshot retrieves the container stored under name.
	// Returns:
	// - The container bytes.
	// - ErrSnapshotNotFound (wrapped) if no such snapshot exists.
	LoadSnapshot(ctx context.Context, name string) ([]byte, error)

	// SnapshotExists checks whether a snapshot of the given name is present.
	SnapshotExists(ctx context.Context, name string) (bool, error)

	// ListSnapshots retrieves descriptions of every stored snapshot,
	// sorted by name.
	ListSnapshots(ctx context.Context) ([]SnapshotInfo, error)

	// DeleteSnapshot removes the named snapshot.
	// Returns:
	// - ErrSnapshotNotFound (wrapped) if no such snapshot exists.
	DeleteSnapshot(ctx context.Context, name string) error

	// Manifest operations

	// SaveManifest stores the manifest document with optimistic
	// concurrency control. When expectedVersion is non-empty the write
	// fails with ConcurrencyError unless the stored version still
	// matches.
	// Returns:
	// - The new version of the stored manifest.
	SaveManifest(ctx context.Context, data []byte, expectedVersion string) (newVersion string, err error)

	// LoadManifest retrieves the manifest together with its current
	// version.
	// Returns:
	// - ErrManifestNotFound (wrapped) if no manifest has been written.
	LoadManifest(ctx context.Context) (*VersionedData, error)

	// ManifestExists checks whether a manifest is present.
	ManifestExists(ctx context.Context) (bool, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	// Returns:
	// - An error if the connectivity test fails.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	// Returns:
	// - A string such as "filesystem", "bbolt" or "s3".
	GetType() string
}

// StoreConfig represents the store bookkeeping record kept alongside the
// data. It is written once at initialization and its LastAccess field is
// refreshed on Close.
type StoreConfig struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem indicates that the local file system should be
	// used for storage.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeBbolt indicates that a single-file bbolt database should
	// be used for storage.
	StoreTypeBbolt StoreType = "bbolt"

	// StoreTypeS3 indicates that an S3-compatible object store should be
	// used as the storage backend.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
