package strongroom

import (
	"southwinds.dev/strongroom/audit"
	"southwinds.dev/strongroom/crypt"
)

// Options configures a Store.
//
// The structure separates operational configuration, which may travel
// through config files and flags, from sensitive parameters that must
// never be serialized. Sensitive fields carry `json:"-"` so they cannot
// leak through configuration dumps, logging middleware or accidental
// marshalling; they are provided at runtime through secure channels
// (environment, OS keyring, interactive prompt).
type Options struct {
	// Cipher seals and opens record payloads. Leave nil for the default
	// XChaCha20-Poly1305 provider. Custom providers must keep the
	// Provider contract: non-deterministic sealing and authenticated
	// opening.
	Cipher crypt.Provider `json:"-"`

	// StoreDSN selects the snapshot persistence backend:
	//
	//	file:///var/lib/strongroom
	//	bbolt:///var/lib/strongroom/snapshots.db
	//	s3://endpoint/bucket?prefix=strongroom
	//
	// Empty means the store is purely in-memory and snapshot operations
	// are unavailable.
	StoreDSN string `json:"store_dsn,omitempty"`

	// EnableMemoryLock asks the process to lock its address space so
	// secret material cannot be swapped to disk. Failure to lock is
	// reported through the audit log and the store continues with the
	// protection level the platform granted.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// AuditConfig selects and configures the audit backend. Nil or
	// disabled yields a no-op logger.
	AuditConfig *audit.Config `json:"audit_config,omitempty"`

	// SnapshotPassphrase is the passphrase snapshots are sealed under
	// when the caller does not pass one explicitly. Never serialized.
	SnapshotPassphrase string `json:"-"`

	// EnvPassphraseVar names an environment variable to read the
	// snapshot passphrase from. Preferred over SnapshotPassphrase for
	// deployments where process arguments and config files are visible
	// to operators.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// UserID tags audit events with the acting principal. Defaults to
	// "system".
	UserID string `json:"-"`
}

// DefaultOptions returns a purely in-memory configuration with memory
// locking enabled and auditing disabled.
func DefaultOptions() Options {
	return Options{
		EnableMemoryLock: true,
	}
}
