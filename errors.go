package strongroom

import (
	"errors"

	"southwinds.dev/strongroom/guard"
)

// Failure classes of the record store. Errors returned by Store methods
// wrap one of these sentinels with operation context; callers classify
// with errors.Is.
var (
	// ErrChainNotFound reports an operation against an unknown chain ID.
	ErrChainNotFound = errors.New("chain not found")

	// ErrRecordNotFound reports an operation against a record ID the
	// chain has never carried.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordRevoked reports a read of a record with a standing
	// revocation mark.
	ErrRecordRevoked = errors.New("record has been revoked")

	// ErrChainCorruption reports a record sequence that breaks the chain
	// invariants: missing or misplaced Init, a counter gap, or a
	// duplicate live record. Corruption is reported, never repaired in
	// place; GarbageCollect rebuilds a chain explicitly.
	ErrChainCorruption = errors.New("chain corrupted")

	// ErrUnauthorized reports a record whose ownership does not verify
	// against the chain's Init record.
	ErrUnauthorized = errors.New("record failed ownership verification")

	// ErrSealFailure reports that a payload could not be sealed.
	ErrSealFailure = errors.New("payload seal failed")

	// ErrOpenFailure reports that a sealed payload did not verify, was
	// truncated, or was sealed under a different key. No plaintext is
	// returned alongside it.
	ErrOpenFailure = errors.New("payload open failed")

	// ErrInvalidEncoding reports an identifier string that is not strict
	// URL-safe Base64 of the right length.
	ErrInvalidEncoding = errors.New("invalid identifier encoding")

	// ErrChainExists reports an import colliding with a chain already
	// held by the store.
	ErrChainExists = errors.New("chain already exists")

	// ErrStoreClosed reports use of a store after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// ErrResourceExhausted reports that the guarded allocator hit the
// platform ceiling on locked or mapped memory. It is the only
// recoverable allocator failure; callers may destroy regions or delete
// chains and retry.
var ErrResourceExhausted = guard.ErrResourceExhausted
