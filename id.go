package strongroom

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// IDSize is the width of chain and record identifiers in bytes. 24 bytes
// of CSPRNG output make collisions statistically irrelevant without
// coordination.
const IDSize = 24

// idEncoding is URL-safe Base64 (RFC 4648 section 5) with strict
// decoding: padding is required and non-canonical trailing bits are
// rejected, so every identifier has exactly one textual form.
var idEncoding = base64.URLEncoding.Strict()

// ChainID identifies a record chain and doubles as the owner stamped
// into every record of the chain.
type ChainID [IDSize]byte

// RecordID identifies a single record within a chain.
type RecordID [IDSize]byte

// NewChainID returns a fresh random chain identifier.
func NewChainID() (ChainID, error) {
	var id ChainID
	if err := fillRandom(id[:]); err != nil {
		return ChainID{}, err
	}
	return id, nil
}

// NewRecordID returns a fresh random record identifier.
func NewRecordID() (RecordID, error) {
	var id RecordID
	if err := fillRandom(id[:]); err != nil {
		return RecordID{}, err
	}
	return id, nil
}

// DecodeChainID parses the textual form produced by ChainID.String.
// Anything but canonical URL-safe Base64 of the exact identifier width
// fails with ErrInvalidEncoding.
func DecodeChainID(s string) (ChainID, error) {
	var id ChainID
	if err := decodeID(id[:], s); err != nil {
		return ChainID{}, err
	}
	return id, nil
}

// DecodeRecordID parses the textual form produced by RecordID.String.
func DecodeRecordID(s string) (RecordID, error) {
	var id RecordID
	if err := decodeID(id[:], s); err != nil {
		return RecordID{}, err
	}
	return id, nil
}

func (id ChainID) String() string { return idEncoding.EncodeToString(id[:]) }

func (id RecordID) String() string { return idEncoding.EncodeToString(id[:]) }

// MarshalText lets identifiers serialize as their canonical string form,
// including as JSON object keys.
func (id ChainID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ChainID) UnmarshalText(text []byte) error {
	decoded, err := DecodeChainID(string(text))
	if err != nil {
		return err
	}
	*id = decoded
	return nil
}

func (id RecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RecordID) UnmarshalText(text []byte) error {
	decoded, err := DecodeRecordID(string(text))
	if err != nil {
		return err
	}
	*id = decoded
	return nil
}

func fillRandom(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("failed to generate identifier: %w", err)
	}
	return nil
}

func decodeID(dst []byte, s string) error {
	raw, err := idEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%w: decoded to %d bytes, want %d", ErrInvalidEncoding, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
