package strongroom

import (
	"bytes"
	"fmt"
)

// RecordKind discriminates the three record types a chain carries. The
// numeric values are part of the persisted format and never change.
type RecordKind uint64

const (
	// KindData carries a sealed payload.
	KindData RecordKind = 1

	// KindRevocation marks an earlier Data record as dead.
	KindRevocation RecordKind = 2

	// KindInit opens a chain and names its owner. It is always record
	// zero with counter zero.
	KindInit RecordKind = 10
)

func (k RecordKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindRevocation:
		return "revocation"
	case KindInit:
		return "init"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// HintSize is the fixed width of record hints.
const HintSize = 24

// RecordHint is a short, non-sensitive label attached to a Data record
// so listings are usable without opening payloads. Hints are stored
// zero-padded to a fixed width; they are plaintext and must never carry
// secret material.
type RecordHint [HintSize]byte

// NewRecordHint builds a hint from s. Hints longer than HintSize bytes
// are rejected rather than truncated.
func NewRecordHint(s string) (RecordHint, error) {
	var h RecordHint
	if len(s) > HintSize {
		return RecordHint{}, fmt.Errorf("hint %q exceeds %d bytes", s, HintSize)
	}
	copy(h[:], s)
	return h, nil
}

// String returns the hint with its zero padding trimmed.
func (h RecordHint) String() string {
	return string(bytes.TrimRight(h[:], "\x00"))
}

func (h RecordHint) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *RecordHint) UnmarshalText(text []byte) error {
	parsed, err := NewRecordHint(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Record is one link of a chain. Fields are populated by kind: Init
// records carry only the owner, Data records add Hint and Sealed,
// Revocation records add Target.
type Record struct {
	ID      RecordID   `json:"id"`
	Owner   ChainID    `json:"owner"`
	Counter uint64     `json:"counter"`
	Kind    RecordKind `json:"kind"`
	Hint    RecordHint `json:"hint,omitempty"`
	Target  RecordID   `json:"target,omitempty"`
	Sealed  []byte     `json:"sealed,omitempty"`
}

// RecordEntry is what listings return: the identifier and hint of a live
// Data record, never its payload.
type RecordEntry struct {
	ID   RecordID   `json:"id"`
	Hint RecordHint `json:"hint"`
}
