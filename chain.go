package strongroom

import (
	"fmt"

	"southwinds.dev/strongroom/guard"
)

// chain is the in-memory state of one record chain: the guarded cipher
// key and the ordered records, starting with the Init record. The store
// serializes all access, so chain methods do no locking of their own.
type chain struct {
	id      ChainID
	key     *guard.Region
	records []Record
}

func (c *chain) owner() ChainID { return c.records[0].Owner }

func (c *chain) lastCounter() uint64 { return c.records[len(c.records)-1].Counter }

// append verifies the chain invariants before accepting rec. Violations
// are rejected, never repaired: a broken sequence surfaces as
// ErrChainCorruption (or ErrUnauthorized for an ownership mismatch) and
// the chain is left untouched.
func (c *chain) append(rec Record) error {
	if len(c.records) == 0 {
		if rec.Kind != KindInit {
			return fmt.Errorf("%w: chain must start with an init record, got %s", ErrChainCorruption, rec.Kind)
		}
		if rec.Counter != 0 {
			return fmt.Errorf("%w: init record carries counter %d, want 0", ErrChainCorruption, rec.Counter)
		}
		c.records = append(c.records, rec)
		return nil
	}

	if rec.Kind == KindInit {
		return fmt.Errorf("%w: init record after chain start", ErrChainCorruption)
	}
	if want := c.lastCounter() + 1; rec.Counter != want {
		return fmt.Errorf("%w: counter gap, record %s carries %d, want %d", ErrChainCorruption, rec.ID, rec.Counter, want)
	}
	if rec.Owner != c.owner() {
		return fmt.Errorf("%w: record %s owned by %s, chain owned by %s", ErrUnauthorized, rec.ID, rec.Owner, c.owner())
	}
	if rec.Kind == KindData {
		for _, existing := range c.records {
			if existing.Kind == KindData && existing.ID == rec.ID {
				return fmt.Errorf("%w: record id %s already used", ErrChainCorruption, rec.ID)
			}
		}
	}
	c.records = append(c.records, rec)
	return nil
}

// findData returns the index of the Data record with the given id.
func (c *chain) findData(id RecordID) (int, bool) {
	for i := len(c.records) - 1; i > 0; i-- {
		if c.records[i].Kind == KindData && c.records[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

// isRevoked reports whether a revocation targeting id stands anywhere in
// the chain. Record ids are never reused within a chain generation, so a
// revocation kills its id until garbage collection rebuilds the chain.
func (c *chain) isRevoked(id RecordID) bool {
	for _, rec := range c.records {
		if rec.Kind == KindRevocation && rec.Target == id {
			return true
		}
	}
	return false
}

// live returns the Data records without a standing revocation, oldest
// first.
func (c *chain) live() []Record {
	var out []Record
	for _, rec := range c.records {
		if rec.Kind == KindData && !c.isRevoked(rec.ID) {
			out = append(out, rec)
		}
	}
	return out
}

// head returns the latest live Data record.
func (c *chain) head() (RecordID, bool) {
	for i := len(c.records) - 1; i > 0; i-- {
		rec := c.records[i]
		if rec.Kind == KindData && !c.isRevoked(rec.ID) {
			return rec.ID, true
		}
	}
	return RecordID{}, false
}

// borrowKey hands the chain key to fn for the duration of the call.
func (c *chain) borrowKey(fn func(key []byte) error) error {
	ref, err := c.key.Borrow()
	if err != nil {
		return fmt.Errorf("failed to borrow chain key: %w", err)
	}
	defer ref.Release()
	return fn(ref.Bytes())
}

// destroy wipes the chain key and drops the records.
func (c *chain) destroy() {
	if c.key != nil {
		c.key.Destroy()
		c.key = nil
	}
	c.records = nil
}

// newChainState opens a fresh chain: the owner secret moves into a
// guarded region and the Init record is written with counter zero.
func newChainState(id ChainID, key *guard.Region) (*chain, error) {
	initID, err := NewRecordID()
	if err != nil {
		return nil, err
	}
	c := &chain{id: id, key: key}
	if err := c.append(Record{ID: initID, Owner: id, Counter: 0, Kind: KindInit}); err != nil {
		return nil, err
	}
	return c, nil
}
