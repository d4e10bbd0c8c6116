package strongroom

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

// GarbageCollect rebuilds a chain with only its live records and reports
// how many records were dropped.
//
// The rebuilt chain starts with a fresh Init record (counter zero, same
// owner) followed by the surviving Data records in their original order,
// renumbered contiguously from one. Their identifiers, hints and sealed
// payloads are untouched. Dropped are: Data records with a standing
// revocation, every Revocation record, and any record that fails
// verification, either because its owner does not match the chain's
// Init record or because its payload does not authenticate under the
// chain key.
//
// The rebuild is atomic. It happens aside and replaces the chain only
// when complete; on error the chain is exactly as it was. Collecting a
// chain with no garbage returns zero with the live sequence unchanged.
func (s *Store) GarbageCollect(chainID ChainID) (int, error) {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "CHAIN_GC_INITIATED", nil, map[string]interface{}{
		"chain_id": chainID.String(),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logAudit(requestID, "CHAIN_GC_FAILED", ErrStoreClosed, nil)
		return 0, ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		s.logAudit(requestID, "CHAIN_GC_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "chain_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return 0, err
	}

	survivors, err := s.verifiedLiveRecords(c)
	if err != nil {
		s.logAudit(requestID, "CHAIN_GC_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "verification_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return 0, err
	}

	rebuilt, err := rebuildChain(c, survivors)
	if err != nil {
		s.logAudit(requestID, "CHAIN_GC_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "rebuild_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return 0, err
	}

	removed := (len(c.records) - 1) - len(survivors)
	c.records = rebuilt

	s.logAudit(requestID, "CHAIN_GC_COMPLETED", nil, map[string]interface{}{
		"chain_id":     chainID.String(),
		"removed":      removed,
		"live_records": len(survivors),
		"duration_ms":  time.Since(startTime).Milliseconds(),
	})

	return removed, nil
}

// verifiedLiveRecords returns the Data records that survive collection:
// not revoked, owned by the chain's Init owner, and opening cleanly
// under the chain key. Everything else is silently excluded; exclusion
// is the handling for unverifiable records.
func (s *Store) verifiedLiveRecords(c *chain) ([]Record, error) {
	owner := c.owner()
	var survivors []Record

	err := c.borrowKey(func(key []byte) error {
		for _, rec := range c.records[1:] {
			if rec.Kind != KindData {
				continue
			}
			if c.isRevoked(rec.ID) {
				continue
			}
			if rec.Owner != owner {
				continue
			}
			plaintext, openErr := s.cipher.Open(key, rec.Sealed)
			if openErr != nil {
				continue
			}
			memguard.WipeBytes(plaintext)
			survivors = append(survivors, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return survivors, nil
}

// rebuildChain assembles the replacement record sequence: fresh Init,
// then the survivors renumbered from one. The result is validated
// through the same append path as regular writes.
func rebuildChain(c *chain, survivors []Record) ([]Record, error) {
	initID, err := NewRecordID()
	if err != nil {
		return nil, err
	}

	fresh := &chain{id: c.id}
	if err := fresh.append(Record{ID: initID, Owner: c.owner(), Counter: 0, Kind: KindInit}); err != nil {
		return nil, err
	}
	for i, rec := range survivors {
		rec.Counter = uint64(i + 1)
		if err := fresh.append(rec); err != nil {
			return nil, fmt.Errorf("failed to rebuild chain: %w", err)
		}
	}
	return fresh.records, nil
}
