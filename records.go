package strongroom

import (
	"context"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/strongroom/guard"
)

// WriteRecord seals plaintext under the chain key and appends it as a
// new Data record, returning the record's identifier.
//
// The record receives the next counter in the chain's strictly
// contiguous sequence; the append is verified against the chain
// invariants and rejected rather than repaired if they do not hold. The
// hint travels in plaintext next to the sealed payload so listings stay
// usable; it must never carry secret material.
//
// The store consumes the plaintext slice: it is wiped once sealed,
// and also when the operation fails. Callers that need the value
// afterwards must pass a copy.
func (s *Store) WriteRecord(chainID ChainID, plaintext []byte, hint RecordHint) (RecordID, error) {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "RECORD_WRITE_INITIATED", nil, map[string]interface{}{
		"chain_id":     chainID.String(),
		"payload_size": len(plaintext),
		"hint":         hint.String(),
	})

	if err := validatePayload(plaintext); err != nil {
		memguard.WipeBytes(plaintext)
		s.logAudit(requestID, "RECORD_WRITE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "invalid_payload",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return RecordID{}, err
	}
	defer memguard.WipeBytes(plaintext)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logAudit(requestID, "RECORD_WRITE_FAILED", ErrStoreClosed, nil)
		return RecordID{}, ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		s.logAudit(requestID, "RECORD_WRITE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "chain_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return RecordID{}, err
	}

	var sealed []byte
	err = c.borrowKey(func(key []byte) error {
		var sealErr error
		sealed, sealErr = s.cipher.Seal(key, plaintext)
		if sealErr != nil {
			return fmt.Errorf("%w: %v", ErrSealFailure, sealErr)
		}
		return nil
	})
	if err != nil {
		s.logAudit(requestID, "RECORD_WRITE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "seal_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return RecordID{}, err
	}

	recordID, err := NewRecordID()
	if err != nil {
		s.logAudit(requestID, "RECORD_WRITE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "id_generation_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return RecordID{}, err
	}

	rec := Record{
		ID:      recordID,
		Owner:   c.owner(),
		Counter: c.lastCounter() + 1,
		Kind:    KindData,
		Hint:    hint,
		Sealed:  sealed,
	}
	if err := c.append(rec); err != nil {
		s.logAudit(requestID, "RECORD_WRITE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "append_rejected",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return RecordID{}, err
	}

	s.logAudit(requestID, "RECORD_WRITE_COMPLETED", nil, map[string]interface{}{
		"chain_id":    chainID.String(),
		"record_id":   recordID.String(),
		"counter":     rec.Counter,
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
	return recordID, nil
}

// ReadRecord opens the sealed payload of a live Data record and returns
// the plaintext inside a guarded memory region.
//
// The caller borrows the region to view the bytes and must destroy it
// when done; destruction wipes the plaintext before the pages are
// returned. Reads of revoked records fail with ErrRecordRevoked, unknown
// records with ErrRecordNotFound, and payloads that do not verify under
// the chain key with ErrOpenFailure.
func (s *Store) ReadRecord(chainID ChainID, recordID RecordID) (*guard.Region, error) {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "RECORD_READ_INITIATED", nil, map[string]interface{}{
		"chain_id":  chainID.String(),
		"record_id": recordID.String(),
	})

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logAudit(requestID, "RECORD_READ_FAILED", ErrStoreClosed, nil)
		return nil, ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		s.logAudit(requestID, "RECORD_READ_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "chain_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}

	idx, found := c.findData(recordID)
	if !found {
		err := fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
		s.logAudit(requestID, "RECORD_READ_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"record_id":      recordID.String(),
			"failure_reason": "record_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}
	if c.isRevoked(recordID) {
		err := fmt.Errorf("record %s: %w", recordID, ErrRecordRevoked)
		s.logAudit(requestID, "RECORD_READ_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"record_id":      recordID.String(),
			"failure_reason": "record_revoked",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}

	var region *guard.Region
	err = c.borrowKey(func(key []byte) error {
		plaintext, openErr := s.cipher.Open(key, c.records[idx].Sealed)
		if openErr != nil {
			return fmt.Errorf("record %s: %w: %v", recordID, ErrOpenFailure, openErr)
		}
		// Alloc moves the plaintext into guarded pages and wipes the
		// transient copy.
		guarded, allocErr := guard.Alloc(plaintext)
		if allocErr != nil {
			return allocErr
		}
		region = guarded
		return nil
	})
	if err != nil {
		s.logAudit(requestID, "RECORD_READ_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"record_id":      recordID.String(),
			"failure_reason": "open_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}

	s.logAudit(requestID, "RECORD_READ_COMPLETED", nil, map[string]interface{}{
		"chain_id":     chainID.String(),
		"record_id":    recordID.String(),
		"payload_size": region.Len(),
		"duration_ms":  time.Since(startTime).Milliseconds(),
	})
	return region, nil
}

// UseRecord hands the decrypted payload of a record to fn and wipes it
// when fn returns. The slice aliases guarded read-only pages and must
// not escape the callback.
func (s *Store) UseRecord(chainID ChainID, recordID RecordID, fn func(plaintext []byte) error) error {
	region, err := s.ReadRecord(chainID, recordID)
	if err != nil {
		return err
	}
	defer region.Destroy()

	ref, err := region.Borrow()
	if err != nil {
		return err
	}
	defer ref.Release()

	return fn(ref.Bytes())
}

// UseRecordWithContext behaves like UseRecord but abandons the wait for
// fn when ctx is cancelled. The payload region is destroyed either way;
// a callback that ignores cancellation keeps running against freed
// plaintext at its own risk, exactly like any use of the slice after
// return.
func (s *Store) UseRecordWithContext(ctx context.Context, chainID ChainID, recordID RecordID, fn func(plaintext []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	region, err := s.ReadRecord(chainID, recordID)
	if err != nil {
		return err
	}

	// The borrow is released before the channel send so the receiver can
	// destroy the region the moment the result arrives.
	done := make(chan error, 1)
	go func() {
		done <- func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in record usage: %v", r)
				}
			}()
			ref, err := region.Borrow()
			if err != nil {
				return err
			}
			defer ref.Release()
			return fn(ref.Bytes())
		}()
	}()

	select {
	case <-ctx.Done():
		// The region is intentionally leaked until the callback
		// finishes; destroying it under the callback would turn a slow
		// consumer into a fault.
		go func() {
			<-done
			region.Destroy()
		}()
		return ctx.Err()
	case err = <-done:
		region.Destroy()
		return err
	}
}

// ListRecords returns the identifier and hint of every live Data record
// in the chain, oldest first. Payloads are never included.
func (s *Store) ListRecords(chainID ChainID) ([]RecordEntry, error) {
	requestID := s.newRequestID()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		s.logAudit(requestID, "RECORD_LIST_FAILED", err, map[string]interface{}{
			"chain_id": chainID.String(),
		})
		return nil, err
	}

	live := c.live()
	entries := make([]RecordEntry, 0, len(live))
	for _, rec := range live {
		entries = append(entries, RecordEntry{ID: rec.ID, Hint: rec.Hint})
	}

	s.logAudit(requestID, "RECORD_LIST_COMPLETED", nil, map[string]interface{}{
		"chain_id":     chainID.String(),
		"record_count": len(entries),
	})
	return entries, nil
}

// Head returns the identifier of the latest live Data record of the
// chain. A chain with no live records reports ErrRecordNotFound.
func (s *Store) Head(chainID ChainID) (RecordID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return RecordID{}, ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		return RecordID{}, err
	}

	id, ok := c.head()
	if !ok {
		return RecordID{}, fmt.Errorf("chain %s has no live records: %w", chainID, ErrRecordNotFound)
	}
	return id, nil
}

// ReadHead opens the payload of the chain head. Shorthand for Head
// followed by ReadRecord; a chain with no live records reports
// ErrRecordNotFound.
func (s *Store) ReadHead(chainID ChainID) (*guard.Region, error) {
	head, err := s.Head(chainID)
	if err != nil {
		return nil, err
	}
	return s.ReadRecord(chainID, head)
}

// RevokeRecord appends a Revocation record targeting an existing Data
// record. The target stays in the chain, unreadable, until
// GarbageCollect rebuilds the chain without it. Revoking a record twice
// fails with ErrRecordRevoked.
func (s *Store) RevokeRecord(chainID ChainID, recordID RecordID) error {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "RECORD_REVOKE_INITIATED", nil, map[string]interface{}{
		"chain_id":  chainID.String(),
		"record_id": recordID.String(),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logAudit(requestID, "RECORD_REVOKE_FAILED", ErrStoreClosed, nil)
		return ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		s.logAudit(requestID, "RECORD_REVOKE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "chain_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	if _, found := c.findData(recordID); !found {
		err := fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
		s.logAudit(requestID, "RECORD_REVOKE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"record_id":      recordID.String(),
			"failure_reason": "record_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}
	if c.isRevoked(recordID) {
		err := fmt.Errorf("record %s: %w", recordID, ErrRecordRevoked)
		s.logAudit(requestID, "RECORD_REVOKE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"record_id":      recordID.String(),
			"failure_reason": "already_revoked",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	revocationID, err := NewRecordID()
	if err != nil {
		s.logAudit(requestID, "RECORD_REVOKE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "id_generation_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	rec := Record{
		ID:      revocationID,
		Owner:   c.owner(),
		Counter: c.lastCounter() + 1,
		Kind:    KindRevocation,
		Target:  recordID,
	}
	if err := c.append(rec); err != nil {
		s.logAudit(requestID, "RECORD_REVOKE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "append_rejected",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	s.logAudit(requestID, "RECORD_REVOKE_COMPLETED", nil, map[string]interface{}{
		"chain_id":    chainID.String(),
		"record_id":   recordID.String(),
		"counter":     rec.Counter,
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
	return nil
}
