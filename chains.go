package strongroom

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/strongroom/guard"
)

// CreateChain opens a new record chain keyed by ownerSecret and returns
// its identifier.
//
// The secret becomes the chain's cipher key: it must match the active
// provider's key size exactly and must not be trivially weak. The store
// consumes the slice, moving it into a guarded memory region and wiping
// the caller's copy, on failure as well as success. The chain starts
// with a single Init record carrying counter zero and the chain ID as
// owner; every later record is verified against that owner.
//
// Chains are held purely in memory until exported through Snapshot or
// ExportChain. When the platform ceiling on guarded allocations is
// reached the error matches ErrResourceExhausted; destroying other
// regions or deleting chains frees capacity.
func (s *Store) CreateChain(ownerSecret []byte) (ChainID, error) {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "CHAIN_CREATE_INITIATED", nil, map[string]interface{}{
		"secret_size": len(ownerSecret),
	})

	if err := s.validateChainSecret(ownerSecret); err != nil {
		guard.Wipe(ownerSecret)
		s.logAudit(requestID, "CHAIN_CREATE_FAILED", err, map[string]interface{}{
			"failure_reason": "invalid_secret",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return ChainID{}, err
	}

	key, err := guard.Alloc(ownerSecret)
	if err != nil {
		allocErr := fmt.Errorf("failed to guard chain key: %w", err)
		s.logAudit(requestID, "CHAIN_CREATE_FAILED", allocErr, map[string]interface{}{
			"failure_reason": "guard_allocation_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return ChainID{}, allocErr
	}

	id, err := NewChainID()
	if err != nil {
		key.Destroy()
		s.logAudit(requestID, "CHAIN_CREATE_FAILED", err, map[string]interface{}{
			"failure_reason": "id_generation_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return ChainID{}, err
	}

	c, err := newChainState(id, key)
	if err != nil {
		key.Destroy()
		s.logAudit(requestID, "CHAIN_CREATE_FAILED", err, map[string]interface{}{
			"failure_reason": "init_record_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return ChainID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		key.Destroy()
		s.logAudit(requestID, "CHAIN_CREATE_FAILED", ErrStoreClosed, map[string]interface{}{
			"failure_reason": "store_closed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return ChainID{}, ErrStoreClosed
	}
	s.chains[id] = c

	s.logAudit(requestID, "CHAIN_CREATE_COMPLETED", nil, map[string]interface{}{
		"chain_id":    id.String(),
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
	return id, nil
}

// DeleteChain removes a chain outright: the key region is destroyed and
// every record, live or revoked, is dropped. The operation cannot be
// undone from memory; only a prior snapshot can bring the chain back.
func (s *Store) DeleteChain(chainID ChainID) error {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "CHAIN_DELETE_INITIATED", nil, map[string]interface{}{
		"chain_id": chainID.String(),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logAudit(requestID, "CHAIN_DELETE_FAILED", ErrStoreClosed, nil)
		return ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		s.logAudit(requestID, "CHAIN_DELETE_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "chain_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	recordCount := len(c.records)
	c.destroy()
	delete(s.chains, chainID)

	s.logAudit(requestID, "CHAIN_DELETE_COMPLETED", nil, map[string]interface{}{
		"chain_id":     chainID.String(),
		"record_count": recordCount,
		"duration_ms":  time.Since(startTime).Milliseconds(),
	})
	return nil
}

// Chains returns the identifiers of every chain in the store, in a
// stable order.
func (s *Store) Chains() ([]ChainID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]ChainID, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids, nil
}

// RekeyChain re-seals every Data record of a chain under newSecret and
// swaps the guarded key region. The pass is atomic: if any payload fails
// to open under the current key the chain and its key are left exactly
// as they were. The new secret is consumed and wiped like in
// CreateChain.
func (s *Store) RekeyChain(chainID ChainID, newSecret []byte) error {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "CHAIN_REKEY_INITIATED", nil, map[string]interface{}{
		"chain_id": chainID.String(),
	})

	if err := s.validateChainSecret(newSecret); err != nil {
		guard.Wipe(newSecret)
		s.logAudit(requestID, "CHAIN_REKEY_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "invalid_secret",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	newKey, err := guard.Alloc(newSecret)
	if err != nil {
		allocErr := fmt.Errorf("failed to guard new chain key: %w", err)
		s.logAudit(requestID, "CHAIN_REKEY_FAILED", allocErr, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "guard_allocation_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return allocErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		newKey.Destroy()
		s.logAudit(requestID, "CHAIN_REKEY_FAILED", ErrStoreClosed, nil)
		return ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		newKey.Destroy()
		s.logAudit(requestID, "CHAIN_REKEY_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "chain_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	resealed, err := s.resealRecords(c, newKey)
	if err != nil {
		newKey.Destroy()
		s.logAudit(requestID, "CHAIN_REKEY_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "reseal_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	oldKey := c.key
	c.records = resealed
	c.key = newKey
	oldKey.Destroy()

	s.logAudit(requestID, "CHAIN_REKEY_COMPLETED", nil, map[string]interface{}{
		"chain_id":     chainID.String(),
		"record_count": len(resealed),
		"duration_ms":  time.Since(startTime).Milliseconds(),
	})
	return nil
}

// resealRecords opens every Data payload under the chain's current key
// and seals it again under newKey. Records of other kinds are copied
// unchanged. Revoked Data records are re-sealed as well so the chain
// stays uniformly keyed until garbage collection drops them.
func (s *Store) resealRecords(c *chain, newKey *guard.Region) ([]Record, error) {
	out := make([]Record, 0, len(c.records))

	err := c.borrowKey(func(oldKeyBytes []byte) error {
		newRef, err := newKey.Borrow()
		if err != nil {
			return fmt.Errorf("failed to borrow new chain key: %w", err)
		}
		defer newRef.Release()

		for _, rec := range c.records {
			if rec.Kind != KindData {
				out = append(out, rec)
				continue
			}
			plaintext, err := s.cipher.Open(oldKeyBytes, rec.Sealed)
			if err != nil {
				return fmt.Errorf("record %s: %w: %v", rec.ID, ErrOpenFailure, err)
			}
			sealed, err := s.cipher.Seal(newRef.Bytes(), plaintext)
			memguard.WipeBytes(plaintext)
			if err != nil {
				return fmt.Errorf("record %s: %w: %v", rec.ID, ErrSealFailure, err)
			}
			rec.Sealed = sealed
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
