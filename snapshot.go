package strongroom

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand"
	"sort"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/ulikunitz/xz/lzma"

	"southwinds.dev/strongroom/crypt"
	"southwinds.dev/strongroom/guard"
	"southwinds.dev/strongroom/persist"
)

const (
	// snapshotFormatVersion tags the container layout. Bump only with a
	// migration path for reading the previous version.
	snapshotFormatVersion = "1.0"

	compressionLZMA = "lzma"
)

// Manifest saves are retried on version conflicts with exponential
// backoff.
const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second
)

var errSnapshotsDisabled = errors.New("snapshot persistence is not configured: set StoreDSN or use NewWithStore")

// ChainExport is the externalized form of one chain: its identifier, its
// cipher key in plain bytes, and the full record sequence. It is the
// hand-off representation between the store and the persistence layer;
// the key is only as safe as the memory it sits in, so consume the
// export promptly and call Wipe.
type ChainExport struct {
	ChainID ChainID  `json:"chain_id"`
	Key     []byte   `json:"key"`
	Records []Record `json:"records"`
}

// Wipe scrubs the key material and drops the records. Safe to call more
// than once.
func (e *ChainExport) Wipe() {
	if e == nil {
		return
	}
	memguard.WipeBytes(e.Key)
	e.Key = nil
	e.Records = nil
}

// snapshotArchive is the plaintext interior of a snapshot: every chain
// of the store, keys included. It exists only between serialization and
// sealing, and is wiped as soon as the container is built.
type snapshotArchive struct {
	Chains []ChainExport `json:"chains"`
}

// snapshotContainer is the persisted snapshot document. Payload is the
// archive JSON, LZMA-compressed and sealed under a key derived from the
// snapshot passphrase; the rest is what Restore needs to reverse that
// pipeline and to detect tampering before it tries.
type snapshotContainer struct {
	FormatVersion string    `json:"format_version"`
	SnapshotID    string    `json:"snapshot_id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	Cipher        string    `json:"cipher"`
	KDF           string    `json:"kdf"`
	Salt          []byte    `json:"salt"`
	Compression   string    `json:"compression"`
	ChainCount    int       `json:"chain_count"`
	Payload       string    `json:"payload"`
	Checksum      string    `json:"checksum"`
}

// snapshotManifest is the backend-wide snapshot catalog, stored through
// the versioned manifest channel so concurrent writers conflict instead
// of overwriting each other. Restore cross-checks a loaded container
// against its entry to catch substituted or rolled-back snapshots.
type snapshotManifest struct {
	Updated time.Time                `json:"updated"`
	Entries map[string]manifestEntry `json:"entries"`
}

type manifestEntry struct {
	SnapshotID string    `json:"snapshot_id"`
	CreatedAt  time.Time `json:"created_at"`
	Checksum   string    `json:"checksum"`
	ChainCount int       `json:"chain_count"`
	Cipher     string    `json:"cipher"`
}

// ExportChain externalizes a chain as its record sequence plus the chain
// key, deep-copied so the export stays valid after later store
// mutations.
//
// The returned export holds the key in unprotected memory. It exists for
// hand-off to a persistence or transfer layer; call Wipe the moment it
// has been consumed, or feed it straight back to ImportChain, which
// consumes and wipes the key itself.
func (s *Store) ExportChain(chainID ChainID) (*ChainExport, error) {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "CHAIN_EXPORT_INITIATED", nil, map[string]interface{}{
		"chain_id": chainID.String(),
	})

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logAudit(requestID, "CHAIN_EXPORT_FAILED", ErrStoreClosed, nil)
		return nil, ErrStoreClosed
	}
	c, err := s.chainLocked(chainID)
	if err != nil {
		s.logAudit(requestID, "CHAIN_EXPORT_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "chain_not_found",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}

	exp, err := exportChainLocked(c)
	if err != nil {
		s.logAudit(requestID, "CHAIN_EXPORT_FAILED", err, map[string]interface{}{
			"chain_id":       chainID.String(),
			"failure_reason": "key_borrow_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}

	s.logAudit(requestID, "CHAIN_EXPORT_COMPLETED", nil, map[string]interface{}{
		"chain_id":     chainID.String(),
		"record_count": len(exp.Records),
		"duration_ms":  time.Since(startTime).Milliseconds(),
	})
	return exp, nil
}

// exportChainLocked deep-copies one chain into its externalized form.
// The caller holds s.mu in either mode.
func exportChainLocked(c *chain) (*ChainExport, error) {
	var keyCopy []byte
	err := c.borrowKey(func(key []byte) error {
		keyCopy = append([]byte(nil), key...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(c.records))
	copy(records, c.records)
	for i := range records {
		if records[i].Sealed != nil {
			records[i].Sealed = append([]byte(nil), records[i].Sealed...)
		}
	}
	return &ChainExport{ChainID: c.id, Key: keyCopy, Records: records}, nil
}

// exportAllLocked externalizes every chain in stable ID order. On error
// the exports built so far are wiped. The caller holds s.mu.
func (s *Store) exportAllLocked() ([]ChainExport, error) {
	ids := make([]ChainID, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	exports := make([]ChainExport, 0, len(ids))
	for _, id := range ids {
		exp, err := exportChainLocked(s.chains[id])
		if err != nil {
			for i := range exports {
				exports[i].Wipe()
			}
			return nil, fmt.Errorf("chain %s: %w", id, err)
		}
		exports = append(exports, *exp)
	}
	return exports, nil
}

// ImportChain reconstructs a chain from its externalized form and adds
// it to the store.
//
// The export is verified in full before anything becomes visible: the
// sequence must start with an Init record and keep strictly contiguous
// counters (ErrChainCorruption otherwise), every record's owner must
// match the chain's Init owner (ErrUnauthorized), and every Data payload
// must authenticate under the export key (ErrUnauthorized). Nothing is
// repaired during import; a broken export is rejected whole. Importing a
// chain ID the store already holds fails with ErrChainExists.
//
// The export's key is consumed: it moves into a guarded region on
// success and is wiped on every path, so the caller's ChainExport is
// spent either way.
func (s *Store) ImportChain(exp *ChainExport) error {
	startTime := time.Now()
	requestID := s.newRequestID()

	if exp == nil {
		return fmt.Errorf("%w: export carries no records", ErrChainCorruption)
	}

	s.logAudit(requestID, "CHAIN_IMPORT_INITIATED", nil, map[string]interface{}{
		"chain_id":     exp.ChainID.String(),
		"record_count": len(exp.Records),
	})

	c, err := s.buildChainFromExport(exp)
	if err != nil {
		s.logAudit(requestID, "CHAIN_IMPORT_FAILED", err, map[string]interface{}{
			"chain_id":       exp.ChainID.String(),
			"failure_reason": "verification_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		c.destroy()
		s.logAudit(requestID, "CHAIN_IMPORT_FAILED", ErrStoreClosed, nil)
		return ErrStoreClosed
	}
	if _, exists := s.chains[exp.ChainID]; exists {
		c.destroy()
		err := fmt.Errorf("chain %s: %w", exp.ChainID, ErrChainExists)
		s.logAudit(requestID, "CHAIN_IMPORT_FAILED", err, map[string]interface{}{
			"chain_id":       exp.ChainID.String(),
			"failure_reason": "chain_exists",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}
	s.chains[exp.ChainID] = c

	s.logAudit(requestID, "CHAIN_IMPORT_COMPLETED", nil, map[string]interface{}{
		"chain_id":     exp.ChainID.String(),
		"record_count": len(c.records),
		"duration_ms":  time.Since(startTime).Milliseconds(),
	})
	return nil
}

// buildChainFromExport verifies an export end to end and assembles the
// in-memory chain: records replayed through the same append verification
// as live writes, every Data payload authenticated under the export key,
// and the key moved into a guarded region. The export key is consumed
// and wiped on failure as well as success.
func (s *Store) buildChainFromExport(exp *ChainExport) (*chain, error) {
	if exp == nil || len(exp.Records) == 0 {
		if exp != nil {
			guard.Wipe(exp.Key)
		}
		return nil, fmt.Errorf("%w: export carries no records", ErrChainCorruption)
	}
	if err := s.validateChainSecret(exp.Key); err != nil {
		guard.Wipe(exp.Key)
		return nil, fmt.Errorf("invalid export key: %w", err)
	}
	if exp.Records[0].Kind == KindInit && exp.Records[0].Owner != exp.ChainID {
		guard.Wipe(exp.Key)
		return nil, fmt.Errorf("%w: export owner %s does not match chain %s",
			ErrUnauthorized, exp.Records[0].Owner, exp.ChainID)
	}

	rebuilt := &chain{id: exp.ChainID}
	for _, rec := range exp.Records {
		if rec.Sealed != nil {
			rec.Sealed = append([]byte(nil), rec.Sealed...)
		}
		if err := rebuilt.append(rec); err != nil {
			guard.Wipe(exp.Key)
			return nil, err
		}
	}

	for _, rec := range rebuilt.records {
		if rec.Kind != KindData {
			continue
		}
		plaintext, err := s.cipher.Open(exp.Key, rec.Sealed)
		if err != nil {
			guard.Wipe(exp.Key)
			return nil, fmt.Errorf("%w: record %s does not authenticate under the chain key",
				ErrUnauthorized, rec.ID)
		}
		memguard.WipeBytes(plaintext)
	}

	key, err := guard.Alloc(exp.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to guard imported chain key: %w", err)
	}
	rebuilt.key = key
	return rebuilt, nil
}

// Snapshot exports every chain of the store into one encrypted container
// and writes it to the persistence backend under name, replacing any
// previous snapshot of that name.
//
// The pipeline is: externalize all chains (keys included), serialize to
// JSON, compress with LZMA, derive a key from the passphrase with
// Argon2id over a fresh salt, seal with the store's cipher provider, and
// wrap in a versioned container carrying the salt, the KDF and cipher
// names, and a checksum of the sealed payload. The plaintext archive is
// wiped as soon as it is sealed. An empty passphrase falls back to the
// sources configured in Options.
//
// The backend's snapshot manifest is updated after the write so Restore
// can cross-check the container it loads. Returns the stored snapshot's
// name, size and creation time.
func (s *Store) Snapshot(ctx context.Context, name, passphrase string) (*persist.SnapshotInfo, error) {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "SNAPSHOT_SAVE_INITIATED", nil, map[string]interface{}{
		"snapshot_name": name,
	})

	pass, err := s.resolvePassphrase(passphrase)
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "no_passphrase",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", ErrStoreClosed, nil)
		return nil, ErrStoreClosed
	}
	if s.backend == nil {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", errSnapshotsDisabled, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "no_backend",
		})
		return nil, errSnapshotsDisabled
	}

	exports, err := s.exportAllLocked()
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "export_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}

	archiveJSON, err := json.Marshal(snapshotArchive{Chains: exports})
	for i := range exports {
		exports[i].Wipe()
	}
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "serialize_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to serialize snapshot archive: %w", err)
	}

	compressed, err := compressWithLzma(archiveJSON)
	memguard.WipeBytes(archiveJSON)
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "compress_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to compress snapshot archive: %w", err)
	}

	salt, err := crypt.NewSalt()
	if err != nil {
		memguard.WipeBytes(compressed)
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "salt_generation_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}

	passBytes := []byte(pass)
	key, err := crypt.DeriveKey(passBytes, salt)
	memguard.WipeBytes(passBytes)
	if err != nil {
		memguard.WipeBytes(compressed)
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "key_derivation_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, err
	}
	defer key.Destroy()

	sealed, err := s.cipher.Seal(key.Bytes(), compressed)
	memguard.WipeBytes(compressed)
	if err != nil {
		sealErr := fmt.Errorf("%w: %v", ErrSealFailure, err)
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", sealErr, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "seal_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, sealErr
	}

	container := snapshotContainer{
		FormatVersion: snapshotFormatVersion,
		SnapshotID:    uuid.New().String(),
		Name:          name,
		CreatedAt:     time.Now().UTC(),
		Cipher:        s.cipher.Name(),
		KDF:           crypt.KDFArgon2id,
		Salt:          salt,
		Compression:   compressionLZMA,
		ChainCount:    len(exports),
		Payload:       base64.StdEncoding.EncodeToString(sealed),
		Checksum:      crypt.CalculateChecksum(sealed),
	}

	data, err := json.Marshal(container)
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "serialize_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to serialize snapshot container: %w", err)
	}

	if err := s.backend.SaveSnapshot(ctx, name, data); err != nil {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "save_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	err = s.updateManifest(ctx, func(m *snapshotManifest) {
		m.Entries[name] = manifestEntry{
			SnapshotID: container.SnapshotID,
			CreatedAt:  container.CreatedAt,
			Checksum:   container.Checksum,
			ChainCount: container.ChainCount,
			Cipher:     container.Cipher,
		}
	})
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_SAVE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "manifest_update_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return nil, fmt.Errorf("snapshot stored but manifest update failed: %w", err)
	}

	info := &persist.SnapshotInfo{
		Name:      name,
		Size:      int64(len(data)),
		CreatedAt: container.CreatedAt,
	}
	s.logAudit(requestID, "SNAPSHOT_SAVE_COMPLETED", nil, map[string]interface{}{
		"snapshot_name": name,
		"snapshot_id":   container.SnapshotID,
		"chain_count":   container.ChainCount,
		"size_bytes":    info.Size,
		"duration_ms":   time.Since(startTime).Milliseconds(),
	})
	return info, nil
}

// Restore replaces the store's entire chain set with the contents of a
// named snapshot.
//
// The container is verified before any state changes: payload checksum
// and manifest cross-check (mismatch: ErrChainCorruption), cipher name
// against the store's provider, KDF name against the known derivation
// functions. A payload that does not authenticate under the derived key,
// whether from a wrong passphrase or a tampered container, fails with
// ErrOpenFailure and nothing is disclosed about which. Every chain in
// the archive is then rebuilt and verified aside; only when all of them
// pass are the current chains destroyed and the restored set swapped in,
// so a failing restore leaves the store untouched.
func (s *Store) Restore(ctx context.Context, name, passphrase string) error {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "SNAPSHOT_RESTORE_INITIATED", nil, map[string]interface{}{
		"snapshot_name": name,
	})

	pass, err := s.resolvePassphrase(passphrase)
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "no_passphrase",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", ErrStoreClosed, nil)
		return ErrStoreClosed
	}
	if s.backend == nil {
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", errSnapshotsDisabled, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "no_backend",
		})
		return errSnapshotsDisabled
	}

	data, err := s.backend.LoadSnapshot(ctx, name)
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "load_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	container, sealed, err := s.verifyContainer(ctx, name, data)
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "container_verification_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	passBytes := []byte(pass)
	key, err := crypt.DeriveKeyNamed(container.KDF, passBytes, container.Salt)
	memguard.WipeBytes(passBytes)
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "key_derivation_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}
	defer key.Destroy()

	compressed, err := s.cipher.Open(key.Bytes(), sealed)
	if err != nil {
		openErr := fmt.Errorf("%w: snapshot payload does not authenticate under the supplied passphrase", ErrOpenFailure)
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", openErr, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "open_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return openErr
	}

	archiveJSON, err := decompressWithLzma(compressed)
	memguard.WipeBytes(compressed)
	if err != nil {
		decompErr := fmt.Errorf("%w: snapshot payload does not decompress: %v", ErrChainCorruption, err)
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", decompErr, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "decompress_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return decompErr
	}

	var archive snapshotArchive
	parseErr := json.Unmarshal(archiveJSON, &archive)
	memguard.WipeBytes(archiveJSON)
	if parseErr != nil {
		archErr := fmt.Errorf("%w: snapshot archive is not valid JSON: %v", ErrChainCorruption, parseErr)
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", archErr, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "archive_invalid",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return archErr
	}

	restored, err := s.buildRestoredChains(&archive, container.ChainCount)
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_RESTORE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "chain_verification_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return err
	}

	for id, c := range s.chains {
		c.destroy()
		delete(s.chains, id)
	}
	s.chains = restored

	s.logAudit(requestID, "SNAPSHOT_RESTORE_COMPLETED", nil, map[string]interface{}{
		"snapshot_name": name,
		"snapshot_id":   container.SnapshotID,
		"chain_count":   len(restored),
		"duration_ms":   time.Since(startTime).Milliseconds(),
	})
	return nil
}

// verifyContainer parses and checks a loaded snapshot document without
// touching the passphrase: format version, compression and cipher names,
// payload checksum, and the manifest cross-check. Returns the parsed
// container and the decoded sealed payload.
func (s *Store) verifyContainer(ctx context.Context, name string, data []byte) (*snapshotContainer, []byte, error) {
	var container snapshotContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot container is not valid JSON: %v", ErrChainCorruption, err)
	}
	if container.FormatVersion != snapshotFormatVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot format version %q", container.FormatVersion)
	}
	if container.Compression != compressionLZMA {
		return nil, nil, fmt.Errorf("unsupported snapshot compression %q", container.Compression)
	}
	if container.Cipher != s.cipher.Name() {
		return nil, nil, fmt.Errorf("snapshot sealed with cipher %q, store uses %q", container.Cipher, s.cipher.Name())
	}

	sealed, err := base64.StdEncoding.DecodeString(container.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot payload is not valid base64: %v", ErrChainCorruption, err)
	}
	if crypt.CalculateChecksum(sealed) != container.Checksum {
		return nil, nil, fmt.Errorf("%w: snapshot payload checksum mismatch", ErrChainCorruption)
	}
	if err := s.verifyManifestEntry(ctx, name, container.Checksum); err != nil {
		return nil, nil, err
	}
	return &container, sealed, nil
}

// verifyManifestEntry cross-checks a loaded container against the
// snapshot catalog. A snapshot the manifest does not know is accepted,
// the catalog may simply postdate it; a cataloged snapshot whose
// checksum diverged is a substituted or rolled-back container.
func (s *Store) verifyManifestEntry(ctx context.Context, name, checksum string) error {
	current, err := s.backend.LoadManifest(ctx)
	if err != nil {
		if errors.Is(err, persist.ErrManifestNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load snapshot manifest: %w", err)
	}

	var manifest snapshotManifest
	if err := json.Unmarshal(current.Data, &manifest); err != nil {
		return fmt.Errorf("failed to parse snapshot manifest: %w", err)
	}
	entry, ok := manifest.Entries[name]
	if !ok {
		return nil
	}
	if entry.Checksum != checksum {
		return fmt.Errorf("%w: snapshot %s does not match its manifest entry", ErrChainCorruption, name)
	}
	return nil
}

// buildRestoredChains verifies and assembles every chain of an archive
// aside from the live store state. On any failure the chains built so
// far are destroyed and the remaining exports wiped.
func (s *Store) buildRestoredChains(archive *snapshotArchive, declaredCount int) (map[ChainID]*chain, error) {
	wipeFrom := func(i int) {
		for j := i; j < len(archive.Chains); j++ {
			archive.Chains[j].Wipe()
		}
	}

	if len(archive.Chains) != declaredCount {
		wipeFrom(0)
		return nil, fmt.Errorf("%w: snapshot carries %d chains, container declares %d",
			ErrChainCorruption, len(archive.Chains), declaredCount)
	}

	restored := make(map[ChainID]*chain, len(archive.Chains))
	destroyAll := func() {
		for _, built := range restored {
			built.destroy()
		}
	}

	for i := range archive.Chains {
		exp := &archive.Chains[i]
		if _, dup := restored[exp.ChainID]; dup {
			destroyAll()
			wipeFrom(i)
			return nil, fmt.Errorf("%w: duplicate chain %s in snapshot", ErrChainCorruption, exp.ChainID)
		}
		c, err := s.buildChainFromExport(exp)
		if err != nil {
			destroyAll()
			wipeFrom(i)
			return nil, fmt.Errorf("chain %s: %w", exp.ChainID, err)
		}
		restored[exp.ChainID] = c
	}
	return restored, nil
}

// ListSnapshots returns the snapshots held by the persistence backend,
// sorted by name.
func (s *Store) ListSnapshots(ctx context.Context) ([]persist.SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.backend == nil {
		return nil, errSnapshotsDisabled
	}

	infos, err := s.backend.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return infos, nil
}

// DeleteSnapshot removes a named snapshot from the persistence backend
// and drops its manifest entry. The store's in-memory chains are not
// affected.
func (s *Store) DeleteSnapshot(ctx context.Context, name string) error {
	startTime := time.Now()
	requestID := s.newRequestID()

	s.logAudit(requestID, "SNAPSHOT_DELETE_INITIATED", nil, map[string]interface{}{
		"snapshot_name": name,
	})

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logAudit(requestID, "SNAPSHOT_DELETE_FAILED", ErrStoreClosed, nil)
		return ErrStoreClosed
	}
	if s.backend == nil {
		s.logAudit(requestID, "SNAPSHOT_DELETE_FAILED", errSnapshotsDisabled, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "no_backend",
		})
		return errSnapshotsDisabled
	}

	if err := s.backend.DeleteSnapshot(ctx, name); err != nil {
		s.logAudit(requestID, "SNAPSHOT_DELETE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "delete_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	err := s.updateManifest(ctx, func(m *snapshotManifest) {
		delete(m.Entries, name)
	})
	if err != nil {
		s.logAudit(requestID, "SNAPSHOT_DELETE_FAILED", err, map[string]interface{}{
			"snapshot_name":  name,
			"failure_reason": "manifest_update_failed",
			"duration_ms":    time.Since(startTime).Milliseconds(),
		})
		return fmt.Errorf("snapshot removed but manifest update failed: %w", err)
	}

	s.logAudit(requestID, "SNAPSHOT_DELETE_COMPLETED", nil, map[string]interface{}{
		"snapshot_name": name,
		"duration_ms":   time.Since(startTime).Milliseconds(),
	})
	return nil
}

// updateManifest applies mutate to the current snapshot catalog and
// saves it with optimistic concurrency: load the manifest and its
// version, mutate, save against that version, and retry on conflict.
func (s *Store) updateManifest(ctx context.Context, mutate func(*snapshotManifest)) error {
	return s.withRetry("saveManifest", func() error {
		manifest := snapshotManifest{Entries: make(map[string]manifestEntry)}
		var version string

		current, err := s.backend.LoadManifest(ctx)
		switch {
		case err == nil:
			version = current.Version
			if err := json.Unmarshal(current.Data, &manifest); err != nil {
				return fmt.Errorf("failed to parse snapshot manifest: %w", err)
			}
			if manifest.Entries == nil {
				manifest.Entries = make(map[string]manifestEntry)
			}
		case errors.Is(err, persist.ErrManifestNotFound):
			// First write.
		default:
			return fmt.Errorf("failed to load snapshot manifest: %w", err)
		}

		mutate(&manifest)
		manifest.Updated = time.Now().UTC()

		data, err := json.Marshal(manifest)
		if err != nil {
			return fmt.Errorf("failed to serialize snapshot manifest: %w", err)
		}
		_, err = s.backend.SaveManifest(ctx, data, version)
		return err
	})
}

// withRetry executes an operation with exponential backoff retry on
// concurrency conflicts. Other errors return immediately.
func (s *Store) withRetry(operation string, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if concErr, ok := err.(interface{ IsConcurrencyError() bool }); ok && concErr.IsConcurrencyError() {
			if attempt == maxRetries {
				return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
					operation, maxRetries+1, err)
			}

			delay := baseDelay * (1 << attempt)
			if delay > maxDelay {
				delay = maxDelay
			}

			// 25% jitter either way.
			jitter := time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
