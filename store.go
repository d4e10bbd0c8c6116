package strongroom

import (
	"fmt"
	"log"
	"sync"
	"time"

	"southwinds.dev/strongroom/audit"
	"southwinds.dev/strongroom/crypt"
	"southwinds.dev/strongroom/guard"
	"southwinds.dev/strongroom/internal/mem"
	"southwinds.dev/strongroom/persist"
)

// Store is a secret-isolation engine: a set of append-only record chains
// whose payloads are sealed with a chain-specific key held in guarded
// memory. Chains are created with CreateChain, written with WriteRecord,
// read with ReadRecord or UseRecord, pruned with RevokeRecord plus
// GarbageCollect, and persisted as encrypted snapshots.
//
// A Store serializes access internally: mutating operations take an
// exclusive lock, reads a shared one. Concurrent use from multiple
// goroutines is safe; operations on different chains do not corrupt each
// other but are not executed in parallel.
//
// All operations fail with ErrStoreClosed after Close.
type Store struct {
	mu     sync.RWMutex
	chains map[ChainID]*chain

	cipher  crypt.Provider
	backend persist.Store
	audit   audit.Logger

	protection mem.ProtectionLevel
	userID     string
	closed     bool

	// Snapshot passphrase fallbacks from Options, consulted when a
	// snapshot call passes an empty passphrase.
	snapshotPassphrase string
	envPassphraseVar   string
}

// New creates a Store from options alone: the persistence backend is
// built from StoreDSN and the audit logger from AuditConfig. Use
// NewWithStore to inject either directly.
func New(options Options) (*Store, error) {
	var backend persist.Store
	if options.StoreDSN != "" {
		var err error
		backend, err = persist.NewStore(options.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage backend: %w", err)
		}
	}

	auditLogger, err := audit.NewLogger(options.AuditConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	return NewWithStore(options, backend, auditLogger)
}

// NewWithStore creates a Store with an explicit persistence backend and
// audit logger. A nil backend disables snapshot operations; a nil audit
// logger becomes a no-op logger.
//
// Initialization probes the platform: when options.EnableMemoryLock is
// set the whole address space is locked against swapping (best effort,
// the achieved level is recorded), and the guarded allocator reports
// whether page protections are enforced or degraded. Both findings land
// in the STORE_OPENED audit event.
func NewWithStore(options Options, backend persist.Store, auditLogger audit.Logger) (*Store, error) {
	if err := validateOptions(options); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	userID := options.UserID
	if userID == "" {
		userID = "system"
	}

	cipher := options.Cipher
	if cipher == nil {
		cipher = crypt.NewXChaCha()
	}

	protection := mem.ProtectionNone
	if options.EnableMemoryLock {
		var lockErr error
		protection, lockErr = mem.Lock()
		if lockErr != nil {
			// Keep running with whatever the platform granted.
			log.Printf("WARNING: memory lock unavailable: %v\n", lockErr)
		}
	}

	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	s := &Store{
		chains:             make(map[ChainID]*chain),
		cipher:             cipher,
		backend:            backend,
		audit:              auditLogger,
		protection:         protection,
		userID:             userID,
		snapshotPassphrase: options.SnapshotPassphrase,
		envPassphraseVar:   options.EnvPassphraseVar,
	}

	if backend != nil {
		if err := backend.Ping(); err != nil {
			return nil, fmt.Errorf("storage backend unreachable: %w", err)
		}
	}

	s.logAudit(s.newRequestID(), "STORE_OPENED", nil, map[string]interface{}{
		"store_type":        s.backendType(),
		"cipher":            cipher.Name(),
		"memory_protection": protection.String(),
		"guard_capability":  guard.PlatformCapability().String(),
	})
	return s, nil
}

// Close destroys every chain key region, drops all chains and closes the
// audit logger and persistence backend. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	for id, c := range s.chains {
		c.destroy()
		delete(s.chains, id)
	}
	s.closed = true

	if s.protection == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			log.Printf("WARNING: memory unlock failed: %v\n", err)
		}
	}

	s.logAudit(s.newRequestID(), "STORE_CLOSED", nil, nil)

	var firstErr error
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close storage backend: %w", err)
		}
	}
	if err := s.audit.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close audit logger: %w", err)
	}
	return firstErr
}

// MemoryProtection reports the process-wide protection level achieved at
// initialization: "none", "partial" or "full".
func (s *Store) MemoryProtection() string { return s.protection.String() }

// Cipher returns the name of the active cipher provider.
func (s *Store) Cipher() string { return s.cipher.Name() }

func (s *Store) backendType() string {
	if s.backend == nil {
		return "memory"
	}
	return s.backend.GetType()
}

// chainLocked resolves a chain ID. The caller must hold s.mu in either
// mode.
func (s *Store) chainLocked(id ChainID) (*chain, error) {
	c, ok := s.chains[id]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", id, ErrChainNotFound)
	}
	return c, nil
}

func (s *Store) newRequestID() string {
	return fmt.Sprintf("sr_%d", time.Now().UnixNano())
}

func (s *Store) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	// Add standard fields
	metadata["user_id"] = s.userID
	metadata["request_id"] = requestID
	metadata["timestamp"] = time.Now().UTC()

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := s.audit.Log(action, success, metadata); auditErr != nil {
		log.Printf("ERROR: audit logging failed for action %s: %v\n", action, auditErr)
	}
}
