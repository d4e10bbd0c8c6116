//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package guard

// Fallback backend for platforms without the POSIX memory calls. Regions
// are plain heap allocations: the borrow state machine, canary and wiping
// still apply, but page protection and locking are bookkeeping only.

// PlatformCapability reports what the running platform enforces for
// guarded regions.
func PlatformCapability() Capability { return CapabilityDegraded }

func pageSize() int { return 4096 }

func mapMemory(total int) ([]byte, error) {
	return make([]byte, total), nil
}

func protectPages(b []byte, p protection) error { return nil }

func lockMemory(b []byte) error { return nil }

func unlockMemory(b []byte) {}

func unmapMemory(b []byte) {
	Wipe(b)
}
