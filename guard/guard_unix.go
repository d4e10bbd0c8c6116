//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package guard

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PlatformCapability reports what the running platform enforces for
// guarded regions.
func PlatformCapability() Capability { return CapabilityFull }

func pageSize() int { return os.Getpagesize() }

func mapMemory(total int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		if err == unix.ENOMEM || err == unix.EMFILE || err == unix.EAGAIN {
			return nil, fmt.Errorf("guard: map %d bytes: %w: %v", total, ErrResourceExhausted, err)
		}
		return nil, fmt.Errorf("guard: map %d bytes: %v", total, err)
	}
	return b, nil
}

func protectPages(b []byte, p protection) error {
	if len(b) == 0 {
		return nil
	}
	var flags int
	switch p {
	case protNone:
		flags = unix.PROT_NONE
	case protRead:
		flags = unix.PROT_READ
	case protReadWrite:
		flags = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(b, flags)
}

func lockMemory(b []byte) error {
	if err := unix.Mlock(b); err != nil {
		if err == unix.ENOMEM || err == unix.EAGAIN || err == unix.EPERM {
			return fmt.Errorf("guard: lock %d bytes: %w: %v", len(b), ErrResourceExhausted, err)
		}
		return fmt.Errorf("guard: lock %d bytes: %v", len(b), err)
	}
	return nil
}

func unlockMemory(b []byte) {
	if len(b) > 0 {
		unix.Munlock(b)
	}
}

func unmapMemory(b []byte) {
	if len(b) > 0 {
		unix.Munmap(b)
	}
}
