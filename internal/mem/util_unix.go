//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package mem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func lockMemoryPlatform() (ProtectionLevel, error) {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		switch {
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.ENOMEM):
			// Missing CAP_IPC_LOCK or a low RLIMIT_MEMLOCK. The store
			// still runs; individual regions lock what they can.
			return ProtectionPartial, nil
		case errors.Is(err, unix.ENOSYS):
			return ProtectionPartial, nil
		}
		return ProtectionNone, fmt.Errorf("failed to lock process memory: %w", err)
	}
	return ProtectionFull, nil
}

func unlockMemoryPlatform() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("failed to unlock process memory: %w", err)
	}
	return nil
}
