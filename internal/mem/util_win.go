//go:build windows

package mem

// VirtualLock pins per region, not process wide, so the startup probe
// reports partial protection and leaves pinning to individual regions.

func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
