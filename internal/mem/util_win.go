//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock exists but is per-region and has working-set limits;
	// treat Windows as partial protection.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
