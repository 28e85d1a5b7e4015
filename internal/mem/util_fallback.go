//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// No mlock on this platform; zeroization on lock still applies.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
