package keep

import (
	"errors"
	"fmt"
)

// Sentinel errors for the vault core. Expected authentication outcomes
// (wrong password, expired session) are reported through boolean results on
// the KeyManager so callers can re-prompt without special-casing; the
// matching sentinels below exist for callers that need to surface those
// outcomes as errors (e.g. CLI exit codes). Structural and storage
// failures are always returned as errors and never downgraded to "locked".
var (
	// ErrAlreadySetUp is returned by Setup when key material already
	// exists for the instance.
	ErrAlreadySetUp = errors.New("instance is already set up")

	// ErrNotSetUp is returned when an operation requires key material
	// that has never been created.
	ErrNotSetUp = errors.New("instance is not set up")

	// ErrIncorrectPassword corresponds to a failed password verification.
	ErrIncorrectPassword = errors.New("incorrect password")

	// ErrSessionExpired corresponds to a failed session restore: no
	// persisted envelope, or an envelope that no longer unwraps.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotUnlocked is returned when an operation needs the live DEK and
	// the instance is locked.
	ErrNotUnlocked = errors.New("instance is not unlocked")

	// ErrStorageNotInitialized is returned by the content store before
	// Initialize has bound it to an instance.
	ErrStorageNotInitialized = errors.New("content storage is not initialized")

	// ErrStorageConflict is returned when the content store is asked to
	// initialize for a different instance while already bound.
	ErrStorageConflict = errors.New("content storage is already initialized for a different instance")

	// ErrNotFound is returned when a requested content path or record
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDecryptionFailure is returned when authenticated decryption
	// fails: wrong key, corrupt ciphertext, or bit rot. Never silently
	// downgraded.
	ErrDecryptionFailure = errors.New("decryption failed: ciphertext authentication error")

	// ErrCorruptKeyMaterial is returned when stored salt, check value or
	// wrapped key is structurally invalid. Indicates tampering or a bug.
	ErrCorruptKeyMaterial = errors.New("stored key material is corrupt")

	// ErrNotReset is returned when instance deletion is attempted while
	// key material still exists.
	ErrNotReset = errors.New("instance key material has not been reset")
)

// StorageIOError wraps a transient storage backend failure. The core never
// retries these; callers decide retry policy.
type StorageIOError struct {
	Op  string
	Err error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("storage I/O error in %s: %v", e.Op, e.Err)
}

func (e *StorageIOError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageIOError{Op: op, Err: err}
}
