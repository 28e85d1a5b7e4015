// Package keep implements the key-management core of a multi-profile
// encrypted personal data vault. Each instance (profile) is an
// independently encrypted store unlocked by a user password: the password
// derives a key-encryption key (KEK) via Argon2id, the KEK wraps a random
// data encryption key (DEK), and the DEK encrypts all content with
// ChaCha20-Poly1305. Passwords are verified through a stored key check
// value and are never persisted.
//
// "Stay unlocked" support is provided by a session envelope: a random
// wrapping key plus the DEK wrapped under it, both persisted independently
// of the password. This is an explicit, intentional trade-off: anyone who
// can read the persisted storage while a session is kept alive can recover
// the DEK without the password. Revoke it with DeleteSessionKeys or
// Lock(clearSession).
//
// Basic usage:
//
//	registry := keep.NewRegistry(keep.DefaultOptions(), store, blobs, auditLogger)
//	inst, _ := registry.CreateInstance("personal")
//	km := registry.KeyManager(inst.ID)
//	ok, _ := km.Setup("correct-horse")
//
//	content := keep.NewContentStore(blobs, auditLogger)
//	_ = content.Initialize(km)
//	_ = content.Store("notes/1", []byte("hello"))
package keep

import (
	"time"
)

// Instance is one catalog entry per vault profile.
type Instance struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// KeyStatus is a presence snapshot of an instance's persisted key state.
// It never exposes secret material; it is what a UI needs to decide
// between "set up", "unlock" and "restore session" flows.
type KeyStatus struct {
	// Salt and KeyCheckValue are true when key material exists, i.e. the
	// instance has been set up.
	Salt          bool `json:"salt"`
	KeyCheckValue bool `json:"key_check_value"`

	// WrappingKey and WrappedKey are true when a session envelope is
	// persisted, i.e. RestoreSession can be attempted.
	WrappingKey bool `json:"wrapping_key"`
	WrappedKey  bool `json:"wrapped_key"`
}

// SetUp reports whether the instance has key material.
func (s KeyStatus) SetUp() bool {
	return s.Salt && s.KeyCheckValue
}

// SessionPersisted reports whether a session envelope exists.
func (s KeyStatus) SessionPersisted() bool {
	return s.WrappingKey && s.WrappedKey
}

// RetrievalMetrics describes one successful decrypt-and-return operation
// of the content store.
type RetrievalMetrics struct {
	Path     string
	ByteSize int
	Duration time.Duration
}

// MetricsFunc receives retrieval metrics. It is invoked asynchronously
// after a successful retrieval; a panicking callback is recovered and
// logged, never propagated to the caller.
type MetricsFunc func(RetrievalMetrics)

// KeyManagerService is the per-instance key lifecycle contract.
type KeyManagerService interface {
	// Setup creates key material for a fresh instance and leaves it
	// unlocked. Returns false with ErrAlreadySetUp if material exists.
	Setup(password string) (bool, error)

	// Unlock verifies the password and loads the DEK into memory.
	// Returns (false, nil) on a wrong password. With persistSession, a
	// session envelope is written so RestoreSession works later.
	Unlock(password string, persistSession bool) (bool, error)

	// RestoreSession unlocks from the persisted session envelope without
	// a password. Returns (false, nil) when no valid envelope exists.
	RestoreSession() (bool, error)

	// Lock zeroizes the in-memory DEK. With clearSession, the persisted
	// session envelope is deleted as well.
	Lock(clearSession bool) error

	// ChangePassword re-wraps the existing DEK under a key derived from
	// the new password. Returns (false, nil) when the old password is
	// wrong. Any persisted session envelope is invalidated.
	ChangePassword(oldPassword, newPassword string) (bool, error)

	// Status returns presence flags for the persisted key state.
	Status() (KeyStatus, error)

	// DeleteSessionKeys revokes "stay unlocked" without locking an open
	// session.
	DeleteSessionKeys() error

	// Reset irreversibly destroys all key material and session state for
	// the instance.
	Reset() error

	// IsUnlocked reports whether a live DEK is held in memory.
	IsUnlocked() bool

	// Encrypt and Decrypt run AEAD operations under the live DEK; used
	// by higher layers for row-level encryption of record metadata.
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
