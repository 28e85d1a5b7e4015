package keep

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/keep/audit"
	"southwinds.dev/keep/internal/crypto"
	"southwinds.dev/keep/internal/misc"
	"southwinds.dev/keep/persist"
)

// keyMaterial is the persisted, password-dependent key state of one
// instance: the KDF salt, the key check value that lets a candidate
// password be verified without decrypting real data, and the DEK wrapped
// under the derived KEK (the "base wrap"). It is replaced atomically as a
// whole on setup and password change.
type keyMaterial struct {
	Version       int    `json:"version"`
	Salt          []byte `json:"salt"`
	KeyCheckValue []byte `json:"key_check_value"`
	WrappedDEK    []byte `json:"wrapped_dek"`
}

// sessionEnvelope is the persisted, password-independent "stay unlocked"
// state: a random wrapping key and the DEK wrapped under it. Anyone who
// can read this pair from storage can recover the DEK; that is the
// documented trade-off behind session restore.
type sessionEnvelope struct {
	Version     int    `json:"version"`
	WrappingKey []byte `json:"wrapping_key"`
	WrappedKey  []byte `json:"wrapped_key"`
}

const keyMaterialVersion = 1

// KeyManager owns the key lifecycle of a single vault instance. All
// lifecycle operations (Setup, Unlock, RestoreSession, Lock,
// ChangePassword, Reset) are serialized through a per-instance mutex so
// concurrent mutations cannot leave key material half-updated. Read
// operations observe a consistent DEK snapshot: once Lock returns, new
// reads fail with ErrNotUnlocked, while reads already holding a snapshot
// complete with the key they captured.
//
// Obtain instances through Registry.KeyManager so that in-memory session
// state is shared correctly across the application.
type KeyManager struct {
	instanceID string
	store      persist.Store
	audit      audit.Logger
	kdf        crypto.KDFParams

	mu sync.Mutex // serializes lifecycle operations

	stateMu    sync.RWMutex // guards the live session snapshot below
	dek        *memguard.Enclave
	unlockedAt time.Time
}

// NewKeyManager creates a key manager for one instance. Most applications
// should use Registry.KeyManager instead, which guarantees a single live
// manager per instance ID.
func NewKeyManager(instanceID string, store persist.Store, auditLogger audit.Logger, kdf crypto.KDFParams) *KeyManager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &KeyManager{
		instanceID: instanceID,
		store:      store,
		audit:      auditLogger,
		kdf:        kdf,
	}
}

// InstanceID returns the instance this manager is bound to.
func (km *KeyManager) InstanceID() string {
	return km.instanceID
}

// Setup creates key material for a fresh instance: generates a salt,
// derives the KEK from the password, generates a random DEK, stores the
// key check value and the base-wrapped DEK, and leaves the instance
// unlocked. Returns (false, ErrAlreadySetUp) when key material already
// exists; the existing material is never touched.
func (km *KeyManager) Setup(password string) (bool, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	requestID := uuid.New().String()

	exists, err := km.store.KeyMaterialExists(km.instanceID)
	if err != nil {
		return false, storageErr("KeyMaterialExists", err)
	}
	if exists {
		km.logAudit(requestID, "setup", ErrAlreadySetUp, nil)
		return false, ErrAlreadySetUp
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return false, err
	}

	passwordBytes := []byte(password)
	defer memguard.WipeBytes(passwordBytes)

	kek, err := crypto.DeriveKey(passwordBytes, salt, km.kdf)
	if err != nil {
		return false, err
	}
	defer kek.Destroy()

	dek, err := crypto.NewRandomKey()
	if err != nil {
		return false, err
	}
	defer dek.Destroy()

	wrapped, err := crypto.EncryptValue(dek.Bytes(), kek.Bytes())
	if err != nil {
		return false, fmt.Errorf("failed to wrap DEK: %w", err)
	}

	material := keyMaterial{
		Version:       keyMaterialVersion,
		Salt:          salt,
		KeyCheckValue: crypto.KeyCheckValue(kek.Bytes()),
		WrappedDEK:    wrapped,
	}
	data, err := json.Marshal(material)
	if err != nil {
		return false, fmt.Errorf("failed to marshal key material: %w", err)
	}

	if _, err = km.store.SaveKeyMaterial(km.instanceID, data, ""); err != nil {
		return false, storageErr("SaveKeyMaterial", err)
	}

	km.loadSession(dek.Bytes())
	km.touchLastAccessed()

	km.logAudit(requestID, "setup", nil, nil)
	return true, nil
}

// Unlock derives the KEK from the supplied password and the stored salt
// and compares it against the key check value in constant time. On match
// it unwraps the DEK into memory; on mismatch it returns (false, nil). The
// return value never distinguishes a wrong password from a tampered check
// value, though the audit log records which check failed.
//
// With persistSession, a fresh session envelope is generated and
// persisted, replacing any prior one, so RestoreSession can unlock without
// the password after a process restart.
func (km *KeyManager) Unlock(password string, persistSession bool) (bool, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	requestID := uuid.New().String()

	material, _, err := km.loadKeyMaterial()
	if err != nil {
		km.logAudit(requestID, "unlock", err, nil)
		if errors.Is(err, ErrNotSetUp) {
			return false, ErrNotSetUp
		}
		return false, err
	}

	passwordBytes := []byte(password)
	defer memguard.WipeBytes(passwordBytes)

	kek, err := crypto.DeriveKey(passwordBytes, material.Salt, km.kdf)
	if err != nil {
		return false, err
	}
	defer kek.Destroy()

	if !crypto.VerifyKeyCheckValue(kek.Bytes(), material.KeyCheckValue) {
		km.logAudit(requestID, "unlock", ErrIncorrectPassword, nil)
		return false, nil
	}

	dek, err := crypto.DecryptValue(material.WrappedDEK, kek.Bytes())
	if err != nil {
		// The password verified but the base wrap does not open: the
		// stored wrap is damaged, not the password.
		km.logAudit(requestID, "unlock", ErrCorruptKeyMaterial, map[string]interface{}{
			"error": err.Error(),
		})
		return false, fmt.Errorf("%w: base-wrapped DEK does not authenticate", ErrCorruptKeyMaterial)
	}

	if persistSession {
		if err = km.persistSessionEnvelope(dek); err != nil {
			memguard.WipeBytes(dek)
			km.logAudit(requestID, "unlock", err, nil)
			return false, err
		}
	}

	km.loadSession(dek)
	km.touchLastAccessed()

	km.logAudit(requestID, "unlock", nil, map[string]interface{}{
		"session_persisted": persistSession,
	})
	return true, nil
}

// RestoreSession unlocks the instance from the persisted session envelope
// without a password. A missing envelope or one that fails to unwrap is an
// expired session: the result is (false, nil), never ErrIncorrectPassword.
// On success the envelope is re-established with a fresh wrapping key,
// exactly as Unlock with persistSession would leave it.
func (km *KeyManager) RestoreSession() (bool, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	requestID := uuid.New().String()

	versioned, err := km.store.LoadSessionEnvelope(km.instanceID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			km.logAudit(requestID, "restore_session", ErrSessionExpired, nil)
			return false, nil
		}
		return false, storageErr("LoadSessionEnvelope", err)
	}

	var envelope sessionEnvelope
	if err = json.Unmarshal(versioned.Data, &envelope); err != nil {
		km.logAudit(requestID, "restore_session", ErrSessionExpired, map[string]interface{}{
			"error": "malformed session envelope",
		})
		return false, nil
	}
	if len(envelope.WrappingKey) != misc.KeySize || len(envelope.WrappedKey) == 0 {
		km.logAudit(requestID, "restore_session", ErrSessionExpired, map[string]interface{}{
			"error": "structurally invalid session envelope",
		})
		return false, nil
	}

	dek, err := crypto.DecryptValue(envelope.WrappedKey, envelope.WrappingKey)
	memguard.WipeBytes(envelope.WrappingKey)
	if err != nil {
		km.logAudit(requestID, "restore_session", ErrSessionExpired, map[string]interface{}{
			"error": err.Error(),
		})
		return false, nil
	}

	if err = km.persistSessionEnvelope(dek); err != nil {
		memguard.WipeBytes(dek)
		km.logAudit(requestID, "restore_session", err, nil)
		return false, err
	}

	km.loadSession(dek)
	km.touchLastAccessed()

	km.logAudit(requestID, "restore_session", nil, nil)
	return true, nil
}

// Lock zeroizes the in-memory DEK. With clearSession the persisted
// session envelope is deleted as well; otherwise a later RestoreSession
// still works. Retrievals already in flight complete with the DEK
// snapshot they captured; retrievals issued after Lock returns fail with
// ErrNotUnlocked.
func (km *KeyManager) Lock(clearSession bool) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	requestID := uuid.New().String()

	km.dropSession()

	if clearSession {
		if err := km.store.DeleteSessionEnvelope(km.instanceID); err != nil {
			km.logAudit(requestID, "lock", err, nil)
			return storageErr("DeleteSessionEnvelope", err)
		}
	}

	km.logAudit(requestID, "lock", nil, map[string]interface{}{
		"session_cleared": clearSession,
	})
	return nil
}

// ChangePassword verifies the old password exactly as Unlock does (without
// touching session state), then generates a new salt, derives a new KEK,
// re-wraps the existing DEK under it and replaces the key material in one
// atomic write. The DEK itself never changes, so previously stored content
// remains readable. Any persisted session envelope is deleted: a
// password-independent envelope must not outlive a password change.
func (km *KeyManager) ChangePassword(oldPassword, newPassword string) (bool, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	requestID := uuid.New().String()

	material, version, err := km.loadKeyMaterial()
	if err != nil {
		km.logAudit(requestID, "change_password", err, nil)
		return false, err
	}

	oldBytes := []byte(oldPassword)
	defer memguard.WipeBytes(oldBytes)

	oldKEK, err := crypto.DeriveKey(oldBytes, material.Salt, km.kdf)
	if err != nil {
		return false, err
	}
	defer oldKEK.Destroy()

	if !crypto.VerifyKeyCheckValue(oldKEK.Bytes(), material.KeyCheckValue) {
		km.logAudit(requestID, "change_password", ErrIncorrectPassword, nil)
		return false, nil
	}

	dek, err := crypto.DecryptValue(material.WrappedDEK, oldKEK.Bytes())
	if err != nil {
		km.logAudit(requestID, "change_password", ErrCorruptKeyMaterial, nil)
		return false, fmt.Errorf("%w: base-wrapped DEK does not authenticate", ErrCorruptKeyMaterial)
	}
	defer memguard.WipeBytes(dek)

	newSalt, err := crypto.NewSalt()
	if err != nil {
		return false, err
	}

	newBytes := []byte(newPassword)
	defer memguard.WipeBytes(newBytes)

	newKEK, err := crypto.DeriveKey(newBytes, newSalt, km.kdf)
	if err != nil {
		return false, err
	}
	defer newKEK.Destroy()

	wrapped, err := crypto.EncryptValue(dek, newKEK.Bytes())
	if err != nil {
		return false, fmt.Errorf("failed to re-wrap DEK: %w", err)
	}

	newMaterial := keyMaterial{
		Version:       keyMaterialVersion,
		Salt:          newSalt,
		KeyCheckValue: crypto.KeyCheckValue(newKEK.Bytes()),
		WrappedDEK:    wrapped,
	}
	data, err := json.Marshal(newMaterial)
	if err != nil {
		return false, fmt.Errorf("failed to marshal key material: %w", err)
	}

	// The envelope wraps the DEK under its own random key, so a password
	// change does not invalidate it. Delete it before committing the new
	// material: if the delete fails the old state is fully intact, and a
	// deleted envelope with unchanged material just means the user
	// re-persists a session on the next unlock.
	if err = km.store.DeleteSessionEnvelope(km.instanceID); err != nil {
		km.logAudit(requestID, "change_password", err, nil)
		return false, storageErr("DeleteSessionEnvelope", err)
	}

	// Versioned write: if anything replaced the material since we loaded
	// it, this fails with a ConcurrencyError and prior state is intact.
	if _, err = km.store.SaveKeyMaterial(km.instanceID, data, version); err != nil {
		km.logAudit(requestID, "change_password", err, nil)
		return false, storageErr("SaveKeyMaterial", err)
	}

	km.logAudit(requestID, "change_password", nil, nil)
	return true, nil
}

// Status returns presence flags for the persisted key state. It never
// touches secret material.
func (km *KeyManager) Status() (KeyStatus, error) {
	var status KeyStatus

	materialExists, err := km.store.KeyMaterialExists(km.instanceID)
	if err != nil {
		return status, storageErr("KeyMaterialExists", err)
	}
	status.Salt = materialExists
	status.KeyCheckValue = materialExists

	envelopeExists, err := km.store.SessionEnvelopeExists(km.instanceID)
	if err != nil {
		return status, storageErr("SessionEnvelopeExists", err)
	}
	status.WrappingKey = envelopeExists
	status.WrappedKey = envelopeExists

	return status, nil
}

// DeleteSessionKeys deletes the persisted session envelope without
// locking an already-open session. Equivalent to Lock(clearSession=true)
// for the persisted half only.
func (km *KeyManager) DeleteSessionKeys() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	requestID := uuid.New().String()

	if err := km.store.DeleteSessionEnvelope(km.instanceID); err != nil {
		km.logAudit(requestID, "delete_session_keys", err, nil)
		return storageErr("DeleteSessionEnvelope", err)
	}

	km.logAudit(requestID, "delete_session_keys", nil, nil)
	return nil
}

// Reset irreversibly destroys the instance's key material and session
// envelope and zeroizes in-memory state. Content blobs become permanently
// undecryptable. Used as the precursor to instance deletion.
func (km *KeyManager) Reset() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	requestID := uuid.New().String()

	km.dropSession()

	if err := km.store.DeleteSessionEnvelope(km.instanceID); err != nil {
		km.logAudit(requestID, "reset", err, nil)
		return storageErr("DeleteSessionEnvelope", err)
	}
	if err := km.store.DeleteKeyMaterial(km.instanceID); err != nil {
		km.logAudit(requestID, "reset", err, nil)
		return storageErr("DeleteKeyMaterial", err)
	}

	km.logAudit(requestID, "reset", nil, nil)
	return nil
}

// IsUnlocked reports whether a live DEK is held in memory.
func (km *KeyManager) IsUnlocked() bool {
	km.stateMu.RLock()
	defer km.stateMu.RUnlock()
	return km.dek != nil
}

// UnlockedAt returns when the current session was established, or the
// zero time if locked.
func (km *KeyManager) UnlockedAt() time.Time {
	km.stateMu.RLock()
	defer km.stateMu.RUnlock()
	if km.dek == nil {
		return time.Time{}
	}
	return km.unlockedAt
}

// Encrypt encrypts data under the live DEK. Intended for row-level
// encryption of record metadata by higher layers; content blobs should go
// through the ContentStore instead.
func (km *KeyManager) Encrypt(plaintext []byte) ([]byte, error) {
	enclave, err := km.dekSnapshot()
	if err != nil {
		return nil, err
	}

	buffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access DEK: %w", err)
	}
	defer buffer.Destroy()

	return crypto.EncryptValue(plaintext, buffer.Bytes())
}

// Decrypt decrypts data produced by Encrypt. Authentication failures are
// returned as ErrDecryptionFailure.
func (km *KeyManager) Decrypt(ciphertext []byte) ([]byte, error) {
	enclave, err := km.dekSnapshot()
	if err != nil {
		return nil, err
	}

	buffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access DEK: %w", err)
	}
	defer buffer.Destroy()

	plaintext, err := crypto.DecryptValue(ciphertext, buffer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return plaintext, nil
}

// dekSnapshot returns the current DEK enclave, or ErrNotUnlocked. Callers
// holding the returned enclave may finish their operation even if the
// manager locks concurrently; the snapshot is immutable.
func (km *KeyManager) dekSnapshot() (*memguard.Enclave, error) {
	km.stateMu.RLock()
	defer km.stateMu.RUnlock()
	if km.dek == nil {
		return nil, ErrNotUnlocked
	}
	return km.dek, nil
}

// loadSession installs dek as the live session key. It takes ownership of
// the slice and wipes it once sealed into the enclave.
func (km *KeyManager) loadSession(dek []byte) {
	dekCopy := make([]byte, len(dek))
	copy(dekCopy, dek)
	enclave := memguard.NewEnclave(dekCopy)
	memguard.WipeBytes(dek)

	km.stateMu.Lock()
	km.dek = enclave
	km.unlockedAt = time.Now().UTC()
	km.stateMu.Unlock()
}

// dropSession zeroizes the in-memory session. Dropping the enclave
// reference is the best a garbage-collected runtime offers; the enclave's
// contents stay encrypted in memory until collected.
func (km *KeyManager) dropSession() {
	km.stateMu.Lock()
	km.dek = nil
	km.unlockedAt = time.Time{}
	km.stateMu.Unlock()
}

// loadKeyMaterial loads and structurally validates the persisted key
// material, returning it with its storage version for atomic replacement.
func (km *KeyManager) loadKeyMaterial() (*keyMaterial, string, error) {
	versioned, err := km.store.LoadKeyMaterial(km.instanceID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, "", ErrNotSetUp
		}
		return nil, "", storageErr("LoadKeyMaterial", err)
	}

	var material keyMaterial
	if err = json.Unmarshal(versioned.Data, &material); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCorruptKeyMaterial, err)
	}
	if len(material.Salt) != misc.SaltSize ||
		len(material.KeyCheckValue) != misc.KeyCheckSize ||
		len(material.WrappedDEK) == 0 {
		return nil, "", fmt.Errorf("%w: invalid field sizes", ErrCorruptKeyMaterial)
	}

	return &material, versioned.Version, nil
}

// persistSessionEnvelope wraps dek under a fresh random wrapping key and
// persists the pair, replacing any prior envelope.
func (km *KeyManager) persistSessionEnvelope(dek []byte) error {
	wrappingKey, err := crypto.NewRandomKey()
	if err != nil {
		return err
	}
	defer wrappingKey.Destroy()

	wrapped, err := crypto.EncryptValue(dek, wrappingKey.Bytes())
	if err != nil {
		return fmt.Errorf("failed to wrap DEK for session: %w", err)
	}

	envelope := sessionEnvelope{
		Version:     keyMaterialVersion,
		WrappingKey: append([]byte(nil), wrappingKey.Bytes()...),
		WrappedKey:  wrapped,
	}
	data, err := json.Marshal(envelope)
	memguard.WipeBytes(envelope.WrappingKey)
	if err != nil {
		return fmt.Errorf("failed to marshal session envelope: %w", err)
	}

	if err = km.store.SaveSessionEnvelope(km.instanceID, data); err != nil {
		return storageErr("SaveSessionEnvelope", err)
	}
	return nil
}

// touchLastAccessed bumps the catalog row's LastAccessedAt. Best effort:
// a missing record (library use without a registry) is not an error.
func (km *KeyManager) touchLastAccessed() {
	record, err := km.store.LoadInstanceRecord(km.instanceID)
	if err != nil {
		return
	}
	record.LastAccessedAt = time.Now().UTC()
	if err = km.store.SaveInstanceRecord(record); err != nil {
		_ = km.audit.Log("touch_last_accessed", false, map[string]interface{}{
			"instance_id": km.instanceID,
			"error":       err.Error(),
		})
	}
}

func (km *KeyManager) logAudit(requestID, action string, opErr error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["request_id"] = requestID
	metadata["instance_id"] = km.instanceID
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	if err := km.audit.Log(action, opErr == nil, metadata); err != nil {
		fmt.Printf("WARNING: failed to write audit log for %s: %v\n", action, err)
	}
}
