package keep

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"southwinds.dev/keep/persist"
)

func TestSetupLeavesInstanceUnlocked(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	id, km := newSetUpInstance(t, registry, "personal")

	if !km.IsUnlocked() {
		t.Error("Instance is locked immediately after setup")
	}
	if km.UnlockedAt().IsZero() {
		t.Error("UnlockedAt is zero for an unlocked instance")
	}

	exists, err := store.KeyMaterialExists(id)
	if err != nil {
		t.Fatalf("Failed to check key material: %v", err)
	}
	if !exists {
		t.Error("Setup did not persist key material")
	}
}

func TestSetupTwiceFails(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	ok, err := km.Setup("another-password")
	if ok {
		t.Error("Second setup reported success")
	}
	if !errors.Is(err, ErrAlreadySetUp) {
		t.Errorf("Second setup error = %v, want ErrAlreadySetUp", err)
	}
}

func TestUnlockWithCorrectAndWrongPassword(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	if km.IsUnlocked() {
		t.Fatal("Instance still unlocked after Lock")
	}

	// Wrong password: (false, nil), not an error.
	ok, err := km.Unlock("not-the-password", false)
	if err != nil {
		t.Errorf("Wrong password returned error: %v", err)
	}
	if ok {
		t.Error("Wrong password unlocked the instance")
	}
	if km.IsUnlocked() {
		t.Error("Instance unlocked after failed attempt")
	}

	ok, err = km.Unlock(testPassword, false)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if !ok || !km.IsUnlocked() {
		t.Error("Correct password did not unlock the instance")
	}
}

func TestUnlockBeforeSetup(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	instance, err := registry.CreateInstance("empty")
	if err != nil {
		t.Fatalf("Failed to create instance: %v", err)
	}

	km := registry.KeyManager(instance.ID)
	ok, err := km.Unlock(testPassword, false)
	if ok {
		t.Error("Unlock succeeded without key material")
	}
	if !errors.Is(err, ErrNotSetUp) {
		t.Errorf("Unlock error = %v, want ErrNotSetUp", err)
	}
}

func TestEncryptDecryptAcrossLockCycle(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	plaintext := []byte("row-level secret")
	ciphertext, err := km.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	if err = km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	if _, err = km.Decrypt(ciphertext); !errors.Is(err, ErrNotUnlocked) {
		t.Errorf("Decrypt while locked = %v, want ErrNotUnlocked", err)
	}

	if ok, err := km.Unlock(testPassword, false); err != nil || !ok {
		t.Fatalf("Failed to unlock: ok=%v err=%v", ok, err)
	}

	decrypted, err := km.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Failed to decrypt after unlock: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("Decrypted data does not match original")
	}
}

func TestChangePassword(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	ciphertext, err := km.Encrypt([]byte("survives password change"))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	const newPassword = "a-better-password"

	// Wrong old password: (false, nil).
	ok, err := km.ChangePassword("wrong", newPassword)
	if err != nil {
		t.Errorf("Wrong old password returned error: %v", err)
	}
	if ok {
		t.Fatal("Password change succeeded with wrong old password")
	}

	ok, err = km.ChangePassword(testPassword, newPassword)
	if err != nil {
		t.Fatalf("Password change failed: %v", err)
	}
	if !ok {
		t.Fatal("Password change returned false with correct old password")
	}

	if err = km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	// Old password no longer works.
	ok, err = km.Unlock(testPassword, false)
	if err != nil || ok {
		t.Errorf("Old password after change: ok=%v err=%v, want false,nil", ok, err)
	}

	// New password unlocks and the DEK is unchanged: prior ciphertext
	// still opens.
	ok, err = km.Unlock(newPassword, false)
	if err != nil || !ok {
		t.Fatalf("New password did not unlock: ok=%v err=%v", ok, err)
	}
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Failed to decrypt after password change: %v", err)
	}
	if !bytes.Equal([]byte("survives password change"), plaintext) {
		t.Error("Content encrypted before password change is unreadable")
	}
}

func TestSessionPersistAndRestore(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	// No envelope yet: restore is an expired session, not an error.
	restored, err := km.RestoreSession()
	if err != nil {
		t.Errorf("Restore without envelope returned error: %v", err)
	}
	if restored {
		t.Error("Restore succeeded without a persisted session")
	}

	if ok, err := km.Unlock(testPassword, true); err != nil || !ok {
		t.Fatalf("Failed to unlock with session persistence: ok=%v err=%v", ok, err)
	}

	status, err := km.Status()
	if err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if !status.SessionPersisted() {
		t.Fatal("Session envelope not persisted after Unlock(persistSession)")
	}

	// Simulated restart: lock drops in-memory state, the envelope remains.
	if err = km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	restored, err = km.RestoreSession()
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restored || !km.IsUnlocked() {
		t.Error("Session restore did not unlock the instance")
	}

	// The restored session can decrypt content.
	ciphertext, err := km.Encrypt([]byte("restored"))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	if _, err = km.Decrypt(ciphertext); err != nil {
		t.Errorf("Failed to decrypt under restored session: %v", err)
	}
}

func TestDeleteSessionKeysRevokesRestore(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	if ok, err := km.Unlock(testPassword, true); err != nil || !ok {
		t.Fatalf("Failed to unlock: ok=%v err=%v", ok, err)
	}

	// Revoking does not lock the open session.
	if err := km.DeleteSessionKeys(); err != nil {
		t.Fatalf("Failed to delete session keys: %v", err)
	}
	if !km.IsUnlocked() {
		t.Error("DeleteSessionKeys locked the open session")
	}

	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	restored, err := km.RestoreSession()
	if err != nil {
		t.Errorf("Restore returned error: %v", err)
	}
	if restored {
		t.Error("Session restored after revocation")
	}
}

func TestLockClearSession(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	if ok, err := km.Unlock(testPassword, true); err != nil || !ok {
		t.Fatalf("Failed to unlock: ok=%v err=%v", ok, err)
	}
	if err := km.Lock(true); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	status, err := km.Status()
	if err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if status.SessionPersisted() {
		t.Error("Session envelope survived Lock(clearSession)")
	}
}

func TestChangePasswordInvalidatesSession(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	if ok, err := km.Unlock(testPassword, true); err != nil || !ok {
		t.Fatalf("Failed to unlock: ok=%v err=%v", ok, err)
	}
	if ok, err := km.ChangePassword(testPassword, "next-password"); err != nil || !ok {
		t.Fatalf("Password change failed: ok=%v err=%v", ok, err)
	}

	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	restored, err := km.RestoreSession()
	if err != nil {
		t.Errorf("Restore returned error: %v", err)
	}
	if restored {
		t.Error("Session restored after password change")
	}
}

func TestStatusFlags(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	instance, err := registry.CreateInstance("fresh")
	if err != nil {
		t.Fatalf("Failed to create instance: %v", err)
	}

	km := registry.KeyManager(instance.ID)
	status, err := km.Status()
	if err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if status.SetUp() || status.SessionPersisted() {
		t.Error("Fresh instance reports existing key state")
	}

	if ok, err := km.Setup(testPassword); err != nil || !ok {
		t.Fatalf("Setup failed: ok=%v err=%v", ok, err)
	}
	status, err = km.Status()
	if err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if !status.SetUp() {
		t.Error("Set up instance reports missing key material")
	}
	if status.SessionPersisted() {
		t.Error("Session reported persisted without Unlock(persistSession)")
	}
}

func TestReset(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	if ok, err := km.Unlock(testPassword, true); err != nil || !ok {
		t.Fatalf("Failed to unlock: ok=%v err=%v", ok, err)
	}

	if err := km.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if km.IsUnlocked() {
		t.Error("Instance still unlocked after reset")
	}

	status, err := km.Status()
	if err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if status.SetUp() || status.SessionPersisted() {
		t.Error("Key state survived reset")
	}

	if _, err = km.Unlock(testPassword, false); !errors.Is(err, ErrNotSetUp) {
		t.Errorf("Unlock after reset = %v, want ErrNotSetUp", err)
	}

	// Setup works again after reset, with a new DEK.
	if ok, err := km.Setup("new-life"); err != nil || !ok {
		t.Errorf("Setup after reset failed: ok=%v err=%v", ok, err)
	}
}

func TestUnlockWithTamperedWrap(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	id, km := newSetUpInstance(t, registry, "personal")
	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	// Corrupt the base-wrapped DEK while leaving salt and check value
	// intact: the password verifies but the unwrap must fail hard.
	versioned, err := store.LoadKeyMaterial(id)
	if err != nil {
		t.Fatalf("Failed to load key material: %v", err)
	}
	var material keyMaterial
	if err = json.Unmarshal(versioned.Data, &material); err != nil {
		t.Fatalf("Failed to unmarshal key material: %v", err)
	}
	material.WrappedDEK[len(material.WrappedDEK)/2] ^= 0x01
	data, err := json.Marshal(material)
	if err != nil {
		t.Fatalf("Failed to marshal key material: %v", err)
	}
	if _, err = store.SaveKeyMaterial(id, data, ""); err != nil {
		t.Fatalf("Failed to save tampered material: %v", err)
	}

	ok, err := km.Unlock(testPassword, false)
	if ok {
		t.Error("Unlock succeeded with tampered wrap")
	}
	if !errors.Is(err, ErrCorruptKeyMaterial) {
		t.Errorf("Unlock error = %v, want ErrCorruptKeyMaterial", err)
	}
}

func TestUnlockWithGarbageKeyMaterial(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	id, km := newSetUpInstance(t, registry, "personal")
	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	if _, err := store.SaveKeyMaterial(id, []byte("not json at all"), ""); err != nil {
		t.Fatalf("Failed to save garbage material: %v", err)
	}

	ok, err := km.Unlock(testPassword, false)
	if ok {
		t.Error("Unlock succeeded with garbage key material")
	}
	if !errors.Is(err, ErrCorruptKeyMaterial) {
		t.Errorf("Unlock error = %v, want ErrCorruptKeyMaterial", err)
	}
}

// envelopeDeleteFailStore makes session envelope deletion fail on demand,
// simulating a storage fault mid-operation.
type envelopeDeleteFailStore struct {
	persist.Store
	failDelete bool
}

func (s *envelopeDeleteFailStore) DeleteSessionEnvelope(instanceID string) error {
	if s.failDelete {
		return fmt.Errorf("simulated storage failure")
	}
	return s.Store.DeleteSessionEnvelope(instanceID)
}

func TestChangePasswordEnvelopeDeleteFailureKeepsOldMaterial(t *testing.T) {
	inner, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })

	store := &envelopeDeleteFailStore{Store: inner}
	km := NewKeyManager("inst-1", store, nil, testKDF)

	if ok, err := km.Setup(testPassword); err != nil || !ok {
		t.Fatalf("Setup failed: ok=%v err=%v", ok, err)
	}
	if ok, err := km.Unlock(testPassword, true); err != nil || !ok {
		t.Fatalf("Failed to unlock with session persistence: ok=%v err=%v", ok, err)
	}

	// The envelope wraps the DEK under its own key, so leaving it behind
	// after a password change would let RestoreSession bypass the new
	// password. When its deletion fails, no new material may be committed.
	store.failDelete = true
	ok, err := km.ChangePassword(testPassword, "next-password")
	if ok {
		t.Fatal("Password change reported success while envelope deletion failed")
	}
	var ioErr *StorageIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Password change error = %v, want StorageIOError", err)
	}
	store.failDelete = false

	if err = km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	// Nothing was committed: the new password does not verify, the old
	// password and the persisted session both still work.
	if ok, err := km.Unlock("next-password", false); err != nil || ok {
		t.Errorf("Aborted new password unlocked: ok=%v err=%v, want false,nil", ok, err)
	}
	if ok, err := km.Unlock(testPassword, false); err != nil || !ok {
		t.Fatalf("Old password rejected after aborted change: ok=%v err=%v", ok, err)
	}
	if err = km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	restored, err := km.RestoreSession()
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restored {
		t.Error("Persisted session unusable after aborted password change")
	}
}

func TestConcurrentLifecycleOperations(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	// Hammer the lifecycle from many goroutines. Individual operations may
	// fail or succeed depending on interleaving; what must hold is that the
	// per-instance mutex keeps the persisted key material consistent.
	// ChangePassword keeps old and new identical so the final check has a
	// known password regardless of ordering.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(4)
		go func() {
			defer wg.Done()
			_, _ = km.Unlock(testPassword, true)
		}()
		go func() {
			defer wg.Done()
			_ = km.Lock(false)
		}()
		go func() {
			defer wg.Done()
			_, _ = km.RestoreSession()
		}()
		go func() {
			defer wg.Done()
			_, _ = km.ChangePassword(testPassword, testPassword)
		}()
	}
	wg.Wait()

	if err := km.Lock(true); err != nil {
		t.Fatalf("Failed to lock after concurrent operations: %v", err)
	}
	ok, err := km.Unlock(testPassword, false)
	if err != nil {
		t.Fatalf("Unlock after concurrent operations failed: %v", err)
	}
	if !ok {
		t.Fatal("Key material no longer verifies after concurrent operations")
	}
}

func TestMalformedSessionEnvelopeIsExpired(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	id, km := newSetUpInstance(t, registry, "personal")
	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	if err := store.SaveSessionEnvelope(id, []byte("{\"version\":1}")); err != nil {
		t.Fatalf("Failed to save malformed envelope: %v", err)
	}

	restored, err := km.RestoreSession()
	if err != nil {
		t.Errorf("Malformed envelope returned error: %v", err)
	}
	if restored {
		t.Error("Malformed envelope restored a session")
	}
}
