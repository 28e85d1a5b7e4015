package keep

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/keep/audit"
	"southwinds.dev/keep/internal/crypto"
	"southwinds.dev/keep/persist"
)

// ContentStore reads and writes content blobs for one instance,
// AEAD-encrypted under the instance's live DEK. It must be initialized
// against a KeyManager before use; the binding guard prevents blobs from
// one instance ever being written or read under another instance's key.
//
// The store has no notion of content type or soft-delete: thumbnails and
// secondary assets follow the same contract under their own paths, and
// higher layers that track metadata rows decide when Delete is called.
type ContentStore struct {
	blobs persist.BlobStore
	audit audit.Logger

	mu sync.RWMutex
	km *KeyManager // nil until Initialize; the DEK is read per operation
}

// NewContentStore creates an unbound content store over a blob area.
func NewContentStore(blobs persist.BlobStore, auditLogger audit.Logger) *ContentStore {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &ContentStore{blobs: blobs, audit: auditLogger}
}

// Initialize binds the store to an instance's key manager. Idempotent for
// the same instance; returns ErrStorageConflict when already bound to a
// different one. Switch profiles by constructing a store per instance or
// calling Release first.
func (c *ContentStore) Initialize(km *KeyManager) error {
	if km == nil {
		return fmt.Errorf("key manager cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.km != nil {
		if c.km.InstanceID() == km.InstanceID() {
			return nil
		}
		return fmt.Errorf("%w: bound to %s, asked for %s",
			ErrStorageConflict, c.km.InstanceID(), km.InstanceID())
	}

	c.km = km
	return nil
}

// IsInitialized reports whether the store is bound to an instance.
func (c *ContentStore) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.km != nil
}

// Release unbinds the store so it can be initialized for another
// instance. Part of the caller-driven profile switch protocol: lock the
// old instance, release, initialize for the new one.
func (c *ContentStore) Release() {
	c.mu.Lock()
	c.km = nil
	c.mu.Unlock()
}

// Store encrypts plaintext under the live DEK and writes it at path.
// Fails with ErrStorageNotInitialized before Initialize and with
// ErrNotUnlocked when the bound instance is locked.
func (c *ContentStore) Store(path string, plaintext []byte) error {
	km, err := c.boundManager()
	if err != nil {
		return err
	}

	enclave, err := km.dekSnapshot()
	if err != nil {
		return err
	}

	buffer, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to access DEK: %w", err)
	}
	ciphertext, err := crypto.EncryptValue(plaintext, buffer.Bytes())
	buffer.Destroy()
	if err != nil {
		return fmt.Errorf("failed to encrypt content: %w", err)
	}

	if err = c.blobs.WriteBlob(km.InstanceID(), path, ciphertext); err != nil {
		c.logAudit("content_store", km.InstanceID(), path, err, nil)
		return storageErr("WriteBlob", err)
	}

	c.logAudit("content_store", km.InstanceID(), path, nil, map[string]interface{}{
		"byte_size": len(plaintext),
	})
	return nil
}

// MeasureRetrieve reads the ciphertext at path, decrypts it under the
// live DEK and returns the plaintext. The DEK snapshot is captured at
// call time, so a concurrent Lock does not swap keys mid-operation.
//
// When onMetrics is non-nil it is invoked asynchronously with path, size
// and elapsed time after a successful decrypt: never on failure, never
// blocking the return value, and a panicking callback is recovered and
// logged rather than propagated.
//
// Failure modes: ErrNotFound when the path is absent, and
// ErrDecryptionFailure when authentication fails (wrong key, corrupt
// ciphertext, bit rot). An authentication failure is a hard error; there
// is no fallback that returns unauthenticated bytes.
func (c *ContentStore) MeasureRetrieve(path string, onMetrics MetricsFunc) ([]byte, error) {
	km, err := c.boundManager()
	if err != nil {
		return nil, err
	}

	enclave, err := km.dekSnapshot()
	if err != nil {
		return nil, err
	}

	start := time.Now()

	ciphertext, err := c.blobs.ReadBlob(km.InstanceID(), path)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, fmt.Errorf("content %s: %w", path, ErrNotFound)
		}
		return nil, storageErr("ReadBlob", err)
	}

	buffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access DEK: %w", err)
	}
	plaintext, err := crypto.DecryptValue(ciphertext, buffer.Bytes())
	buffer.Destroy()
	if err != nil {
		c.logAudit("content_retrieve", km.InstanceID(), path, ErrDecryptionFailure, nil)
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	elapsed := time.Since(start)

	c.logAudit("content_retrieve", km.InstanceID(), path, nil, map[string]interface{}{
		"byte_size":   len(plaintext),
		"duration_ms": elapsed.Milliseconds(),
	})

	if onMetrics != nil {
		metrics := RetrievalMetrics{Path: path, ByteSize: len(plaintext), Duration: elapsed}
		go c.notifyMetrics(onMetrics, metrics)
	}

	return plaintext, nil
}

// Retrieve is MeasureRetrieve without a metrics callback.
func (c *ContentStore) Retrieve(path string) ([]byte, error) {
	return c.MeasureRetrieve(path, nil)
}

// Delete removes the ciphertext blob at path. Requires initialization but
// not an unlocked instance; removing ciphertext needs no key.
func (c *ContentStore) Delete(path string) error {
	km, err := c.boundManager()
	if err != nil {
		return err
	}

	if err = c.blobs.DeleteBlob(km.InstanceID(), path); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return fmt.Errorf("content %s: %w", path, ErrNotFound)
		}
		c.logAudit("content_delete", km.InstanceID(), path, err, nil)
		return storageErr("DeleteBlob", err)
	}

	c.logAudit("content_delete", km.InstanceID(), path, nil, nil)
	return nil
}

func (c *ContentStore) boundManager() (*KeyManager, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.km == nil {
		return nil, ErrStorageNotInitialized
	}
	return c.km, nil
}

// notifyMetrics delivers metrics on a separate goroutine. The callback is
// fire-and-forget instrumentation: it must never affect the retrieval
// that triggered it.
func (c *ContentStore) notifyMetrics(onMetrics MetricsFunc, metrics RetrievalMetrics) {
	defer func() {
		if r := recover(); r != nil {
			_ = c.audit.Log("metrics_callback_panic", false, map[string]interface{}{
				"path":  metrics.Path,
				"error": fmt.Sprintf("%v", r),
			})
		}
	}()
	onMetrics(metrics)
}

func (c *ContentStore) logAudit(action, instanceID, path string, opErr error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["instance_id"] = instanceID
	metadata["path"] = path
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	if err := c.audit.Log(action, opErr == nil, metadata); err != nil {
		fmt.Printf("WARNING: failed to write audit log for %s: %v\n", action, err)
	}
}
