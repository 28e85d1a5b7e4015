package keep

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"southwinds.dev/keep/persist"
)

func newTestContentStore(t *testing.T) (*ContentStore, *KeyManager, *Registry) {
	t.Helper()
	registry, _, blobs := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	content := NewContentStore(blobs, nil)
	if err := content.Initialize(km); err != nil {
		t.Fatalf("Failed to initialize content store: %v", err)
	}
	return content, km, registry
}

func TestContentRoundTrip(t *testing.T) {
	content, _, _ := newTestContentStore(t)

	sizes := []int{0, 1, 1024, 2 * 1024 * 1024}
	for _, size := range sizes {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("Failed to generate test data: %v", err)
		}

		path := "items/blob"
		if err := content.Store(path, plaintext); err != nil {
			t.Fatalf("Failed to store %d bytes: %v", size, err)
		}

		retrieved, err := content.Retrieve(path)
		if err != nil {
			t.Fatalf("Failed to retrieve %d bytes: %v", size, err)
		}
		if !bytes.Equal(plaintext, retrieved) {
			t.Errorf("Round trip of %d bytes did not match", size)
		}
	}
}

func TestContentStoredAsCiphertext(t *testing.T) {
	registry, _, blobs := newTestRegistry(t)
	id, km := newSetUpInstance(t, registry, "personal")

	content := NewContentStore(blobs, nil)
	if err := content.Initialize(km); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	plaintext := []byte("definitely not stored in the clear")
	if err := content.Store("secret", plaintext); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	raw, err := blobs.ReadBlob(id, "secret")
	if err != nil {
		t.Fatalf("Failed to read raw blob: %v", err)
	}
	if bytes.Contains(raw, plaintext) {
		t.Error("Stored blob contains the plaintext")
	}
	if len(raw) <= len(plaintext) {
		t.Error("Stored blob is not larger than the plaintext (no nonce/tag?)")
	}
}

func TestRetrieveMissingContent(t *testing.T) {
	content, _, _ := newTestContentStore(t)

	if _, err := content.Retrieve("does/not/exist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Missing content error = %v, want ErrNotFound", err)
	}
}

func TestRetrieveTamperedContent(t *testing.T) {
	registry, _, blobs := newTestRegistry(t)
	id, km := newSetUpInstance(t, registry, "personal")

	content := NewContentStore(blobs, nil)
	if err := content.Initialize(km); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	if err := content.Store("photo", []byte("image bytes")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	raw, err := blobs.ReadBlob(id, "photo")
	if err != nil {
		t.Fatalf("Failed to read raw blob: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	if err = blobs.WriteBlob(id, "photo", raw); err != nil {
		t.Fatalf("Failed to write tampered blob: %v", err)
	}

	if _, err = content.Retrieve("photo"); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("Tampered content error = %v, want ErrDecryptionFailure", err)
	}
}

func TestRetrieveAfterLock(t *testing.T) {
	content, km, _ := newTestContentStore(t)

	if err := content.Store("doc", []byte("data")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}

	if _, err := content.Retrieve("doc"); !errors.Is(err, ErrNotUnlocked) {
		t.Errorf("Retrieve while locked = %v, want ErrNotUnlocked", err)
	}
	if err := content.Store("doc2", []byte("data")); !errors.Is(err, ErrNotUnlocked) {
		t.Errorf("Store while locked = %v, want ErrNotUnlocked", err)
	}
}

func TestDeleteContent(t *testing.T) {
	content, km, _ := newTestContentStore(t)

	if err := content.Store("temp", []byte("data")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	// Delete works without an unlocked instance: ciphertext removal needs
	// no key.
	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	if err := content.Delete("temp"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	if err := content.Delete("temp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Second delete = %v, want ErrNotFound", err)
	}
}

func TestContentStoreRequiresInitialize(t *testing.T) {
	registry, _, blobs := newTestRegistry(t)
	newSetUpInstance(t, registry, "personal")

	content := NewContentStore(blobs, nil)
	if err := content.Store("x", []byte("data")); !errors.Is(err, ErrStorageNotInitialized) {
		t.Errorf("Store before Initialize = %v, want ErrStorageNotInitialized", err)
	}
	if _, err := content.Retrieve("x"); !errors.Is(err, ErrStorageNotInitialized) {
		t.Errorf("Retrieve before Initialize = %v, want ErrStorageNotInitialized", err)
	}
	if content.IsInitialized() {
		t.Error("IsInitialized reports true before Initialize")
	}
}

func TestInitializeBindingRules(t *testing.T) {
	registry, _, blobs := newTestRegistry(t)
	_, kmA := newSetUpInstance(t, registry, "alpha")
	_, kmB := newSetUpInstance(t, registry, "beta")

	content := NewContentStore(blobs, nil)
	if err := content.Initialize(kmA); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	// Idempotent for the same instance.
	if err := content.Initialize(kmA); err != nil {
		t.Errorf("Re-initialize for same instance failed: %v", err)
	}

	// Conflicting bind fails and leaves the original binding intact.
	if err := content.Initialize(kmB); !errors.Is(err, ErrStorageConflict) {
		t.Errorf("Conflicting initialize = %v, want ErrStorageConflict", err)
	}
	if err := content.Store("still-alpha", []byte("data")); err != nil {
		t.Errorf("Original binding broken after conflict: %v", err)
	}

	// Release allows rebinding: the profile switch protocol.
	content.Release()
	if err := content.Initialize(kmB); err != nil {
		t.Errorf("Initialize after Release failed: %v", err)
	}
}

func TestCrossInstanceIsolation(t *testing.T) {
	registry, _, blobs := newTestRegistry(t)
	idA, kmA := newSetUpInstance(t, registry, "alpha")
	_, kmB := newSetUpInstance(t, registry, "beta")

	contentA := NewContentStore(blobs, nil)
	if err := contentA.Initialize(kmA); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	if err := contentA.Store("shared", []byte("alpha's data")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	// Copy alpha's ciphertext into beta's namespace: beta's DEK must not
	// open it.
	raw, err := blobs.ReadBlob(idA, "shared")
	if err != nil {
		t.Fatalf("Failed to read raw blob: %v", err)
	}
	if err = blobs.WriteBlob(kmB.InstanceID(), "shared", raw); err != nil {
		t.Fatalf("Failed to copy blob: %v", err)
	}

	contentB := NewContentStore(blobs, nil)
	if err = contentB.Initialize(kmB); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	if _, err = contentB.Retrieve("shared"); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("Cross-instance decrypt = %v, want ErrDecryptionFailure", err)
	}
}

// gatedBlobStore blocks ReadBlob until released, so a test can land a
// Lock while a retrieval is in flight.
type gatedBlobStore struct {
	persist.BlobStore
	reading chan struct{}
	release chan struct{}
}

func (g *gatedBlobStore) ReadBlob(instanceID, path string) ([]byte, error) {
	g.reading <- struct{}{}
	<-g.release
	return g.BlobStore.ReadBlob(instanceID, path)
}

func TestInFlightRetrieveSurvivesLock(t *testing.T) {
	registry, _, blobs := newTestRegistry(t)
	_, km := newSetUpInstance(t, registry, "personal")

	gated := &gatedBlobStore{
		BlobStore: blobs,
		reading:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	content := NewContentStore(gated, nil)
	if err := content.Initialize(km); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	plaintext := []byte("captured before the lock")
	if err := content.Store("doc", plaintext); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := content.Retrieve("doc")
		done <- result{data, err}
	}()

	// The retrieval has captured its DEK snapshot and is waiting on
	// storage. Lock now, then let it finish.
	<-gated.reading
	if err := km.Lock(false); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	close(gated.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("In-flight retrieval failed after lock: %v", res.err)
	}
	if !bytes.Equal(plaintext, res.data) {
		t.Error("In-flight retrieval returned wrong plaintext")
	}

	// A retrieval issued after Lock fails before it ever reaches storage.
	if _, err := content.Retrieve("doc"); !errors.Is(err, ErrNotUnlocked) {
		t.Errorf("Retrieve after lock = %v, want ErrNotUnlocked", err)
	}
}

func TestMeasureRetrieveMetrics(t *testing.T) {
	content, _, _ := newTestContentStore(t)

	plaintext := bytes.Repeat([]byte{0x42}, 4096)
	if err := content.Store("measured", plaintext); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	done := make(chan RetrievalMetrics, 1)
	retrieved, err := content.MeasureRetrieve("measured", func(m RetrievalMetrics) {
		done <- m
	})
	if err != nil {
		t.Fatalf("Failed to retrieve: %v", err)
	}
	if !bytes.Equal(plaintext, retrieved) {
		t.Error("Retrieved content does not match")
	}

	select {
	case m := <-done:
		if m.Path != "measured" {
			t.Errorf("Metrics path = %q, want %q", m.Path, "measured")
		}
		if m.ByteSize != len(plaintext) {
			t.Errorf("Metrics byte size = %d, want %d", m.ByteSize, len(plaintext))
		}
		if m.Duration <= 0 {
			t.Error("Metrics duration is not positive")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Metrics callback was never invoked")
	}
}

func TestMetricsCallbackNotInvokedOnFailure(t *testing.T) {
	content, _, _ := newTestContentStore(t)

	invoked := make(chan struct{}, 1)
	_, err := content.MeasureRetrieve("missing", func(m RetrievalMetrics) {
		invoked <- struct{}{}
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Retrieve error = %v, want ErrNotFound", err)
	}

	select {
	case <-invoked:
		t.Error("Metrics callback invoked for a failed retrieval")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMetricsCallbackPanicIsContained(t *testing.T) {
	content, _, _ := newTestContentStore(t)

	if err := content.Store("panic-bait", []byte("data")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	done := make(chan struct{})
	retrieved, err := content.MeasureRetrieve("panic-bait", func(m RetrievalMetrics) {
		defer close(done)
		panic("metrics consumer bug")
	})
	if err != nil {
		t.Fatalf("Retrieval failed because of callback panic: %v", err)
	}
	if !bytes.Equal([]byte("data"), retrieved) {
		t.Error("Retrieved content does not match")
	}

	select {
	case <-done:
		// The panic fired and was recovered off the caller's goroutine;
		// reaching here without crashing the test binary is the assertion.
	case <-time.After(2 * time.Second):
		t.Fatal("Metrics callback was never invoked")
	}
}
