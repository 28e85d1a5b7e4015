package keep

import (
	"path/filepath"
	"testing"

	"southwinds.dev/keep/internal/crypto"
	"southwinds.dev/keep/persist"
)

const testPassword = "correct-horse-battery-staple"

// testKDF keeps Argon2id cheap in tests. Correctness is identical to the
// production parameters, only the cost differs.
var testKDF = crypto.KDFParams{Time: 1, Memory: 1024, Threads: 1}

func newTestRegistry(t *testing.T) (*Registry, persist.Store, persist.BlobStore) {
	t.Helper()

	dir := t.TempDir()
	store, err := persist.NewFileSystemStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	blobs, err := persist.NewFileBlobStore(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("Failed to create blob store: %v", err)
	}

	options := DefaultOptions()
	options.KDF = testKDF

	registry := NewRegistry(options, store, blobs, nil)
	t.Cleanup(func() {
		_ = registry.CloseAll()
		_ = store.Close()
	})

	return registry, store, blobs
}

// newSetUpInstance creates a catalog entry and completes Setup, returning
// the instance ID and its (unlocked) key manager.
func newSetUpInstance(t *testing.T, registry *Registry, name string) (string, *KeyManager) {
	t.Helper()

	instance, err := registry.CreateInstance(name)
	if err != nil {
		t.Fatalf("Failed to create instance: %v", err)
	}

	km := registry.KeyManager(instance.ID)
	ok, err := km.Setup(testPassword)
	if err != nil {
		t.Fatalf("Failed to set up instance: %v", err)
	}
	if !ok {
		t.Fatal("Setup returned false for a fresh instance")
	}

	return instance.ID, km
}
