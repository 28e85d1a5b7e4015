package persist

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlobStore(t *testing.T) *FileBlobStore {
	t.Helper()
	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	return blobs
}

func TestBlobLifecycle(t *testing.T) {
	blobs := newTestBlobStore(t)

	data := []byte("ciphertext bytes")
	require.NoError(t, blobs.WriteBlob("inst-1", "notes/a.bin", data))

	exists, err := blobs.BlobExists("inst-1", "notes/a.bin")
	require.NoError(t, err)
	assert.True(t, exists)

	read, err := blobs.ReadBlob("inst-1", "notes/a.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, read))

	require.NoError(t, blobs.DeleteBlob("inst-1", "notes/a.bin"))
	_, err = blobs.ReadBlob("inst-1", "notes/a.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	err = blobs.DeleteBlob("inst-1", "notes/a.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlobOverwrite(t *testing.T) {
	blobs := newTestBlobStore(t)

	require.NoError(t, blobs.WriteBlob("inst-1", "item", []byte("first")))
	require.NoError(t, blobs.WriteBlob("inst-1", "item", []byte("second")))

	read, err := blobs.ReadBlob("inst-1", "item")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), read)
}

func TestBlobInstanceIsolation(t *testing.T) {
	blobs := newTestBlobStore(t)

	require.NoError(t, blobs.WriteBlob("inst-a", "shared/path", []byte("a")))
	require.NoError(t, blobs.WriteBlob("inst-b", "shared/path", []byte("b")))

	readA, err := blobs.ReadBlob("inst-a", "shared/path")
	require.NoError(t, err)
	readB, err := blobs.ReadBlob("inst-b", "shared/path")
	require.NoError(t, err)
	assert.NotEqual(t, readA, readB)

	require.NoError(t, blobs.DeleteAllBlobs("inst-a"))
	_, err = blobs.ReadBlob("inst-a", "shared/path")
	assert.ErrorIs(t, err, ErrNotFound)

	// inst-b untouched
	_, err = blobs.ReadBlob("inst-b", "shared/path")
	assert.NoError(t, err)
}

func TestListBlobs(t *testing.T) {
	blobs := newTestBlobStore(t)

	paths, err := blobs.ListBlobs("inst-1")
	require.NoError(t, err)
	assert.Empty(t, paths)

	for _, path := range []string{"a", "dir/b", "dir/sub/c"} {
		require.NoError(t, blobs.WriteBlob("inst-1", path, []byte(path)))
	}

	paths, err = blobs.ListBlobs("inst-1")
	require.NoError(t, err)
	sort.Strings(paths)
	assert.Equal(t, []string{"a", "dir/b", "dir/sub/c"}, paths)
}

func TestBlobPathTraversalRejected(t *testing.T) {
	blobs := newTestBlobStore(t)

	bad := []string{
		"",
		"../escape",
		"dir/../../escape",
		"/absolute",
		"dir\\windows",
		"./dot",
	}
	for _, path := range bad {
		if err := blobs.WriteBlob("inst-1", path, []byte("x")); err == nil {
			t.Errorf("Expected rejection of blob path %q", path)
		}
		if _, err := blobs.ReadBlob("inst-1", path); err == nil {
			t.Errorf("Expected rejection of blob path %q on read", path)
		}
	}
}
