package persist

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore is the sandboxed binary blob area the encrypted content store
// writes to. Blobs are addressed by an instance ID and a slash-separated
// relative path; every byte passed in is already ciphertext, so the blob
// area needs durability, not confidentiality.
type BlobStore interface {
	WriteBlob(instanceID, path string, data []byte) error
	ReadBlob(instanceID, path string) ([]byte, error)
	BlobExists(instanceID, path string) (bool, error)
	DeleteBlob(instanceID, path string) error

	// ListBlobs enumerates all blob paths for an instance. Used by backup
	// export and by instance deletion, not by the content store itself.
	ListBlobs(instanceID string) ([]string, error)

	// DeleteAllBlobs removes every blob for an instance.
	DeleteAllBlobs(instanceID string) error
}

// FileBlobStore implements BlobStore under basePath/<instanceID>/blobs/.
type FileBlobStore struct {
	basePath string
}

// NewFileBlobStore initializes a blob store rooted at basePath.
func NewFileBlobStore(basePath string) (*FileBlobStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if err := os.MkdirAll(basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{basePath: basePath}, nil
}

// validateBlobPath rejects paths that would escape the instance's blob
// root. Accepted paths are clean, relative, slash separated.
func validateBlobPath(path string) error {
	if path == "" {
		return fmt.Errorf("blob path cannot be empty")
	}
	if strings.Contains(path, "\\") {
		return fmt.Errorf("blob path contains invalid characters")
	}
	cleaned := filepath.ToSlash(filepath.Clean(path))
	if cleaned != path || strings.HasPrefix(cleaned, "/") || strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("blob path %q is not a clean relative path", path)
	}
	return nil
}

func (b *FileBlobStore) blobPath(instanceID, path string) (string, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return "", fmt.Errorf("invalid instance ID: %w", err)
	}
	if err := validateBlobPath(path); err != nil {
		return "", err
	}
	return filepath.Join(b.basePath, instanceID, "blobs", filepath.FromSlash(path)), nil
}

func (b *FileBlobStore) WriteBlob(instanceID, path string, data []byte) error {
	full, err := b.blobPath(instanceID, path)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(full), DirPermissions); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	return writeSecureFile(full, data, FilePermissions)
}

func (b *FileBlobStore) ReadBlob(instanceID, path string) ([]byte, error) {
	full, err := b.blobPath(instanceID, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}
	return data, nil
}

func (b *FileBlobStore) BlobExists(instanceID, path string) (bool, error) {
	full, err := b.blobPath(instanceID, path)
	if err != nil {
		return false, err
	}
	return fileExists(full)
}

func (b *FileBlobStore) DeleteBlob(instanceID, path string) error {
	full, err := b.blobPath(instanceID, path)
	if err != nil {
		return err
	}
	if err = os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob %s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}
	return nil
}

func (b *FileBlobStore) ListBlobs(instanceID string) ([]string, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	root := filepath.Join(b.basePath, instanceID, "blobs")
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return []string{}, nil
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return paths, nil
}

func (b *FileBlobStore) DeleteAllBlobs(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(b.basePath, instanceID)); err != nil {
		return fmt.Errorf("failed to delete blobs for instance %s: %w", instanceID, err)
	}
	return nil
}
