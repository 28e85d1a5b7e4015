// Package persist defines the durable storage contract for the vault.
// All data passed through a Store is opaque to it: key material and session
// envelopes arrive already serialized (and, where applicable, encrypted) by
// the vault layer. The package offers three interchangeable backends:
// local filesystem, an embedded Badger key-value store, and S3-compatible
// object storage.
package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record or blob does not exist.
var ErrNotFound = errors.New("not found")

// VersionedData represents stored data with its version information.
type VersionedData struct {
	Data      []byte
	Version   string // content fingerprint, used for optimistic concurrency
	Timestamp time.Time
}

// InstanceRecord is one catalog row per vault instance.
type InstanceRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Store defines the interface for persisting vault data across process
// restarts. Key material and session envelopes are saved per instance;
// writes that accept an expectedVersion implement optimistic concurrency:
// passing the version returned by the last load makes the write fail with
// ConcurrencyError if the record changed underneath, and passing "" skips
// the check.
type Store interface {

	// Instance catalog

	SaveInstanceRecord(record *InstanceRecord) error
	LoadInstanceRecord(instanceID string) (*InstanceRecord, error)
	ListInstanceRecords() ([]*InstanceRecord, error)
	DeleteInstanceRecord(instanceID string) error

	// Key material (salt + key check value + base-wrapped DEK, serialized
	// by the vault layer; replaced atomically)

	SaveKeyMaterial(instanceID string, data []byte, expectedVersion string) (newVersion string, err error)
	LoadKeyMaterial(instanceID string) (*VersionedData, error)
	KeyMaterialExists(instanceID string) (bool, error)
	DeleteKeyMaterial(instanceID string) error

	// Session envelope (wrapping key + wrapped DEK; password independent)

	SaveSessionEnvelope(instanceID string, data []byte) error
	LoadSessionEnvelope(instanceID string) (*VersionedData, error)
	SessionEnvelopeExists(instanceID string) (bool, error)
	DeleteSessionEnvelope(instanceID string) error

	// Backups

	SaveBackup(container *BackupContainer) error
	LoadBackup(backupID string) (*BackupContainer, error)
	ListBackups() ([]BackupInfo, error)
	DeleteBackup(backupID string) error

	// Health and utilities

	Ping() error
	Close() error
	GetType() string
}

// BackupContainer is the outer backup format: everything needed to restore
// one instance, passphrase-encrypted and checksummed.
type BackupContainer struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	FormatVersion    string    `json:"format_version"`
	InstanceID       string    `json:"instance_id"`
	InstanceName     string    `json:"instance_name"`
	EncryptionMethod string    `json:"encryption_method"`
	Checksum         string    `json:"checksum"` // SHA-256 of EncryptedData
	EncryptedData    string    `json:"encrypted_data"`
}

// BackupInfo holds backup metadata available without decryption.
type BackupInfo struct {
	BackupID        string    `json:"backup_id"`
	BackupTimestamp time.Time `json:"backup_timestamp"`
	FormatVersion   string    `json:"format_version"`
	InstanceID      string    `json:"instance_id"`
	InstanceName    string    `json:"instance_name"`
	FileSize        int64     `json:"file_size"`
	IsValid         bool      `json:"is_valid"` // checksum validation result
}

// StoreConfig provides configuration for the different storage backends.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the available storage backends.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeBadger     StoreType = "badger"
	StoreTypeS3         StoreType = "s3"
)

// ConcurrencyError represents version conflict errors on versioned writes.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func checksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validateInstanceID rejects IDs that could escape the per-instance
// namespace of a backend (path traversal, separators).
func validateInstanceID(instanceID string) error {
	if instanceID == "" {
		return fmt.Errorf("instance ID cannot be empty")
	}

	if strings.Contains(instanceID, "..") ||
		strings.Contains(instanceID, "/") ||
		strings.Contains(instanceID, "\\") ||
		strings.Contains(instanceID, " ") {
		return fmt.Errorf("instance ID contains invalid characters")
	}

	if len(instanceID) > 100 {
		return fmt.Errorf("instance ID too long (max 100 characters)")
	}

	return nil
}
