package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"southwinds.dev/keep/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	instancesDirName = "instances"
	backupsDirName   = "backups"

	recordFileName   = "instance.json"
	materialFileName = "key.material"
	envelopeFileName = "session.envelope"
	backupExtension  = ".keepbackup"
)

// FileSystemStore implements Store on the local filesystem.
//
// Layout:
//
//	basePath/
//	├── instances/
//	│   └── <instanceID>/
//	│       ├── instance.json     # catalog record
//	│       ├── key.material      # salt + key check value + base-wrapped DEK
//	│       └── session.envelope  # wrapping key + wrapped DEK ("remember me")
//	└── backups/
//	    └── <backupID>.keepbackup
type FileSystemStore struct {
	basePath     string
	instancesDir string
	backupsDir   string
}

// NewFileSystemStore initializes a filesystem store rooted at basePath,
// creating the directory structure if necessary.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	fs := &FileSystemStore{
		basePath:     basePath,
		instancesDir: filepath.Join(basePath, instancesDirName),
		backupsDir:   filepath.Join(basePath, backupsDirName),
	}

	for _, dir := range []string{fs.basePath, fs.instancesDir, fs.backupsDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}
	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) instanceDir(instanceID string) string {
	return filepath.Join(fs.instancesDir, instanceID)
}

// Instance catalog

func (fs *FileSystemStore) SaveInstanceRecord(record *InstanceRecord) error {
	if record == nil {
		return fmt.Errorf("instance record cannot be nil")
	}
	if err := validateInstanceID(record.ID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}

	dir := fs.instanceDir(record.ID)
	if err = os.MkdirAll(dir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}

	return writeSecureFile(filepath.Join(dir, recordFileName), data, FilePermissions)
}

func (fs *FileSystemStore) LoadInstanceRecord(instanceID string) (*InstanceRecord, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(fs.instanceDir(instanceID), recordFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read instance record: %w", err)
	}

	var record InstanceRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance record: %w", err)
	}
	return &record, nil
}

func (fs *FileSystemStore) ListInstanceRecords() ([]*InstanceRecord, error) {
	entries, err := os.ReadDir(fs.instancesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*InstanceRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read instances directory: %w", err)
	}

	var records []*InstanceRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := fs.LoadInstanceRecord(entry.Name())
		if err != nil {
			// A directory without a record is leftover state, not a
			// catalog entry.
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

func (fs *FileSystemStore) DeleteInstanceRecord(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	path := filepath.Join(fs.instanceDir(instanceID), recordFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete instance record: %w", err)
	}

	// Drop the instance directory if nothing else remains in it.
	_ = os.Remove(fs.instanceDir(instanceID))
	return nil
}

// Key material

func (fs *FileSystemStore) SaveKeyMaterial(instanceID string, data []byte, expectedVersion string) (string, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return "", fmt.Errorf("invalid instance ID: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("key material cannot be empty")
	}

	path := filepath.Join(fs.instanceDir(instanceID), materialFileName)

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveKeyMaterial",
			}
		}
	}

	if err := os.MkdirAll(fs.instanceDir(instanceID), DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create instance directory: %w", err)
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) LoadKeyMaterial(instanceID string) (*VersionedData, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}
	return fs.loadVersioned(filepath.Join(fs.instanceDir(instanceID), materialFileName), "key material")
}

func (fs *FileSystemStore) KeyMaterialExists(instanceID string) (bool, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return false, fmt.Errorf("invalid instance ID: %w", err)
	}
	return fileExists(filepath.Join(fs.instanceDir(instanceID), materialFileName))
}

func (fs *FileSystemStore) DeleteKeyMaterial(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	path := filepath.Join(fs.instanceDir(instanceID), materialFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key material: %w", err)
	}
	return nil
}

// Session envelope

func (fs *FileSystemStore) SaveSessionEnvelope(instanceID string, data []byte) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("session envelope cannot be empty")
	}

	if err := os.MkdirAll(fs.instanceDir(instanceID), DirPermissions); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}

	return writeSecureFile(filepath.Join(fs.instanceDir(instanceID), envelopeFileName), data, FilePermissions)
}

func (fs *FileSystemStore) LoadSessionEnvelope(instanceID string) (*VersionedData, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}
	return fs.loadVersioned(filepath.Join(fs.instanceDir(instanceID), envelopeFileName), "session envelope")
}

func (fs *FileSystemStore) SessionEnvelopeExists(instanceID string) (bool, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return false, fmt.Errorf("invalid instance ID: %w", err)
	}
	return fileExists(filepath.Join(fs.instanceDir(instanceID), envelopeFileName))
}

func (fs *FileSystemStore) DeleteSessionEnvelope(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	path := filepath.Join(fs.instanceDir(instanceID), envelopeFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session envelope: %w", err)
	}
	return nil
}

// Backups

func (fs *FileSystemStore) SaveBackup(container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	if container.BackupID == "" {
		return fmt.Errorf("backup ID is required")
	}

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	path := filepath.Join(fs.backupsDir, container.BackupID+backupExtension)
	debug.Print("SaveBackup: writing backup to %s\n", path)
	return writeSecureFile(path, data, FilePermissions)
}

func (fs *FileSystemStore) LoadBackup(backupID string) (*BackupContainer, error) {
	if backupID == "" {
		return nil, fmt.Errorf("backup ID is required")
	}

	path := filepath.Join(fs.backupsDir, backupID+backupExtension)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup container: %w", err)
	}
	return &container, nil
}

func (fs *FileSystemStore) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExtension) {
			continue
		}

		container, err := fs.LoadBackup(strings.TrimSuffix(entry.Name(), backupExtension))
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		backups = append(backups, BackupInfo{
			BackupID:        container.BackupID,
			BackupTimestamp: container.BackupTimestamp,
			FormatVersion:   container.FormatVersion,
			InstanceID:      container.InstanceID,
			InstanceName:    container.InstanceName,
			FileSize:        info.Size(),
			IsValid:         validateBackupChecksum(container),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	debug.Print("ListBackups: found %d backups\n", len(backups))
	return backups, nil
}

func (fs *FileSystemStore) DeleteBackup(backupID string) error {
	if backupID == "" {
		return fmt.Errorf("backup ID is required")
	}

	path := filepath.Join(fs.backupsDir, backupID+backupExtension)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Helpers

func (fs *FileSystemStore) loadVersioned(path, what string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) getFileVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Content fingerprint used only as a version identifier, not for
	// integrity.
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func validateBackupChecksum(container *BackupContainer) bool {
	if container.Checksum == "" || container.EncryptedData == "" {
		return false
	}
	return checksumHex([]byte(container.EncryptedData)) == container.Checksum
}

// writeSecureFile writes data atomically: temp file in the target
// directory, fsync, chmod, rename.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
