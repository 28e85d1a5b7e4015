package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store on an embedded Badger key-value database.
// It keeps everything in a single database file tree, which makes the whole
// persisted state (catalog, key material, session envelopes, backups) one
// directory to copy or snapshot.
//
// Key layout:
//
//	instance/<instanceID>/record
//	instance/<instanceID>/material
//	instance/<instanceID>/session
//	backup/<backupID>
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logging is too chatty for a vault

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreFromConfig creates a BadgerStore from StoreConfig.
func NewBadgerStoreFromConfig(config StoreConfig) (*BadgerStore, error) {
	path, ok := config.Config["path"].(string)
	if !ok {
		return nil, fmt.Errorf("path is required for badger store")
	}
	return NewBadgerStore(path)
}

func recordKey(instanceID string) []byte   { return []byte("instance/" + instanceID + "/record") }
func materialKey(instanceID string) []byte { return []byte("instance/" + instanceID + "/material") }
func sessionKey(instanceID string) []byte  { return []byte("instance/" + instanceID + "/session") }
func backupKey(backupID string) []byte     { return []byte("backup/" + backupID) }

func (bs *BadgerStore) get(key []byte) ([]byte, error) {
	var value []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (bs *BadgerStore) set(key, value []byte) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (bs *BadgerStore) delete(key []byte) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (bs *BadgerStore) exists(key []byte) (bool, error) {
	err := bs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Instance catalog

func (bs *BadgerStore) SaveInstanceRecord(record *InstanceRecord) error {
	if record == nil {
		return fmt.Errorf("instance record cannot be nil")
	}
	if err := validateInstanceID(record.ID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}
	if err = bs.set(recordKey(record.ID), data); err != nil {
		return fmt.Errorf("failed to save instance record: %w", err)
	}
	return nil
}

func (bs *BadgerStore) LoadInstanceRecord(instanceID string) (*InstanceRecord, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := bs.get(recordKey(instanceID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load instance record: %w", err)
	}

	var record InstanceRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance record: %w", err)
	}
	return &record, nil
}

func (bs *BadgerStore) ListInstanceRecords() ([]*InstanceRecord, error) {
	var records []*InstanceRecord
	prefix := []byte("instance/")
	suffix := []byte("/record")

	err := bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !bytes.HasSuffix(item.Key(), suffix) {
				continue
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var record InstanceRecord
			if err = json.Unmarshal(data, &record); err != nil {
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instance records: %w", err)
	}
	return records, nil
}

func (bs *BadgerStore) DeleteInstanceRecord(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	if err := bs.delete(recordKey(instanceID)); err != nil {
		return fmt.Errorf("failed to delete instance record: %w", err)
	}
	return nil
}

// Key material

func (bs *BadgerStore) SaveKeyMaterial(instanceID string, data []byte, expectedVersion string) (string, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return "", fmt.Errorf("invalid instance ID: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("key material cannot be empty")
	}

	key := materialKey(instanceID)

	// Version check and write in one transaction, so the optimistic check
	// cannot race a concurrent writer.
	err := bs.db.Update(func(txn *badger.Txn) error {
		if expectedVersion != "" {
			currentVersion := ""
			item, err := txn.Get(key)
			if err == nil {
				existing, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				currentVersion = calculateFileVersion(existing)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if currentVersion != expectedVersion {
				return ConcurrencyError{
					ExpectedVersion: expectedVersion,
					ActualVersion:   currentVersion,
					Operation:       "SaveKeyMaterial",
				}
			}
		}
		return txn.Set(key, data)
	})
	if err != nil {
		var concErr ConcurrencyError
		if errors.As(err, &concErr) {
			return "", concErr
		}
		return "", fmt.Errorf("failed to save key material: %w", err)
	}

	return calculateFileVersion(data), nil
}

func (bs *BadgerStore) LoadKeyMaterial(instanceID string) (*VersionedData, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := bs.get(materialKey(instanceID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("key material: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load key material: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: time.Now(),
	}, nil
}

func (bs *BadgerStore) KeyMaterialExists(instanceID string) (bool, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return false, fmt.Errorf("invalid instance ID: %w", err)
	}
	return bs.exists(materialKey(instanceID))
}

func (bs *BadgerStore) DeleteKeyMaterial(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	if err := bs.delete(materialKey(instanceID)); err != nil {
		return fmt.Errorf("failed to delete key material: %w", err)
	}
	return nil
}

// Session envelope

func (bs *BadgerStore) SaveSessionEnvelope(instanceID string, data []byte) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("session envelope cannot be empty")
	}
	if err := bs.set(sessionKey(instanceID), data); err != nil {
		return fmt.Errorf("failed to save session envelope: %w", err)
	}
	return nil
}

func (bs *BadgerStore) LoadSessionEnvelope(instanceID string) (*VersionedData, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := bs.get(sessionKey(instanceID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("session envelope: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session envelope: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: time.Now(),
	}, nil
}

func (bs *BadgerStore) SessionEnvelopeExists(instanceID string) (bool, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return false, fmt.Errorf("invalid instance ID: %w", err)
	}
	return bs.exists(sessionKey(instanceID))
}

func (bs *BadgerStore) DeleteSessionEnvelope(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	if err := bs.delete(sessionKey(instanceID)); err != nil {
		return fmt.Errorf("failed to delete session envelope: %w", err)
	}
	return nil
}

// Backups

func (bs *BadgerStore) SaveBackup(container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	if container.BackupID == "" {
		return fmt.Errorf("backup ID is required")
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}
	if err = bs.set(backupKey(container.BackupID), data); err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}
	return nil
}

func (bs *BadgerStore) LoadBackup(backupID string) (*BackupContainer, error) {
	if backupID == "" {
		return nil, fmt.Errorf("backup ID is required")
	}

	data, err := bs.get(backupKey(backupID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup container: %w", err)
	}
	return &container, nil
}

func (bs *BadgerStore) ListBackups() ([]BackupInfo, error) {
	var backups []BackupInfo
	prefix := []byte("backup/")

	err := bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var container BackupContainer
			if err = json.Unmarshal(data, &container); err != nil {
				continue
			}
			backups = append(backups, BackupInfo{
				BackupID:        container.BackupID,
				BackupTimestamp: container.BackupTimestamp,
				FormatVersion:   container.FormatVersion,
				InstanceID:      container.InstanceID,
				InstanceName:    container.InstanceName,
				FileSize:        int64(len(data)),
				IsValid:         validateBackupChecksum(&container),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (bs *BadgerStore) DeleteBackup(backupID string) error {
	if backupID == "" {
		return fmt.Errorf("backup ID is required")
	}

	exists, err := bs.exists(backupKey(backupID))
	if err != nil {
		return fmt.Errorf("failed to check backup: %w", err)
	}
	if !exists {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	if err = bs.delete(backupKey(backupID)); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}

// Health and utilities

func (bs *BadgerStore) Ping() error {
	if bs.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

func (bs *BadgerStore) GetType() string {
	return string(StoreTypeBadger)
}
