package keep

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/keep/internal/crypto"
	"southwinds.dev/keep/internal/debug"
	"southwinds.dev/keep/persist"
)

const (
	backupFormatVersion   = "1"
	backupEncryptionLabel = "pbkdf2+chacha20poly1305"
)

// backupPayload is the inner, passphrase-encrypted body of a backup: the
// catalog record, the key material and every content blob of one
// instance. Blob bytes are the stored ciphertext, still wrapped by the
// instance DEK, so the backup passphrase is a second layer, not the only
// one. The session envelope is deliberately excluded: a restored vault
// always starts locked.
type backupPayload struct {
	Record      *persist.InstanceRecord `json:"record"`
	KeyMaterial []byte                  `json:"key_material"`
	Blobs       map[string][]byte       `json:"blobs"`
}

// ExportInstance serializes one instance (catalog record, key material
// and all content blobs) into a passphrase-encrypted backup container
// and saves it in the store's backup area. The instance does not need to
// be unlocked; everything exported is already encrypted at rest.
func (r *Registry) ExportInstance(instanceID, passphrase string) (*persist.BackupContainer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("backup passphrase cannot be empty")
	}

	record, err := r.store.LoadInstanceRecord(instanceID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("LoadInstanceRecord", err)
	}

	material, err := r.store.LoadKeyMaterial(instanceID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrNotSetUp
		}
		return nil, storageErr("LoadKeyMaterial", err)
	}

	payload := backupPayload{
		Record:      record,
		KeyMaterial: material.Data,
		Blobs:       make(map[string][]byte),
	}

	if r.blobs != nil {
		paths, err := r.blobs.ListBlobs(instanceID)
		if err != nil {
			return nil, storageErr("ListBlobs", err)
		}
		for _, path := range paths {
			data, err := r.blobs.ReadBlob(instanceID, path)
			if err != nil {
				return nil, storageErr("ReadBlob", err)
			}
			payload.Blobs[path] = data
		}
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup payload: %w", err)
	}

	encrypted, err := crypto.EncryptWithPassphrase(plaintext, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(encrypted)
	container := &persist.BackupContainer{
		BackupID:         uuid.New().String(),
		BackupTimestamp:  time.Now().UTC(),
		FormatVersion:    backupFormatVersion,
		InstanceID:       instanceID,
		InstanceName:     record.Name,
		EncryptionMethod: backupEncryptionLabel,
		Checksum:         crypto.CalculateChecksum([]byte(encoded)),
		EncryptedData:    encoded,
	}

	if err = r.store.SaveBackup(container); err != nil {
		r.logAudit("backup_export", instanceID, err)
		return nil, storageErr("SaveBackup", err)
	}

	r.logAudit("backup_export", instanceID, nil)
	return container, nil
}

// ImportInstance restores an instance from a backup container, fully
// replacing any prior state for that instance: key material, catalog
// record and content blobs. The session envelope is deleted and any live
// key manager is locked, so the restored instance always requires a fresh
// unlock with the password that was current at export time.
func (r *Registry) ImportInstance(container *persist.BackupContainer, passphrase string) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}

	if crypto.CalculateChecksum([]byte(container.EncryptedData)) != container.Checksum {
		r.logAudit("backup_import", container.InstanceID, ErrCorruptKeyMaterial)
		return fmt.Errorf("backup %s failed checksum validation", container.BackupID)
	}

	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return fmt.Errorf("backup %s is not valid base64: %w", container.BackupID, err)
	}

	plaintext, err := crypto.DecryptWithPassphrase(encrypted, passphrase)
	if err != nil {
		r.logAudit("backup_import", container.InstanceID, err)
		return fmt.Errorf("failed to decrypt backup (wrong passphrase or corrupt data): %w", err)
	}

	var payload backupPayload
	if err = json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal backup payload: %w", err)
	}
	if payload.Record == nil || len(payload.KeyMaterial) == 0 {
		return fmt.Errorf("backup payload is structurally incomplete")
	}

	instanceID := payload.Record.ID
	debug.Print("ImportInstance: restoring %s (%d blobs)\n", instanceID, len(payload.Blobs))

	// Lock any live session before the state underneath it is replaced.
	r.mu.Lock()
	if manager, ok := r.managers[instanceID]; ok {
		_ = manager.Lock(false)
	}
	r.mu.Unlock()

	if err = r.store.DeleteSessionEnvelope(instanceID); err != nil {
		return storageErr("DeleteSessionEnvelope", err)
	}

	if _, err = r.store.SaveKeyMaterial(instanceID, payload.KeyMaterial, ""); err != nil {
		return storageErr("SaveKeyMaterial", err)
	}

	if err = r.store.SaveInstanceRecord(payload.Record); err != nil {
		return storageErr("SaveInstanceRecord", err)
	}

	if r.blobs != nil {
		if err = r.blobs.DeleteAllBlobs(instanceID); err != nil {
			return storageErr("DeleteAllBlobs", err)
		}
		for path, data := range payload.Blobs {
			if err = r.blobs.WriteBlob(instanceID, path, data); err != nil {
				return storageErr("WriteBlob", err)
			}
		}
	}

	debug.Print("ImportInstance: restore of %s complete\n", instanceID)
	r.logAudit("backup_import", instanceID, nil)
	return nil
}

// ImportBackup loads a backup container by ID from the store and restores
// it. See ImportInstance.
func (r *Registry) ImportBackup(backupID, passphrase string) error {
	container, err := r.store.LoadBackup(backupID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("LoadBackup", err)
	}
	return r.ImportInstance(container, passphrase)
}

// ListBackups enumerates available backups with checksum validation
// status, newest first.
func (r *Registry) ListBackups() ([]persist.BackupInfo, error) {
	backups, err := r.store.ListBackups()
	if err != nil {
		return nil, storageErr("ListBackups", err)
	}
	return backups, nil
}

// DeleteBackup removes a backup from the store.
func (r *Registry) DeleteBackup(backupID string) error {
	if err := r.store.DeleteBackup(backupID); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("DeleteBackup", err)
	}
	return nil
}
