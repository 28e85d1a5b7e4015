package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ctxTimeout = 10 * time.Second

// S3Config holds the connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3Store implements Store against an S3-compatible object store (MinIO,
// AWS S3). Useful when the vault's persisted state should live off the
// device, e.g. for a synced multi-device setup.
//
// Object layout:
//
//	bucket/[keyPrefix/]instances/<instanceID>/record.json
//	bucket/[keyPrefix/]instances/<instanceID>/key.material
//	bucket/[keyPrefix/]instances/<instanceID>/session.envelope
//	bucket/[keyPrefix/]backups/<backupID>.keepbackup
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3Store connects to the object store and verifies the bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", config.Bucket)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	jsonData, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 store config: %w", err)
	}
	var s3Config S3Config
	if err = json.Unmarshal(jsonData, &s3Config); err != nil {
		return nil, fmt.Errorf("invalid S3 store config: %w", err)
	}
	return NewS3Store(s3Config)
}

func (s *S3Store) objectKey(parts ...string) string {
	key := strings.Join(parts, "/")
	if s.keyPrefix != "" {
		return s.keyPrefix + "/" + key
	}
	return key
}

func (s *S3Store) putObject(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) getObject(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) objectExists(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) removeObject(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %s: %w", key, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

// Instance catalog

func (s *S3Store) SaveInstanceRecord(record *InstanceRecord) error {
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
	return s.putObject(s.objectKey("instances", record.ID, "record.json"), data)
}

func (s *S3Store) LoadInstanceRecord(instanceID string) (*InstanceRecord, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := s.getObject(s.objectKey("instances", instanceID, "record.json"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
		}
		return nil, err
	}

	var record InstanceRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance record: %w", err)
	}
	return &record, nil
}

func (s *S3Store) ListInstanceRecords() ([]*InstanceRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s.objectKey("instances") + "/"
	var records []*InstanceRecord

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, "/record.json") {
			continue
		}
		data, err := s.getObject(object.Key)
		if err != nil {
			continue
		}
		var record InstanceRecord
		if err = json.Unmarshal(data, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}

	return records, nil
}

func (s *S3Store) DeleteInstanceRecord(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	return s.removeObject(s.objectKey("instances", instanceID, "record.json"))
}

// Key material

func (s *S3Store) SaveKeyMaterial(instanceID string, data []byte, expectedVersion string) (string, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return "", fmt.Errorf("invalid instance ID: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("key material cannot be empty")
	}

	key := s.objectKey("instances", instanceID, "key.material")

	// Best-effort optimistic check; S3 has no compare-and-swap, so there
	// is a read-write window here. The vault layer serializes writers per
	// instance, which is the real guard.
	if expectedVersion != "" {
		currentVersion := ""
		existing, err := s.getObject(key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if err == nil {
			currentVersion = calculateFileVersion(existing)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveKeyMaterial",
			}
		}
	}

	if err := s.putObject(key, data); err != nil {
		return "", err
	}
	return calculateFileVersion(data), nil
}

func (s *S3Store) LoadKeyMaterial(instanceID string) (*VersionedData, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := s.getObject(s.objectKey("instances", instanceID, "key.material"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("key material: %w", ErrNotFound)
		}
		return nil, err
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: time.Now(),
	}, nil
}

func (s *S3Store) KeyMaterialExists(instanceID string) (bool, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return false, fmt.Errorf("invalid instance ID: %w", err)
	}
	return s.objectExists(s.objectKey("instances", instanceID, "key.material"))
}

func (s *S3Store) DeleteKeyMaterial(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	return s.removeObject(s.objectKey("instances", instanceID, "key.material"))
}

// Session envelope

func (s *S3Store) SaveSessionEnvelope(instanceID string, data []byte) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("session envelope cannot be empty")
	}
	return s.putObject(s.objectKey("instances", instanceID, "session.envelope"), data)
}

func (s *S3Store) LoadSessionEnvelope(instanceID string) (*VersionedData, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	data, err := s.getObject(s.objectKey("instances", instanceID, "session.envelope"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("session envelope: %w", ErrNotFound)
		}
		return nil, err
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: time.Now(),
	}, nil
}

func (s *S3Store) SessionEnvelopeExists(instanceID string) (bool, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return false, fmt.Errorf("invalid instance ID: %w", err)
	}
	return s.objectExists(s.objectKey("instances", instanceID, "session.envelope"))
}

func (s *S3Store) DeleteSessionEnvelope(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}
	return s.removeObject(s.objectKey("instances", instanceID, "session.envelope"))
}

// Backups

func (s *S3Store) SaveBackup(container *BackupContainer) error {
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
	return s.putObject(s.objectKey("backups", container.BackupID+backupExtension), data)
}

func (s *S3Store) LoadBackup(backupID string) (*BackupContainer, error) {
	if backupID == "" {
		return nil, fmt.Errorf("backup ID is required")
	}

	data, err := s.getObject(s.objectKey("backups", backupID+backupExtension))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return nil, err
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup container: %w", err)
	}
	return &container, nil
}

func (s *S3Store) ListBackups() ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s.objectKey("backups") + "/"
	var backups []BackupInfo

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, backupExtension) {
			continue
		}
		data, err := s.getObject(object.Key)
		if err != nil {
			continue
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
			FileSize:        object.Size,
			IsValid:         validateBackupChecksum(&container),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (s *S3Store) DeleteBackup(backupID string) error {
	if backupID == "" {
		return fmt.Errorf("backup ID is required")
	}

	key := s.objectKey("backups", backupID+backupExtension)
	exists, err := s.objectExists(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	return s.removeObject(key)
}

// Health and utilities

func (s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("S3 connectivity check failed: %w", err)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) GetType() string {
	return string(StoreTypeS3)
}
