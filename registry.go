package keep

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/keep/audit"
	"southwinds.dev/keep/internal/mem"
	"southwinds.dev/keep/persist"
)

// Registry is the catalog of known vault instances and the owner of their
// key managers. It guarantees one live KeyManager per instance ID, so
// in-memory session state is shared correctly across the application
// instead of living in hidden module-level globals.
//
// Construct one Registry at application start and pass it to consumers.
type Registry struct {
	store   persist.Store
	blobs   persist.BlobStore
	audit   audit.Logger
	options Options

	mu       sync.Mutex
	managers map[string]*KeyManager

	memProtection mem.ProtectionLevel
}

// NewRegistry creates the instance registry. If options request memory
// locking, it is attempted here once for the whole process.
func NewRegistry(options Options, store persist.Store, blobs persist.BlobStore, auditLogger audit.Logger) *Registry {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	protection := mem.ProtectionNone
	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err == nil {
			protection = level
		}
	}

	return &Registry{
		store:         store,
		blobs:         blobs,
		audit:         auditLogger,
		options:       options,
		managers:      make(map[string]*KeyManager),
		memProtection: protection,
	}
}

// MemoryProtection reports the memory protection level achieved at
// construction.
func (r *Registry) MemoryProtection() mem.ProtectionLevel {
	return r.memProtection
}

// CreateInstance adds a catalog row for a new instance and returns it.
// The instance has no key material until its KeyManager's Setup is called.
func (r *Registry) CreateInstance(name string) (*Instance, error) {
	if name == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	now := time.Now().UTC()
	record := &persist.InstanceRecord{
		ID:             uuid.New().String(),
		Name:           name,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if err := r.store.SaveInstanceRecord(record); err != nil {
		return nil, storageErr("SaveInstanceRecord", err)
	}

	r.logAudit("create_instance", record.ID, nil)
	return instanceFromRecord(record), nil
}

// Instances enumerates known instances ordered by last access, most
// recently used first. The ordering is a UI convenience, not a security
// boundary.
func (r *Registry) Instances() ([]*Instance, error) {
	records, err := r.store.ListInstanceRecords()
	if err != nil {
		return nil, storageErr("ListInstanceRecords", err)
	}

	instances := make([]*Instance, 0, len(records))
	for _, record := range records {
		instances = append(instances, instanceFromRecord(record))
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].LastAccessedAt.After(instances[j].LastAccessedAt)
	})
	return instances, nil
}

// Instance returns one catalog entry, or ErrNotFound.
func (r *Registry) Instance(id string) (*Instance, error) {
	record, err := r.store.LoadInstanceRecord(id)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("LoadInstanceRecord", err)
	}
	return instanceFromRecord(record), nil
}

// KeyManager returns the singleton key manager for an instance, creating
// it lazily. Repeated calls with the same ID return the same live object.
func (r *Registry) KeyManager(id string) *KeyManager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if manager, ok := r.managers[id]; ok {
		return manager
	}

	manager := NewKeyManager(id, r.store, r.audit, r.options.KDF)
	r.managers[id] = manager
	return manager
}

// DeleteInstance removes an instance from the catalog and purges its
// content blobs. The instance's key material must already have been
// destroyed via its KeyManager's Reset; calling this first returns
// ErrNotReset. The registry deliberately does not reset on the caller's
// behalf, since reset is a privileged, irreversible operation.
func (r *Registry) DeleteInstance(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.store.KeyMaterialExists(id)
	if err != nil {
		return storageErr("KeyMaterialExists", err)
	}
	if exists {
		r.logAudit("delete_instance", id, ErrNotReset)
		return ErrNotReset
	}

	if r.blobs != nil {
		if err = r.blobs.DeleteAllBlobs(id); err != nil {
			r.logAudit("delete_instance", id, err)
			return storageErr("DeleteAllBlobs", err)
		}
	}

	if err = r.store.DeleteInstanceRecord(id); err != nil {
		r.logAudit("delete_instance", id, err)
		return storageErr("DeleteInstanceRecord", err)
	}

	delete(r.managers, id)
	r.logAudit("delete_instance", id, nil)
	return nil
}

// CloseAll locks every live key manager and releases memory locks. Call
// on application shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, manager := range r.managers {
		if err := manager.Lock(false); err != nil {
			errs = append(errs, fmt.Errorf("failed to lock instance %s: %w", id, err))
		}
	}

	if r.memProtection != mem.ProtectionNone {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (r *Registry) logAudit(action, instanceID string, opErr error) {
	metadata := map[string]interface{}{
		"instance_id": instanceID,
	}
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	if err := r.audit.Log(action, opErr == nil, metadata); err != nil {
		fmt.Printf("WARNING: failed to write audit log for %s: %v\n", action, err)
	}
}

func instanceFromRecord(record *persist.InstanceRecord) *Instance {
	return &Instance{
		ID:             record.ID,
		Name:           record.Name,
		CreatedAt:      record.CreatedAt,
		LastAccessedAt: record.LastAccessedAt,
	}
}
