package keep

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"southwinds.dev/keep/audit"
	"southwinds.dev/keep/internal/crypto"
)

// Options configures vault behavior that is safe to persist: KDF cost
// parameters, memory locking, and audit logging. Passwords and derived
// keys never appear here.
//
// The KDF parameters are deliberately pluggable rather than hard-coded:
// they are an input to key derivation, recorded per deployment, and
// changing them only affects key material created afterwards (setup and
// password change).
type Options struct {
	// KDF holds the Argon2id cost parameters used to derive the
	// key-encryption key from a password.
	KDF crypto.KDFParams `json:"kdf" yaml:"kdf"`

	// EnableMemoryLock requests mlockall so key material cannot be
	// swapped to disk. Best effort; see internal/mem.
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// Audit configures audit logging. Nil disables auditing.
	Audit *audit.Config `json:"audit" yaml:"audit"`
}

// DefaultOptions returns options with the default Argon2id parameters and
// auditing disabled.
func DefaultOptions() Options {
	return Options{
		KDF: crypto.DefaultKDFParams(),
	}
}

// LoadOptions reads Options from a YAML file, applying defaults for
// anything unset.
func LoadOptions(path string) (Options, error) {
	options := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return options, fmt.Errorf("failed to read options file: %w", err)
	}

	if err = yaml.Unmarshal(data, &options); err != nil {
		return options, fmt.Errorf("failed to parse options file: %w", err)
	}

	if err = options.validate(); err != nil {
		return options, err
	}
	return options, nil
}

func (o Options) validate() error {
	if o.KDF.Time == 0 || o.KDF.Memory == 0 || o.KDF.Threads == 0 {
		return fmt.Errorf("invalid KDF parameters: time=%d memory=%d threads=%d",
			o.KDF.Time, o.KDF.Memory, o.KDF.Threads)
	}
	return nil
}
