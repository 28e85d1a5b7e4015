package misc

const (
	// DefaultArgonTime et al. are the default Argon2id parameters used to
	// derive the key-encryption key from a password. They are defaults
	// only; callers override them through keep.Options.
	DefaultArgonTime    uint32 = 4
	DefaultArgonMemory  uint32 = 128 * 1024
	DefaultArgonThreads uint8  = 4

	// KeySize is the size of every symmetric key handled by the vault:
	// the derived KEK, the data encryption key and the session wrapping key.
	KeySize = 32

	// SaltSize is the size of the KDF salt generated at setup and on
	// every password change.
	SaltSize = 16

	// KeyCheckSize is the size of the stored key check value.
	KeyCheckSize = 32
)
