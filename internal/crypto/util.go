// Package crypto holds the primitive operations the vault is built on:
// password key derivation, authenticated encryption, key check values and
// the passphrase envelope used for backup artifacts. Everything above this
// package works with whole keys; nothing above it touches nonces, MACs or
// KDF parameters directly.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/keep/internal/misc"
)

// KDFParams are the Argon2id parameters used to derive a KEK from a
// password. They are carried alongside the vault options so the KDF cost
// can be tuned per deployment without code changes.
type KDFParams struct {
	Time    uint32 `json:"time" yaml:"time"`
	Memory  uint32 `json:"memory" yaml:"memory"`
	Threads uint8  `json:"threads" yaml:"threads"`
}

// DefaultKDFParams returns the default Argon2id cost parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    misc.DefaultArgonTime,
		Memory:  misc.DefaultArgonMemory,
		Threads: misc.DefaultArgonThreads,
	}
}

// keyCheckContext is the fixed message MACed under a candidate KEK to
// produce the key check value. It is not secret.
var keyCheckContext = []byte("keep/key-check/v1")

// NewSalt generates a random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewRandomKey generates a random 256-bit key and returns it inside a
// memguard buffer so the caller controls its lifetime explicitly.
func NewRandomKey() (*memguard.LockedBuffer, error) {
	key := memguard.NewBufferRandom(misc.KeySize)
	if key == nil {
		return nil, errors.New("failed to allocate random key buffer")
	}
	return key, nil
}

// DeriveKey derives a 256-bit key-encryption key from a password and salt
// using Argon2id. The result is returned in a memguard buffer; the caller
// must Destroy it when done. The password slice is not wiped here because
// the caller may still need it (e.g. to persist a session after unlock).
func DeriveKey(password, salt []byte, params KDFParams) (*memguard.LockedBuffer, error) {
	if len(salt) == 0 {
		return nil, errors.New("salt is required")
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("invalid KDF parameters: time=%d memory=%d threads=%d",
			params.Time, params.Memory, params.Threads)
	}

	derived := argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, misc.KeySize)

	// NewBufferFromBytes wipes the source slice after copying it into
	// protected memory.
	return memguard.NewBufferFromBytes(derived), nil
}

// KeyCheckValue computes the check value stored next to the salt so that a
// candidate password can be verified without decrypting real data. It is an
// HMAC-SHA256 of a fixed context string under the derived KEK: safe to
// persist, and within the KDF's security bound it leaks nothing beyond a
// verification oracle.
func KeyCheckValue(kek []byte) []byte {
	mac := hmac.New(sha256.New, kek)
	mac.Write(keyCheckContext)
	return mac.Sum(nil)
}

// VerifyKeyCheckValue reports whether the KEK matches the stored check
// value. The comparison is constant time.
func VerifyKeyCheckValue(kek, stored []byte) bool {
	if len(stored) != misc.KeyCheckSize {
		return false
	}
	return hmac.Equal(KeyCheckValue(kek), stored)
}

// EncryptValue encrypts a value with a key using ChaCha20-Poly1305.
// The output is nonce || ciphertext+tag.
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue decrypts data produced by EncryptValue. An authentication
// failure (wrong key, truncation, bit rot) is returned as an error and never
// produces plaintext.
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := encryptedData[:aead.NonceSize()]
	ciphertext := encryptedData[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// EncryptWithPassphrase encrypts data under a passphrase with
// PBKDF2-SHA256 + ChaCha20-Poly1305. It is used for backup artifacts,
// which must be recoverable without the vault's own key material.
// The output is salt || nonce || ciphertext+tag.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, misc.KeySize, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	result := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):len(salt)+len(nonce)], nonce)
	copy(result[len(salt)+len(nonce):], ciphertext)

	return result, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < 32+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:32]
	nonce := encryptedData[32 : 32+chacha20poly1305.NonceSize]
	ciphertext := encryptedData[32+chacha20poly1305.NonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, misc.KeySize, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates the SHA-256 checksum of data, hex encoded.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
