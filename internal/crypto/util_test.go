package crypto

import (
	"bytes"
	"testing"

	"southwinds.dev/keep/internal/misc"
)

// Fast KDF parameters for tests; production defaults are too slow to run
// per test case.
var testKDF = KDFParams{Time: 1, Memory: 1024, Threads: 1}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	first, err := DeriveKey([]byte("password"), salt, testKDF)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer first.Destroy()

	second, err := DeriveKey([]byte("password"), salt, testKDF)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer second.Destroy()

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("Same password and salt produced different keys")
	}
	if len(first.Bytes()) != misc.KeySize {
		t.Errorf("Derived key size = %d, want %d", len(first.Bytes()), misc.KeySize)
	}
}

func TestDeriveKeySaltMatters(t *testing.T) {
	saltA, _ := NewSalt()
	saltB, _ := NewSalt()

	keyA, err := DeriveKey([]byte("password"), saltA, testKDF)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer keyA.Destroy()

	keyB, err := DeriveKey([]byte("password"), saltB, testKDF)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer keyB.Destroy()

	if bytes.Equal(keyA.Bytes(), keyB.Bytes()) {
		t.Error("Different salts produced identical keys")
	}
}

func TestDeriveKeyValidation(t *testing.T) {
	if _, err := DeriveKey([]byte("password"), nil, testKDF); err == nil {
		t.Error("Expected error for missing salt")
	}

	salt, _ := NewSalt()
	if _, err := DeriveKey([]byte("password"), salt, KDFParams{}); err == nil {
		t.Error("Expected error for zero KDF parameters")
	}
}

func TestKeyCheckValue(t *testing.T) {
	salt, _ := NewSalt()
	kek, err := DeriveKey([]byte("password"), salt, testKDF)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer kek.Destroy()

	kcv := KeyCheckValue(kek.Bytes())
	if len(kcv) != misc.KeyCheckSize {
		t.Errorf("Check value size = %d, want %d", len(kcv), misc.KeyCheckSize)
	}

	if !VerifyKeyCheckValue(kek.Bytes(), kcv) {
		t.Error("Check value does not verify against its own KEK")
	}

	wrong, err := DeriveKey([]byte("not-the-password"), salt, testKDF)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer wrong.Destroy()

	if VerifyKeyCheckValue(wrong.Bytes(), kcv) {
		t.Error("Check value verified against the wrong KEK")
	}

	if VerifyKeyCheckValue(kek.Bytes(), kcv[:misc.KeyCheckSize-1]) {
		t.Error("Truncated check value verified")
	}
}

func TestEncryptDecryptValue(t *testing.T) {
	key, err := NewRandomKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	plaintexts := [][]byte{
		{},
		[]byte("x"),
		[]byte("the quick brown fox"),
		bytes.Repeat([]byte{0xAB}, 64*1024),
	}

	for _, plaintext := range plaintexts {
		ciphertext, err := EncryptValue(plaintext, key.Bytes())
		if err != nil {
			t.Fatalf("Failed to encrypt %d bytes: %v", len(plaintext), err)
		}

		decrypted, err := DecryptValue(ciphertext, key.Bytes())
		if err != nil {
			t.Fatalf("Failed to decrypt %d bytes: %v", len(plaintext), err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Errorf("Round trip of %d bytes did not match", len(plaintext))
		}
	}
}

func TestDecryptValueRejectsTampering(t *testing.T) {
	key, err := NewRandomKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	defer key.Destroy()

	ciphertext, err := EncryptValue([]byte("sensitive data"), key.Bytes())
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	// Flip one bit anywhere in the message
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)/2] ^= 0x01

	if _, err = DecryptValue(tampered, key.Bytes()); err == nil {
		t.Error("Tampered ciphertext decrypted without error")
	}

	// Wrong key
	other, _ := NewRandomKey()
	defer other.Destroy()
	if _, err = DecryptValue(ciphertext, other.Bytes()); err == nil {
		t.Error("Ciphertext decrypted under the wrong key")
	}

	// Truncated input
	if _, err = DecryptValue(ciphertext[:8], key.Bytes()); err == nil {
		t.Error("Truncated ciphertext decrypted without error")
	}
}

func TestEncryptWithPassphraseRoundTrip(t *testing.T) {
	data := []byte("backup payload")

	encrypted, err := EncryptWithPassphrase(data, "letmein")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	decrypted, err := DecryptWithPassphrase(encrypted, "letmein")
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if !bytes.Equal(data, decrypted) {
		t.Error("Passphrase round trip did not match")
	}

	if _, err = DecryptWithPassphrase(encrypted, "wrong"); err == nil {
		t.Error("Decryption succeeded with the wrong passphrase")
	}
}

func TestCalculateChecksum(t *testing.T) {
	a := CalculateChecksum([]byte("data"))
	b := CalculateChecksum([]byte("data"))
	c := CalculateChecksum([]byte("datb"))

	if a != b {
		t.Error("Checksum is not deterministic")
	}
	if a == c {
		t.Error("Different inputs produced the same checksum")
	}
	if len(a) != 64 {
		t.Errorf("Checksum length = %d, want 64 hex characters", len(a))
	}
}
