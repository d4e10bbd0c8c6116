package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/strongroom/internal/misc"
)

// Derivation function names recorded in snapshot containers.
const (
	KDFArgon2id = "argon2id"

	// KDFPBKDF2 is kept for reading containers written before the move
	// to Argon2id.
	KDFPBKDF2 = "pbkdf2-sha256"
)

// NewSalt returns a fresh random salt for key derivation.
func NewSalt() ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a passphrase into a cipher key with Argon2id and
// moves it straight into locked memory. The passphrase slice is not
// consumed; the caller remains responsible for wiping it.
func DeriveKey(passphrase, salt []byte) (*memguard.LockedBuffer, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("derivation salt must not be empty")
	}

	derivedKey := argon2.IDKey(
		passphrase,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// NewBufferFromBytes wipes the unprotected copy.
	return memguard.NewBufferFromBytes(derivedKey), nil
}

// DeriveKeyNamed derives a key with the function recorded in a persisted
// container. Unknown names are rejected so old containers fail loudly
// instead of decrypting garbage.
func DeriveKeyNamed(kdf string, passphrase, salt []byte) (*memguard.LockedBuffer, error) {
	switch kdf {
	case KDFArgon2id, "":
		return DeriveKey(passphrase, salt)
	case KDFPBKDF2:
		if len(salt) == 0 {
			return nil, fmt.Errorf("derivation salt must not be empty")
		}
		derivedKey := pbkdf2.Key(passphrase, salt, misc.PBKDF2Iterations, int(misc.ArgonKeyLen), sha256.New)
		return memguard.NewBufferFromBytes(derivedKey), nil
	default:
		return nil, fmt.Errorf("unknown key derivation function: %s", kdf)
	}
}

// CalculateChecksum calculates the SHA-256 checksum of data.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey flags keys that are too short or show trivially low entropy.
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	// Check for all zeros
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	// Check for all same byte
	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	// Should have reasonable variety (at least 16 different byte values)
	return len(uniqueBytes) < 16
}
