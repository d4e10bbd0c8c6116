package crypt

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherXChaCha20Poly1305 is the name the default provider records in
// persisted containers.
const CipherXChaCha20Poly1305 = "xchacha20poly1305"

// XChaCha is the default Provider: XChaCha20-Poly1305 with a random
// 24-byte nonce prepended to every sealed payload. The extended nonce
// makes random nonces safe for high volumes of payloads under one key.
type XChaCha struct{}

// NewXChaCha returns the XChaCha20-Poly1305 provider.
func NewXChaCha() *XChaCha { return &XChaCha{} }

func (x *XChaCha) Name() string { return CipherXChaCha20Poly1305 }

func (x *XChaCha) KeySize() int { return chacha20poly1305.KeySize }

// Seal encrypts plaintext under key. The result carries the nonce
// followed by the ciphertext and authentication tag.
func (x *XChaCha) Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	sealed := make([]byte, len(nonce)+len(ciphertext))
	copy(sealed[:len(nonce)], nonce)
	copy(sealed[len(nonce):], ciphertext)
	return sealed, nil
}

// Open decrypts a payload produced by Seal. Any tampering, truncation or
// key mismatch yields ErrAuthentication.
func (x *XChaCha) Open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("sealed data too short: %w", ErrAuthentication)
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ciphertext := sealed[chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}
