// Package crypt supplies the payload ciphers and key derivation used by
// the record store. Ciphers are pluggable through the Provider interface;
// the store never touches a cipher implementation directly.
package crypt

import (
	"errors"
	"fmt"
)

// ErrAuthentication is returned by Open when the sealed data fails
// verification, was truncated, or was sealed under a different key. No
// plaintext is ever returned alongside it.
var ErrAuthentication = errors.New("authentication failed")

// Provider seals and opens payloads with an AEAD cipher.
//
// Seal must produce different output for repeated calls with the same key
// and plaintext. Open must reject any modification of the sealed bytes
// with ErrAuthentication.
type Provider interface {
	// Name identifies the cipher in persisted containers.
	Name() string

	// KeySize returns the exact key length in bytes the provider accepts.
	KeySize() int

	Seal(key, plaintext []byte) ([]byte, error)
	Open(key, sealed []byte) ([]byte, error)
}

// NewProvider returns the provider registered under name. Used when
// restoring persisted containers that record the cipher they were sealed
// with.
func NewProvider(name string) (Provider, error) {
	switch name {
	case CipherXChaCha20Poly1305, "":
		return NewXChaCha(), nil
	default:
		return nil, fmt.Errorf("unknown cipher provider: %s", name)
	}
}
