package crypt

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	p := NewXChaCha()
	key := testKey(t, p.KeySize())
	plaintext := []byte("the payload under protection")

	sealed, err := p.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains the plaintext")
	}

	opened, err := p.Open(key, sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("Open returned %q, want %q", opened, plaintext)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	p := NewXChaCha()
	key := testKey(t, p.KeySize())
	plaintext := []byte("same input")

	a, err := p.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	b, err := p.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext produced identical output")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	p := NewXChaCha()
	key := testKey(t, p.KeySize())

	sealed, err := p.Seal(key, []byte("intact"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	for _, pos := range []int{0, len(sealed) / 2, len(sealed) - 1} {
		tampered := append([]byte(nil), sealed...)
		tampered[pos] ^= 0x01
		if _, err := p.Open(key, tampered); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("Open of data tampered at %d returned %v, want ErrAuthentication", pos, err)
		}
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	p := NewXChaCha()
	key := testKey(t, p.KeySize())
	other := testKey(t, p.KeySize())

	sealed, err := p.Seal(key, []byte("locked"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := p.Open(other, sealed); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Open with wrong key returned %v, want ErrAuthentication", err)
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	p := NewXChaCha()
	key := testKey(t, p.KeySize())

	sealed, err := p.Seal(key, []byte("short me"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	for _, n := range []int{0, 10, len(sealed) - 1} {
		if _, err := p.Open(key, sealed[:n]); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("Open of %d byte prefix returned %v, want ErrAuthentication", n, err)
		}
	}
}

func TestSealRejectsBadKeySize(t *testing.T) {
	p := NewXChaCha()
	if _, err := p.Seal(make([]byte, 16), []byte("x")); err == nil {
		t.Fatal("Seal accepted a 16 byte key")
	}
	if _, err := p.Open(make([]byte, 31), []byte("x")); err == nil {
		t.Fatal("Open accepted a 31 byte key")
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(CipherXChaCha20Poly1305)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Name() != CipherXChaCha20Poly1305 {
		t.Fatalf("provider name = %q", p.Name())
	}
	if _, err := NewProvider("rot13"); err == nil {
		t.Fatal("NewProvider accepted an unknown cipher")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}

	a, err := DeriveKey([]byte("correct horse battery staple"), salt)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	defer a.Destroy()
	b, err := DeriveKey([]byte("correct horse battery staple"), salt)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	defer b.Destroy()

	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("same passphrase and salt derived different keys")
	}
	if IsWeakKey(a.Bytes()) {
		t.Fatal("derived key flagged as weak")
	}
}

func TestDeriveKeyNamed(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}

	legacy, err := DeriveKeyNamed(KDFPBKDF2, []byte("older snapshot pass"), salt)
	if err != nil {
		t.Fatalf("DeriveKeyNamed(pbkdf2) failed: %v", err)
	}
	defer legacy.Destroy()
	if len(legacy.Bytes()) != 32 {
		t.Fatalf("legacy key length = %d, want 32", len(legacy.Bytes()))
	}

	if _, err := DeriveKeyNamed("scrypt", []byte("p"), salt); err == nil {
		t.Fatal("DeriveKeyNamed accepted an unknown function")
	}
	if _, err := DeriveKey([]byte("p"), nil); err == nil {
		t.Fatal("DeriveKey accepted an empty salt")
	}
}

func TestIsWeakKey(t *testing.T) {
	if !IsWeakKey(make([]byte, 31)) {
		t.Fatal("short key not flagged")
	}
	if !IsWeakKey(make([]byte, 32)) {
		t.Fatal("all-zero key not flagged")
	}
	same := bytes.Repeat([]byte{0xAA}, 32)
	if !IsWeakKey(same) {
		t.Fatal("repeated-byte key not flagged")
	}
	strong := testKey(t, 32)
	if IsWeakKey(strong) {
		t.Fatal("random key flagged as weak")
	}
}

func testKey(t *testing.T, n int) []byte {
	t.Helper()
	key := make([]byte, n)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
