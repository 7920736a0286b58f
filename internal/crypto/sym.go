package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	SymKeySize = chacha20poly1305.KeySize
	NonceSize  = chacha20poly1305.NonceSize
	TagSize    = chacha20poly1305.Overhead
)

// GenerateSymKey returns a fresh random 256-bit layer key.
func GenerateSymKey() ([]byte, error) {
	key := make([]byte, SymKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// SymEncrypt encrypts payload with ChaCha20-Poly1305 under a fresh random nonce.
func SymEncrypt(key, payload []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return nonce, aead.Seal(nil, nonce, payload, nil), nil
}

// SymDecrypt opens a ciphertext produced by SymEncrypt. Any tag mismatch is
// reported as ErrAuthentication.
func SymDecrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce size %d", ErrAuthentication, len(nonce))
	}

	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

// Seal is SymEncrypt with the nonce prepended to the ciphertext.
func Seal(key, payload []byte) ([]byte, error) {
	nonce, ct, err := SymEncrypt(key, payload)
	if err != nil {
		return nil, err
	}

	result := make([]byte, NonceSize+len(ct))
	copy(result, nonce)
	copy(result[NonceSize:], ct)
	return result, nil
}

// Open reverses Seal.
func Open(key, data []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: data too short", ErrAuthentication)
	}
	return SymDecrypt(key, data[:NonceSize], data[NonceSize:])
}

// ExportSymKey encodes a layer key as base64.
func ExportSymKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ImportSymKey decodes a key produced by ExportSymKey.
func ImportSymKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrKeyFormat, err)
	}
	if len(key) != SymKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrKeyFormat, len(key), SymKeySize)
	}
	return key, nil
}
