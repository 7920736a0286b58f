package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// KeyBits is the modulus size of generated relay keys.
const KeyBits = 2048

// GenerateKeyPair generates an RSA key pair for a relay.
func GenerateKeyPair() (*rsa.PublicKey, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &priv.PublicKey, priv, nil
}

// MaxAsymPayload returns the largest plaintext that AsymEncrypt accepts for pub.
func MaxAsymPayload(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// AsymEncrypt encrypts a small payload (a layer key) with RSA-OAEP/SHA-256.
// The ciphertext is always pub.Size() bytes long.
func AsymEncrypt(pub *rsa.PublicKey, payload []byte) ([]byte, error) {
	if err := checkPublicKey(pub); err != nil {
		return nil, err
	}
	if len(payload) > MaxAsymPayload(pub) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), MaxAsymPayload(pub))
	}

	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

// AsymDecrypt reverses AsymEncrypt.
func AsymDecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil || priv.N == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrKeyFormat)
	}
	if len(ciphertext) != priv.Size() {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, want %d", ErrDecryption, len(ciphertext), priv.Size())
	}

	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return pt, nil
}

// ExportPublicKey encodes pub as base64 PKIX (SPKI) DER.
func ExportPublicKey(pub *rsa.PublicKey) (string, error) {
	if err := checkPublicKey(pub); err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPublicKey parses a key produced by ExportPublicKey. Keys weaker than
// KeyBits are rejected.
func ImportPublicKey(s string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrKeyFormat, err)
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrKeyFormat, key)
	}
	if err := checkPublicKey(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// ExportPrivateKey encodes priv as base64 PKCS#8 DER.
func ExportPrivateKey(priv *rsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("%w: nil private key", ErrKeyFormat)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPrivateKey parses a key produced by ExportPrivateKey.
func ImportPrivateKey(s string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrKeyFormat, err)
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrKeyFormat, key)
	}
	if err := checkPublicKey(&priv.PublicKey); err != nil {
		return nil, err
	}
	return priv, nil
}

func checkPublicKey(pub *rsa.PublicKey) error {
	if pub == nil || pub.N == nil {
		return fmt.Errorf("%w: nil public key", ErrKeyFormat)
	}
	if pub.N.BitLen() < KeyBits {
		return fmt.Errorf("%w: %d-bit modulus, need at least %d", ErrKeyFormat, pub.N.BitLen(), KeyBits)
	}
	return nil
}
