// Package crypto provides the primitives used to layer onions: RSA-OAEP to
// wrap per-hop layer keys and ChaCha20-Poly1305 for the layer payloads.
package crypto

import "errors"

var (
	ErrKeyFormat       = errors.New("malformed key")
	ErrPayloadTooLarge = errors.New("payload exceeds asymmetric plaintext bound")
	ErrDecryption      = errors.New("asymmetric decryption failed")
	ErrAuthentication  = errors.New("message authentication failed")
)
