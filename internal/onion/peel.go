package onion

import (
	"crypto/rsa"
	"fmt"

	"github.com/TONresistor/onion-relay/internal/crypto"
)

// Peel strips exactly one layer from data using the relay's private key.
// Every failure is reported as ErrRelayProcessing joined with its cause; no
// partial result is returned alongside an error.
func Peel(priv *rsa.PrivateKey, data []byte) (Layer, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: %w", ErrRelayProcessing, crypto.ErrKeyFormat)
	}

	wrappedKey, nonce, ct, err := splitLayer(data, priv.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelayProcessing, err)
	}

	key, err := crypto.AsymDecrypt(priv, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap layer key: %w", ErrRelayProcessing, err)
	}
	defer clear(key)

	pt, err := crypto.SymDecrypt(key, nonce, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt layer: %w", ErrRelayProcessing, err)
	}

	layer, err := decodeLayer(pt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelayProcessing, err)
	}
	return layer, nil
}
