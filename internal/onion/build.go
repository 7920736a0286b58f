package onion

import (
	"crypto/rsa"
	"fmt"

	"github.com/TONresistor/onion-relay/internal/crypto"
)

// Build layers plaintext for path, innermost layer first. The result is
// addressed to path[0]; the last relay in path recovers (dest, plaintext).
func Build(plaintext []byte, dest DestinationID, path []Relay) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	var onion []byte
	for i := len(path) - 1; i >= 0; i-- {
		var (
			pt  []byte
			err error
		)
		if i == len(path)-1 {
			pt = encodeTerminal(dest, plaintext)
		} else {
			pt, err = encodeForward(path[i+1].Address, onion)
			if err != nil {
				return nil, fmt.Errorf("hop %d (relay %d): %w", i+1, path[i+1].ID, err)
			}
		}

		onion, err = sealLayer(path[i].PublicKey, pt)
		if err != nil {
			return nil, fmt.Errorf("encrypt layer %d (relay %d): %w", i, path[i].ID, err)
		}
	}

	return onion, nil
}

// sealLayer encrypts pt under a fresh layer key and wraps that key for pub.
func sealLayer(pub *rsa.PublicKey, pt []byte) ([]byte, error) {
	key, err := crypto.GenerateSymKey()
	if err != nil {
		return nil, err
	}
	defer clear(key)

	wrapped, err := crypto.AsymEncrypt(pub, key)
	if err != nil {
		return nil, err
	}

	nonce, ct, err := crypto.SymEncrypt(key, pt)
	if err != nil {
		return nil, err
	}

	return joinLayer(wrapped, nonce, ct), nil
}

func validatePath(path []Relay) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}

	seen := make(map[int]struct{}, len(path))
	for _, r := range path {
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("%w: relay %d", ErrDuplicateRelay, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}
