package onion

import (
	"encoding/binary"
	"fmt"

	"github.com/TONresistor/onion-relay/internal/crypto"
)

const (
	// MaxAddressLen is the longest next hop address a layer can carry.
	MaxAddressLen = 255

	destinationSize = 4
)

// encodeForward builds the plaintext of a non-terminal layer.
func encodeForward(nextHop string, inner []byte) ([]byte, error) {
	if len(nextHop) == 0 || len(nextHop) > MaxAddressLen {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(nextHop))
	}

	buf := make([]byte, 1+len(nextHop)+len(inner))
	buf[0] = byte(len(nextHop))
	copy(buf[1:], nextHop)
	copy(buf[1+len(nextHop):], inner)
	return buf, nil
}

// encodeTerminal builds the plaintext of the last layer. The zero address
// length marks it as terminal.
func encodeTerminal(dest DestinationID, plaintext []byte) []byte {
	buf := make([]byte, 1+destinationSize+len(plaintext))
	buf[0] = 0
	binary.BigEndian.PutUint32(buf[1:1+destinationSize], uint32(dest))
	copy(buf[1+destinationSize:], plaintext)
	return buf
}

// decodeLayer parses a decrypted layer plaintext. The address length byte is
// tested first: zero means terminal.
func decodeLayer(pt []byte) (Layer, error) {
	if len(pt) < 1 {
		return nil, fmt.Errorf("%w: empty layer", ErrMalformedOnion)
	}

	addrLen := int(pt[0])
	if addrLen == 0 {
		if len(pt) < 1+destinationSize {
			return nil, fmt.Errorf("%w: truncated destination", ErrMalformedOnion)
		}
		return TerminalLayer{
			Destination: DestinationID(binary.BigEndian.Uint32(pt[1 : 1+destinationSize])),
			Plaintext:   pt[1+destinationSize:],
		}, nil
	}

	if len(pt) < 1+addrLen {
		return nil, fmt.Errorf("%w: truncated next hop address", ErrMalformedOnion)
	}
	inner := pt[1+addrLen:]
	if len(inner) == 0 {
		return nil, fmt.Errorf("%w: missing inner onion", ErrMalformedOnion)
	}

	return NonTerminalLayer{
		NextHop: string(pt[1 : 1+addrLen]),
		Inner:   inner,
	}, nil
}

// joinLayer concatenates the three wire sections of a layer.
func joinLayer(wrappedKey, nonce, ciphertext []byte) []byte {
	result := make([]byte, len(wrappedKey)+len(nonce)+len(ciphertext))
	copy(result, wrappedKey)
	copy(result[len(wrappedKey):], nonce)
	copy(result[len(wrappedKey)+len(nonce):], ciphertext)
	return result
}

// splitLayer separates a layer into its wire sections. asymSize is the
// wrapped key length for the relay's key.
func splitLayer(data []byte, asymSize int) (wrappedKey, nonce, ciphertext []byte, err error) {
	if len(data) < asymSize+crypto.NonceSize+crypto.TagSize+1 {
		return nil, nil, nil, fmt.Errorf("%w: %d bytes is shorter than one layer", ErrMalformedOnion, len(data))
	}

	wrappedKey = data[:asymSize]
	nonce = data[asymSize : asymSize+crypto.NonceSize]
	ciphertext = data[asymSize+crypto.NonceSize:]
	return wrappedKey, nonce, ciphertext, nil
}
