// Package onion implements the layered message format: building an onion
// for an ordered path of relays and peeling exactly one layer at a relay.
//
// A layer on the wire is
//
//	wrapped key (RSA-OAEP, key size) || nonce (12) || ChaCha20-Poly1305 ciphertext
//
// and the plaintext under the ciphertext is either
//
//	addr_len(1) || next hop address || inner onion      (addr_len > 0)
//	0x00 || destination id (uint32, big endian) || plaintext   (terminal)
package onion

import (
	"crypto/rsa"
	"errors"
)

var (
	ErrEmptyPath       = errors.New("empty path")
	ErrDuplicateRelay  = errors.New("duplicate relay in path")
	ErrInvalidAddress  = errors.New("invalid next hop address")
	ErrMalformedOnion  = errors.New("malformed onion")
	ErrRelayProcessing = errors.New("relay processing failed")
)

// DestinationID identifies the endpoint a terminal layer delivers to.
type DestinationID uint32

// Relay is the identity of a relay as published by the key directory.
type Relay struct {
	ID        int
	PublicKey *rsa.PublicKey
	Address   string // host:port of the relay's forwarding entry point
}

// Layer is the result of peeling one layer: either a NonTerminalLayer or a
// TerminalLayer.
type Layer interface {
	isLayer()
}

// NonTerminalLayer carries the next hop and the onion to hand it.
type NonTerminalLayer struct {
	NextHop string
	Inner   []byte
}

// TerminalLayer carries the final payload.
type TerminalLayer struct {
	Destination DestinationID
	Plaintext   []byte
}

func (NonTerminalLayer) isLayer() {}
func (TerminalLayer) isLayer()    {}
