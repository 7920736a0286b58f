// Package directory implements the key directory: relays register their
// public key and address, senders list them to build paths.
package directory

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/TONresistor/onion-relay/internal/crypto"
	"github.com/TONresistor/onion-relay/internal/onion"
)

var (
	ErrDuplicateID  = errors.New("node already registered")
	ErrDuplicateKey = errors.New("public key already registered")
	ErrInvalidKey   = errors.New("invalid public key format")
)

// Node is a registered relay as exchanged over the wire
type Node struct {
	ID      int    `json:"nodeId"`
	PubKey  string `json:"pubKey"`
	Address string `json:"address"`
}

// Registry holds registered relays in registration order
type Registry struct {
	nodes  []Node
	byID   map[int]int    // id -> index into nodes
	byKey  map[string]int // pubKey -> id
	store  Store
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		byID:   make(map[int]int),
		byKey:  make(map[string]int),
		logger: logger,
	}
}

// Register adds a relay. The key must parse as a base64 SPKI RSA key.
func (r *Registry) Register(id int, pubKey, address string) error {
	if _, err := crypto.ImportPublicKey(pubKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(address) == 0 || len(address) > onion.MaxAddressLen {
		return fmt.Errorf("%w: %q", onion.ErrInvalidAddress, address)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	if owner, exists := r.byKey[pubKey]; exists {
		return fmt.Errorf("%w: held by node %d", ErrDuplicateKey, owner)
	}

	n := Node{ID: id, PubKey: pubKey, Address: address}
	if r.store != nil {
		if err := r.store.Put(n); err != nil {
			return fmt.Errorf("failed to persist node %d: %w", id, err)
		}
	}
	r.add(n)

	r.logger.Info("node registered", zap.Int("node_id", id), zap.String("address", address))
	return nil
}

// Restore loads the nodes held by store and persists every later
// registration to it. Stored nodes are checked like new registrations and
// the registry is left untouched unless all of them pass.
func (r *Registry) Restore(store Store) error {
	nodes, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[int]struct{}, len(nodes))
	keys := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, err := crypto.ImportPublicKey(n.PubKey); err != nil {
			return fmt.Errorf("stored node %d: %w: %v", n.ID, ErrInvalidKey, err)
		}
		if _, exists := r.byID[n.ID]; exists {
			return fmt.Errorf("stored node %d: %w", n.ID, ErrDuplicateID)
		}
		if _, exists := ids[n.ID]; exists {
			return fmt.Errorf("stored node %d: %w", n.ID, ErrDuplicateID)
		}
		if _, exists := r.byKey[n.PubKey]; exists {
			return fmt.Errorf("stored node %d: %w", n.ID, ErrDuplicateKey)
		}
		if _, exists := keys[n.PubKey]; exists {
			return fmt.Errorf("stored node %d: %w", n.ID, ErrDuplicateKey)
		}
		ids[n.ID] = struct{}{}
		keys[n.PubKey] = struct{}{}
	}

	for _, n := range nodes {
		r.add(n)
	}
	r.store = store

	r.logger.Info("registry restored", zap.Int("nodes", len(nodes)))
	return nil
}

func (r *Registry) add(n Node) {
	r.byID[n.ID] = len(r.nodes)
	r.byKey[n.PubKey] = n.ID
	r.nodes = append(r.nodes, n)
}

// Get returns a node by id
func (r *Registry) Get(id int) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byID[id]
	if !ok {
		return Node{}, false
	}
	return r.nodes[i], true
}

// Nodes returns a copy of all registered nodes
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Node, len(r.nodes))
	copy(result, r.nodes)
	return result
}

// Count returns the number of registered nodes
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Relays converts directory records into path-ready relay identities.
func Relays(nodes []Node) ([]onion.Relay, error) {
	relays := make([]onion.Relay, 0, len(nodes))
	for _, n := range nodes {
		pub, err := crypto.ImportPublicKey(n.PubKey)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", n.ID, err)
		}
		relays = append(relays, onion.Relay{ID: n.ID, PublicKey: pub, Address: n.Address})
	}
	return relays, nil
}
