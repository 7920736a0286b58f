package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	nodesBucket    = "nodes"
	versionKey     = "version"

	storeVersion = 0
)

// Store persists registrations so a restarted directory keeps serving the
// same relays
type Store interface {
	Load() ([]Node, error)
	Put(n Node) error
	Close() error
}

// BoltStore is a Store backed by a bbolt file. Nodes are CBOR encoded and
// keyed by big-endian id.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore creates or loads the database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(nodesBucket)); err != nil {
			return err
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("incompatible registry db version: %v", b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Load returns every stored node in id order
func (s *BoltStore) Load() ([]Node, error) {
	var nodes []Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(nodesBucket)).ForEach(func(k, v []byte) error {
			var n Node
			if err := cbor.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("corrupt record for key %x: %w", k, err)
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Put stores n, replacing any record with the same id
func (s *BoltStore) Put(n Node) error {
	raw, err := cbor.Marshal(n)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(nodesBucket)).Put(idKey(n.ID), raw)
	})
}

// Close flushes and closes the database
func (s *BoltStore) Close() error {
	s.db.Sync()
	return s.db.Close()
}

func idKey(id int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}
