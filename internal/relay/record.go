package relay

import "sync"

// Record is a snapshot of the last message a relay handled
type Record struct {
	Encrypted   []byte  // onion as received
	Decrypted   []byte  // inner onion, or plaintext at the terminal hop
	Destination *string // next hop address, or destination user id at the terminal hop
}

// DeliveryRecord keeps the last message seen by a relay for inspection. It is
// never read by the processing path.
type DeliveryRecord struct {
	mu  sync.RWMutex
	rec Record
}

// set replaces the whole record at once so concurrent messages never leave a
// mix of fields from different onions.
func (d *DeliveryRecord) set(rec Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec = rec
}

// Snapshot returns the current record
func (d *DeliveryRecord) Snapshot() Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rec
}
