package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/TONresistor/onion-relay/internal/onion"
	"github.com/TONresistor/onion-relay/internal/transport"
)

// HTTPForwarder posts onions to the next relay's /message entry point
type HTTPForwarder struct {
	client *transport.Client
}

// NewHTTPForwarder creates a forwarder
func NewHTTPForwarder(client *transport.Client) *HTTPForwarder {
	return &HTTPForwarder{client: client}
}

// Forward implements Forwarder
func (f *HTTPForwarder) Forward(ctx context.Context, addr string, data []byte) error {
	return f.client.PostJSON(ctx, transport.URL(addr, "/message"), transport.OnionMessage{Message: data}, nil)
}

// AddressBook resolves destination user ids to network addresses
type AddressBook interface {
	UserAddress(id onion.DestinationID) (string, error)
}

// PortAddressBook maps user i to Host:BasePort+i
type PortAddressBook struct {
	Host     string
	BasePort int
}

// UserAddress implements AddressBook
func (b PortAddressBook) UserAddress(id onion.DestinationID) (string, error) {
	port := b.BasePort + int(id)
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("%w: user %d", ErrUnknownDestination, id)
	}
	return fmt.Sprintf("%s:%d", b.Host, port), nil
}

// StaticAddressBook is an explicit id to address table
type StaticAddressBook struct {
	mu    sync.RWMutex
	addrs map[onion.DestinationID]string
}

// NewStaticAddressBook creates an empty table
func NewStaticAddressBook() *StaticAddressBook {
	return &StaticAddressBook{addrs: make(map[onion.DestinationID]string)}
}

// Set records the address of user id
func (b *StaticAddressBook) Set(id onion.DestinationID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[id] = addr
}

// UserAddress implements AddressBook
func (b *StaticAddressBook) UserAddress(id onion.DestinationID) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[id]
	if !ok {
		return "", fmt.Errorf("%w: user %d", ErrUnknownDestination, id)
	}
	return addr, nil
}

// HTTPDeliverer posts plaintexts to the destination user's /message entry point
type HTTPDeliverer struct {
	client *transport.Client
	book   AddressBook
}

// NewHTTPDeliverer creates a deliverer
func NewHTTPDeliverer(client *transport.Client, book AddressBook) *HTTPDeliverer {
	return &HTTPDeliverer{client: client, book: book}
}

// Deliver implements Deliverer
func (d *HTTPDeliverer) Deliver(ctx context.Context, dest onion.DestinationID, plaintext []byte) error {
	addr, err := d.book.UserAddress(dest)
	if err != nil {
		return err
	}

	id := int(dest)
	msg := transport.DeliveryMessage{
		Message:           plaintext,
		DestinationUserID: &id,
	}
	return d.client.PostJSON(ctx, transport.URL(addr, "/message"), msg, nil)
}
