package directory

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/TONresistor/onion-relay/internal/crypto"
	"github.com/TONresistor/onion-relay/internal/onion"
	"github.com/TONresistor/onion-relay/internal/transport"
)

// Client talks to a registry server
type Client struct {
	baseURL string
	http    *transport.Client
}

// NewClient creates a client for the registry at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    transport.NewClient(timeout),
	}
}

// Register publishes a relay's public key and address
func (c *Client) Register(ctx context.Context, id int, pub *rsa.PublicKey, address string) error {
	encoded, err := crypto.ExportPublicKey(pub)
	if err != nil {
		return err
	}

	var resp RegisterResponse
	req := RegisterRequest{NodeID: id, PubKey: encoded, Address: address}
	if err := c.http.PostJSON(ctx, transport.URL(c.baseURL, "/registerNode"), req, &resp); err != nil {
		return fmt.Errorf("register node %d: %w", id, err)
	}
	if !resp.Success {
		return fmt.Errorf("register node %d: rejected", id)
	}
	return nil
}

// Nodes lists registered relays as published
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var resp RegistryResponse
	if err := c.http.GetJSON(ctx, transport.URL(c.baseURL, "/getNodeRegistry"), &resp); err != nil {
		return nil, fmt.Errorf("get node registry: %w", err)
	}
	return resp.Nodes, nil
}

// Relays lists registered relays with their keys imported
func (c *Client) Relays(ctx context.Context) ([]onion.Relay, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	return Relays(nodes)
}
