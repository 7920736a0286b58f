// Package network runs a complete local overlay in one process: the key
// directory, a set of relays and a set of user endpoints.
package network

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TONresistor/onion-relay/internal/config"
	"github.com/TONresistor/onion-relay/internal/crypto"
	"github.com/TONresistor/onion-relay/internal/directory"
	"github.com/TONresistor/onion-relay/internal/onion"
	"github.com/TONresistor/onion-relay/internal/relay"
	"github.com/TONresistor/onion-relay/internal/user"
)

// Network holds the running nodes
type Network struct {
	Registry *directory.Server
	Relays   []*relay.Server
	Users    []*user.Server

	logger *zap.Logger
}

// Launch starts the registry, cfg.Network.Relays relays with fresh keys and
// cfg.Network.Users users. Ids start at 1. With zero base ports every node
// binds a free port and relays resolve users through a static table.
// Everything started so far is stopped when a node fails to come up.
func Launch(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Network, error) {
	n := &Network{logger: logger}

	regCfg := *cfg
	n.Registry = directory.NewServer(&regCfg, logger)
	if err := n.Registry.Start(); err != nil {
		return nil, err
	}

	// Nodes find the registry on the port it actually bound.
	base := *cfg
	base.Registry.URL = fmt.Sprintf("http://%s:%d", cfg.Node.AdvertiseHost, n.Registry.Port())

	var (
		book   relay.AddressBook
		static *relay.StaticAddressBook
	)
	if cfg.User.BasePort != 0 {
		book = relay.PortAddressBook{Host: cfg.Node.AdvertiseHost, BasePort: cfg.User.BasePort}
	} else {
		static = relay.NewStaticAddressBook()
		book = static
	}

	for i := 1; i <= cfg.Network.Users; i++ {
		uc := base
		uc.Node.ID = i
		u := user.NewServer(&uc, logger)
		if err := u.Start(); err != nil {
			n.Shutdown()
			return nil, err
		}
		n.Users = append(n.Users, u)
		if static != nil {
			static.Set(onion.DestinationID(i), u.Address())
		}
	}

	for i := 1; i <= cfg.Network.Relays; i++ {
		_, priv, err := crypto.GenerateKeyPair()
		if err != nil {
			n.Shutdown()
			return nil, fmt.Errorf("generate key for relay %d: %w", i, err)
		}

		rc := base
		rc.Node.ID = i
		r, err := relay.NewServer(&rc, priv, book, logger)
		if err != nil {
			n.Shutdown()
			return nil, err
		}
		if err := r.Start(ctx); err != nil {
			n.Shutdown()
			return nil, err
		}
		n.Relays = append(n.Relays, r)
	}

	logger.Info("network started",
		zap.Int("registry_port", n.Registry.Port()),
		zap.Int("relays", len(n.Relays)),
		zap.Int("users", len(n.Users)),
	)
	return n, nil
}

// User returns the endpoint with the given id
func (n *Network) User(id int) (*user.Server, bool) {
	for _, u := range n.Users {
		if u.ID() == id {
			return u, true
		}
	}
	return nil, false
}

// Relay returns the relay with the given id
func (n *Network) Relay(id int) (*relay.Server, bool) {
	for _, r := range n.Relays {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

// Shutdown stops every node, users first and the registry last
func (n *Network) Shutdown() error {
	var errs []error
	for _, u := range n.Users {
		errs = append(errs, u.Stop())
	}
	for _, r := range n.Relays {
		errs = append(errs, r.Stop())
	}
	if n.Registry != nil {
		errs = append(errs, n.Registry.Stop())
	}
	n.logger.Info("network stopped")
	return errors.Join(errs...)
}
