// Package user implements the endpoints that originate and receive messages.
package user

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TONresistor/onion-relay/internal/metrics"
	"github.com/TONresistor/onion-relay/internal/onion"
	"github.com/TONresistor/onion-relay/internal/path"
	"github.com/TONresistor/onion-relay/internal/transport"
)

var (
	ErrInvalidDestination = errors.New("invalid destination")
	ErrDirectory          = errors.New("directory unavailable")
	ErrTransmit           = errors.New("transmission failed")
	ErrIncompleteDelivery = errors.New("incomplete delivery")
)

// RelaySource lists the relays currently known to the directory
type RelaySource interface {
	Relays(ctx context.Context) ([]onion.Relay, error)
}

// Sender builds onions over randomly chosen paths and hands them to the
// first relay
type Sender struct {
	relays RelaySource
	client *transport.Client
	m      *metrics.Collector
	logger *zap.Logger
}

// NewSender creates a sender
func NewSender(relays RelaySource, client *transport.Client, m *metrics.Collector, logger *zap.Logger) *Sender {
	return &Sender{
		relays: relays,
		client: client,
		m:      m,
		logger: logger,
	}
}

// Send routes plaintext to dest through length relays and returns the
// chosen circuit. Nothing is transmitted unless the path and the onion were
// both built.
func (s *Sender) Send(ctx context.Context, plaintext []byte, dest onion.DestinationID, length int) ([]onion.Relay, error) {
	relays, err := s.relays.Relays(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectory, err)
	}
	s.m.SetRelays(len(relays))

	circuit, err := path.Select(relays, length)
	if err != nil {
		return nil, err
	}

	data, err := onion.Build(plaintext, dest, circuit)
	if err != nil {
		s.m.IncrFailure(metrics.ReasonBuild)
		return nil, fmt.Errorf("build onion: %w", err)
	}

	first := circuit[0]
	if err := s.client.PostJSON(ctx, transport.URL(first.Address, "/message"), transport.OnionMessage{Message: data}, nil); err != nil {
		s.m.IncrFailure(metrics.ReasonForward)
		return circuit, fmt.Errorf("%w: relay %d at %s: %w", ErrTransmit, first.ID, first.Address, err)
	}

	s.m.IncrSent(len(data))
	s.logger.Debug("onion sent",
		zap.Ints("circuit", circuitIDs(circuit)),
		zap.Uint32("destination", uint32(dest)),
		zap.Int("len", len(data)))
	return circuit, nil
}

func circuitIDs(circuit []onion.Relay) []int {
	ids := make([]int, len(circuit))
	for i, r := range circuit {
		ids[i] = r.ID
	}
	return ids
}
