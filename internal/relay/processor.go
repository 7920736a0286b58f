package relay

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/TONresistor/onion-relay/internal/metrics"
	"github.com/TONresistor/onion-relay/internal/onion"
)

var (
	ErrForwarding         = errors.New("forwarding failed")
	ErrUnknownDestination = errors.New("unknown destination")
)

// Forwarder hands an onion to the next relay
type Forwarder interface {
	Forward(ctx context.Context, addr string, data []byte) error
}

// Deliverer hands a plaintext to its destination endpoint
type Deliverer interface {
	Deliver(ctx context.Context, dest onion.DestinationID, plaintext []byte) error
}

// Processor strips one layer from each incoming onion and passes the result
// on. It holds no per-message state besides the diagnostic record.
type Processor struct {
	id        int
	privKey   *rsa.PrivateKey
	forwarder Forwarder
	deliverer Deliverer
	record    *DeliveryRecord
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewProcessor creates a processor for relay id
func NewProcessor(id int, privKey *rsa.PrivateKey, fwd Forwarder, dlv Deliverer, m *metrics.Collector, logger *zap.Logger) *Processor {
	return &Processor{
		id:        id,
		privKey:   privKey,
		forwarder: fwd,
		deliverer: dlv,
		record:    &DeliveryRecord{},
		metrics:   m,
		logger:    logger,
	}
}

// Record returns the diagnostic record
func (p *Processor) Record() *DeliveryRecord {
	return p.record
}

// Process peels data and forwards or delivers the result. Nothing is sent
// when the layer fails to decrypt or parse.
func (p *Processor) Process(ctx context.Context, data []byte) error {
	p.metrics.IncrReceived(len(data))
	start := time.Now()
	layer, err := onion.Peel(p.privKey, data)
	if err != nil {
		p.record.set(Record{Encrypted: data})
		if errors.Is(err, onion.ErrMalformedOnion) {
			p.metrics.IncrFailure(metrics.ReasonMalformed)
		} else {
			p.metrics.IncrFailure(metrics.ReasonDecrypt)
		}
		p.logger.Warn("failed to peel layer", zap.Error(err), zap.Int("len", len(data)))
		return err
	}
	p.metrics.IncrPeeled(time.Since(start).Seconds())

	switch l := layer.(type) {
	case onion.NonTerminalLayer:
		next := l.NextHop
		p.record.set(Record{Encrypted: data, Decrypted: l.Inner, Destination: &next})

		if err := p.forwarder.Forward(ctx, l.NextHop, l.Inner); err != nil {
			p.metrics.IncrFailure(metrics.ReasonForward)
			p.logger.Warn("failed to forward onion",
				zap.String("next_hop", l.NextHop),
				zap.Error(err))
			return fmt.Errorf("%w: next hop %s: %w", ErrForwarding, l.NextHop, err)
		}

		p.metrics.IncrForwarded(len(l.Inner))
		p.logger.Debug("onion forwarded",
			zap.String("next_hop", l.NextHop),
			zap.Int("len", len(l.Inner)))

	case onion.TerminalLayer:
		dest := strconv.FormatUint(uint64(l.Destination), 10)
		p.record.set(Record{Encrypted: data, Decrypted: l.Plaintext, Destination: &dest})

		if err := p.deliverer.Deliver(ctx, l.Destination, l.Plaintext); err != nil {
			p.metrics.IncrFailure(metrics.ReasonDeliver)
			p.logger.Warn("failed to deliver message",
				zap.Uint32("destination", uint32(l.Destination)),
				zap.Error(err))
			return fmt.Errorf("%w: destination %d: %w", ErrForwarding, l.Destination, err)
		}

		p.metrics.IncrDelivered()
		p.logger.Debug("message delivered",
			zap.Uint32("destination", uint32(l.Destination)),
			zap.Int("len", len(l.Plaintext)))

	default:
		return fmt.Errorf("%w: unexpected layer %T", onion.ErrRelayProcessing, layer)
	}

	return nil
}
