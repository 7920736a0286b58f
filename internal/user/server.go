package user

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TONresistor/onion-relay/internal/config"
	"github.com/TONresistor/onion-relay/internal/directory"
	"github.com/TONresistor/onion-relay/internal/metrics"
	"github.com/TONresistor/onion-relay/internal/onion"
	"github.com/TONresistor/onion-relay/internal/path"
	"github.com/TONresistor/onion-relay/internal/transport"
)

// Server is a user endpoint. It receives plaintexts from terminal relays
// and sends messages on request.
type Server struct {
	config *config.Config
	id     int

	sender  *Sender
	metrics *metrics.Collector
	http    *transport.Server
	address string

	mu           sync.RWMutex
	lastReceived []byte
	lastSent     *string
	lastCircuit  []int

	logger *zap.Logger
}

// NewServer creates a user endpoint that finds relays through the
// configured registry
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	timeout := time.Duration(cfg.Relay.ForwardTimeout) * time.Second
	return NewServerWithRelays(cfg, directory.NewClient(cfg.Registry.URL, timeout), logger)
}

// NewServerWithRelays creates a user endpoint with an explicit relay source
func NewServerWithRelays(cfg *config.Config, relays RelaySource, logger *zap.Logger) *Server {
	id := cfg.Node.ID
	logger = logger.With(zap.String("role", "user"), zap.Int("user_id", id))
	m := metrics.NewCollector("user", fmt.Sprint(id))
	client := transport.NewClient(time.Duration(cfg.Relay.ForwardTimeout) * time.Second)

	return &Server{
		config:  cfg,
		id:      id,
		sender:  NewSender(relays, client, m, logger),
		metrics: m,
		logger:  logger,
	}
}

// Handler returns the HTTP routes of the endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", transport.StatusHandler)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("POST /sendMessage", s.handleSendMessage)
	mux.HandleFunc("GET /getLastReceivedMessage", s.handleLastReceived)
	mux.HandleFunc("GET /getLastSentMessage", s.handleLastSent)
	mux.HandleFunc("GET /getLastCircuit", s.handleLastCircuit)
	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}
	return mux
}

// Start listens on BasePort+id (any free port when BasePort is 0)
func (s *Server) Start() error {
	port := 0
	if s.config.User.BasePort != 0 {
		port = s.config.User.BasePort + s.id
	}
	listenAddr := fmt.Sprintf("%s:%d", s.config.Node.ListenAddr, port)

	srv, err := transport.Listen(listenAddr, s.Handler(), s.logger)
	if err != nil {
		return fmt.Errorf("failed to start user %d: %w", s.id, err)
	}
	s.http = srv
	s.address = fmt.Sprintf("%s:%d", s.config.Node.AdvertiseHost, srv.Port())

	s.logger.Info("user server started",
		zap.String("addr", srv.Addr().String()),
		zap.String("advertised", s.address),
	)
	return nil
}

// Stop stops the user server
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("stopping user server")
	return s.http.Close()
}

// ID returns the user id
func (s *Server) ID() int {
	return s.id
}

// Address returns the advertised address
func (s *Server) Address() string {
	return s.address
}

// GetMetrics returns the metrics collector
func (s *Server) GetMetrics() *metrics.Collector {
	return s.metrics
}

// Send routes message to user dest and records it as the last sent message.
// length 0 uses the configured path length.
func (s *Server) Send(ctx context.Context, message string, dest int, length int) ([]int, error) {
	if dest < 0 || uint64(dest) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDestination, dest)
	}
	if length == 0 {
		length = s.config.User.PathLength
	}

	circuit, err := s.sender.Send(ctx, []byte(message), onion.DestinationID(dest), length)
	if circuit != nil {
		ids := circuitIDs(circuit)
		s.mu.Lock()
		s.lastSent = &message
		s.lastCircuit = ids
		s.mu.Unlock()
	}
	if err != nil {
		s.logger.Warn("failed to send message", zap.Int("destination", dest), zap.Error(err))
		return nil, err
	}

	return circuitIDs(circuit), nil
}

// LastReceived returns the last delivered plaintext exactly as delivered
func (s *Server) LastReceived() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastReceived == nil {
		return nil, false
	}
	return append([]byte{}, s.lastReceived...), true
}

// LastSent returns the last message handed to the network
func (s *Server) LastSent() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSent == nil {
		return "", false
	}
	return *s.lastSent, true
}

// LastCircuit returns the relay ids of the last path used
func (s *Server) LastCircuit() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.lastCircuit...)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg transport.DeliveryMessage
	if err := transport.DecodeJSON(w, r, int64(s.config.Relay.MaxMessageSize), &msg); err != nil {
		transport.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if msg.Message == nil || msg.DestinationUserID == nil {
		transport.WriteError(w, http.StatusBadRequest,
			fmt.Errorf("%w: message and destinationUserId are required", ErrIncompleteDelivery))
		return
	}
	if *msg.DestinationUserID != s.id {
		s.logger.Warn("message for another user",
			zap.Int("destination", *msg.DestinationUserID))
	}

	s.mu.Lock()
	s.lastReceived = msg.Message
	s.mu.Unlock()

	s.metrics.IncrReceived(len(msg.Message))
	s.metrics.IncrDelivered()
	s.logger.Info("message received", zap.Int("len", len(msg.Message)))
	transport.WriteJSON(w, http.StatusOK, transport.Success)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req transport.SendMessageRequest
	if err := transport.DecodeJSON(w, r, int64(s.config.Relay.MaxMessageSize), &req); err != nil {
		transport.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.Send(r.Context(), req.Message, req.DestinationUserID, req.PathLength); err != nil {
		transport.WriteError(w, sendStatus(err), err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, transport.Success)
}

// handleLastReceived reports the plaintext as text, like the sent message
func (s *Server) handleLastReceived(w http.ResponseWriter, r *http.Request) {
	var result any
	if msg, ok := s.LastReceived(); ok {
		result = string(msg)
	}
	transport.WriteJSON(w, http.StatusOK, transport.Result{Result: result})
}

func (s *Server) handleLastSent(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transport.WriteJSON(w, http.StatusOK, transport.Result{Result: s.lastSent})
}

func (s *Server) handleLastCircuit(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, transport.Result{Result: s.LastCircuit()})
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidDestination), errors.Is(err, onion.ErrEmptyPath):
		return http.StatusBadRequest
	case errors.Is(err, path.ErrInsufficientRelays):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrDirectory), errors.Is(err, ErrTransmit):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
