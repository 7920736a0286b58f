package relay

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TONresistor/onion-relay/internal/config"
	"github.com/TONresistor/onion-relay/internal/crypto"
	"github.com/TONresistor/onion-relay/internal/directory"
	"github.com/TONresistor/onion-relay/internal/metrics"
	"github.com/TONresistor/onion-relay/internal/onion"
	"github.com/TONresistor/onion-relay/internal/transport"
)

// Server is an onion relay node
type Server struct {
	config  *config.Config
	id      int
	privKey *rsa.PrivateKey
	pubKey  *rsa.PublicKey

	processor *Processor
	directory *directory.Client
	metrics   *metrics.Collector
	http      *transport.Server
	address   string

	logger *zap.Logger
}

// NewServer creates a relay server. The private key stays with the server;
// only its public half is published.
func NewServer(cfg *config.Config, privKey *rsa.PrivateKey, book AddressBook, logger *zap.Logger) (*Server, error) {
	if privKey == nil {
		return nil, fmt.Errorf("relay %d: %w", cfg.Node.ID, crypto.ErrKeyFormat)
	}

	id := cfg.Node.ID
	logger = logger.With(zap.String("role", "relay"), zap.Int("relay_id", id))
	timeout := time.Duration(cfg.Relay.ForwardTimeout) * time.Second
	client := transport.NewClient(timeout)

	s := &Server{
		config:    cfg,
		id:        id,
		privKey:   privKey,
		pubKey:    &privKey.PublicKey,
		directory: directory.NewClient(cfg.Registry.URL, timeout),
		metrics:   metrics.NewCollector("relay", fmt.Sprint(id)),
		logger:    logger,
	}

	s.processor = NewProcessor(id, privKey,
		NewHTTPForwarder(client),
		NewHTTPDeliverer(client, book),
		s.metrics, logger)

	return s, nil
}

// Handler returns the HTTP routes of the relay
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", transport.StatusHandler)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /getLastReceivedEncryptedMessage", s.handleLastEncrypted)
	mux.HandleFunc("GET /getLastReceivedDecryptedMessage", s.handleLastDecrypted)
	mux.HandleFunc("GET /getLastMessageDestination", s.handleLastDestination)
	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}
	if s.config.Debug.ExposePrivateKey {
		dbg, err := newDebugHandler(s.privKey)
		if err != nil {
			s.logger.Error("failed to export key for debug handler", zap.Error(err))
		} else {
			s.logger.Warn("private key introspection enabled")
			mux.Handle("GET /getPrivateKey", dbg)
		}
	}
	return mux
}

// Start listens on BasePort+id (any free port when BasePort is 0) and
// registers with the directory
func (s *Server) Start(ctx context.Context) error {
	port := 0
	if s.config.Relay.BasePort != 0 {
		port = s.config.Relay.BasePort + s.id
	}
	listenAddr := fmt.Sprintf("%s:%d", s.config.Node.ListenAddr, port)

	srv, err := transport.Listen(listenAddr, s.Handler(), s.logger)
	if err != nil {
		return fmt.Errorf("failed to start relay %d: %w", s.id, err)
	}
	s.http = srv
	s.address = fmt.Sprintf("%s:%d", s.config.Node.AdvertiseHost, srv.Port())

	if err := s.directory.Register(ctx, s.id, s.pubKey, s.address); err != nil {
		srv.Close()
		return fmt.Errorf("failed to register relay %d: %w", s.id, err)
	}

	s.logger.Info("relay server started",
		zap.String("addr", srv.Addr().String()),
		zap.String("advertised", s.address),
	)
	return nil
}

// Stop stops the relay server
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("stopping relay server")
	return s.http.Close()
}

// ID returns the relay id
func (s *Server) ID() int {
	return s.id
}

// Address returns the advertised address
func (s *Server) Address() string {
	return s.address
}

// Processor returns the relay processor
func (s *Server) Processor() *Processor {
	return s.processor
}

// GetMetrics returns the metrics collector
func (s *Server) GetMetrics() *metrics.Collector {
	return s.metrics
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg transport.OnionMessage
	if err := transport.DecodeJSON(w, r, int64(s.config.Relay.MaxMessageSize), &msg); err != nil {
		transport.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.processor.Process(r.Context(), msg.Message); err != nil {
		status, public := messageError(err)
		transport.WriteError(w, status, public)
		return
	}

	transport.WriteJSON(w, http.StatusOK, transport.Success)
}

func (s *Server) handleLastEncrypted(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, transport.Result{Result: s.processor.Record().Snapshot().Encrypted})
}

func (s *Server) handleLastDecrypted(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, transport.Result{Result: s.processor.Record().Snapshot().Decrypted})
}

func (s *Server) handleLastDestination(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, transport.Result{Result: s.processor.Record().Snapshot().Destination})
}

// messageError maps a processing failure to the status and body sent back to
// the previous hop. Only the sentinel goes out: the wrapped detail names
// downstream hops and the destination and stays in the local log.
func messageError(err error) (int, error) {
	switch {
	case errors.Is(err, onion.ErrRelayProcessing):
		return http.StatusBadRequest, onion.ErrRelayProcessing
	case errors.Is(err, ErrForwarding):
		return http.StatusBadGateway, ErrForwarding
	default:
		return http.StatusInternalServerError, errors.New(http.StatusText(http.StatusInternalServerError))
	}
}

// debugHandler serves an export of the relay key taken once at start-up.
// It shares nothing with the processing path.
type debugHandler struct {
	exported string
}

func newDebugHandler(privKey *rsa.PrivateKey) (*debugHandler, error) {
	exported, err := crypto.ExportPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return &debugHandler{exported: exported}, nil
}

func (h *debugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, transport.Result{Result: h.exported})
}
