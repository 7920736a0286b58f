package directory

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/TONresistor/onion-relay/internal/config"
	"github.com/TONresistor/onion-relay/internal/metrics"
	"github.com/TONresistor/onion-relay/internal/onion"
	"github.com/TONresistor/onion-relay/internal/transport"
)

// RegisterRequest is the body of POST /registerNode
type RegisterRequest struct {
	NodeID  int    `json:"nodeId"`
	PubKey  string `json:"pubKey"`
	Address string `json:"address"`
}

// RegisterResponse is the answer to POST /registerNode
type RegisterResponse struct {
	Success bool `json:"success"`
}

// RegistryResponse is the body of GET /getNodeRegistry
type RegistryResponse struct {
	Nodes []Node `json:"nodes"`
}

// Server exposes a Registry over HTTP
type Server struct {
	config   *config.Config
	registry *Registry
	store    Store
	metrics  *metrics.Collector
	http     *transport.Server
	logger   *zap.Logger
}

// NewServer creates a registry server
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("role", "registry"))
	return &Server{
		config:   cfg,
		registry: NewRegistry(logger),
		metrics:  metrics.NewCollector("registry", "0"),
		logger:   logger,
	}
}

// Handler returns the HTTP routes of the registry
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", transport.StatusHandler)
	mux.HandleFunc("POST /registerNode", s.handleRegister)
	mux.HandleFunc("GET /getNodeRegistry", s.handleRegistry)
	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}
	return mux
}

// Start restores persisted registrations, if configured, and starts
// listening on the configured registry port
func (s *Server) Start() error {
	if path := s.config.Registry.DBPath; path != "" && s.store == nil {
		store, err := OpenBoltStore(path)
		if err != nil {
			return err
		}
		if err := s.registry.Restore(store); err != nil {
			store.Close()
			return err
		}
		s.store = store
		s.metrics.SetRelays(s.registry.Count())
	}

	addr := fmt.Sprintf("%s:%d", s.config.Node.ListenAddr, s.config.Registry.Port)

	srv, err := transport.Listen(addr, s.Handler(), s.logger)
	if err != nil {
		s.closeStore()
		return fmt.Errorf("failed to start registry: %w", err)
	}
	s.http = srv

	s.logger.Info("registry started", zap.String("addr", srv.Addr().String()))
	return nil
}

// Stop stops the server and closes the store
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("stopping registry")
	err := s.http.Close()
	if cerr := s.closeStore(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) closeStore() error {
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

// Port returns the bound port, useful when the configured port is 0
func (s *Server) Port() int {
	if s.http == nil {
		return 0
	}
	return s.http.Port()
}

// Registry returns the underlying registry
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := transport.DecodeJSON(w, r, 0, &req); err != nil {
		transport.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.Register(req.NodeID, req.PubKey, req.Address); err != nil {
		s.logger.Warn("registration rejected", zap.Int("node_id", req.NodeID), zap.Error(err))
		transport.WriteError(w, registerStatus(err), err)
		return
	}

	s.metrics.SetRelays(s.registry.Count())
	transport.WriteJSON(w, http.StatusOK, RegisterResponse{Success: true})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("serving node registry", zap.Int("count", s.registry.Count()))
	transport.WriteJSON(w, http.StatusOK, RegistryResponse{Nodes: s.registry.Nodes()})
}

func registerStatus(err error) int {
	switch {
	case errors.Is(err, ErrDuplicateID), errors.Is(err, ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidKey), errors.Is(err, onion.ErrInvalidAddress):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
