package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spacedatanetwork/sdn-trust/internal/reputation"
)

// Server runs the API on its own listener.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server for svc listening on addr.
func NewServer(addr string, svc *reputation.Service) *Server {
	mux := http.NewServeMux()
	NewHandler(svc).RegisterRoutes(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		log.Infof("HTTP API listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP API error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
