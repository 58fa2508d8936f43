package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"firestige.xyz/netstack/internal/log"
)

const shutdownGrace = 5 * time.Second

// Server exposes the stack collectors over HTTP for the lifetime of a ping
// session.
type Server struct {
	addr   string
	path   string
	logger log.Logger

	ln     net.Listener
	server *http.Server
}

// NewServer serves the default gatherer at path ("/metrics" when empty).
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		addr:   addr,
		path:   path,
		logger: log.GetLogger().WithField("component", "metrics"),
	}
}

// Start binds the listener before returning, so a bad listen address is
// reported to the caller instead of the log.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())

	s.ln = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.logger.Infof("serving stack metrics on http://%s%s", ln.Addr(), s.path)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	s.server, s.ln = nil, nil
	s.logger.Debug("metrics server stopped")
	return nil
}
