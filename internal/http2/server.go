// Package http2 provides the optional TLS+HTTP/2 listener for the
// debug/metrics surface (spec.md §6 is silent on transport for that
// surface; HTTP/2 is the teacher's convention for its gateway and
// carried over here). The websocket upgrade endpoint is plain HTTP/1.1,
// since the multiplexer's WireConn adapters upgrade from net/http
// directly and gain nothing from h2.
package http2

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/systemsim/live-components/internal/config"
)

// Server wraps an *http.Server configured for HTTP/2 over TLS.
type Server struct {
	config    *config.ServerConfig
	server    *http.Server
	tlsConfig *tls.Config
	isRunning bool
}

// NewServer builds an HTTP/2 server bound to handler. cfg.TLSEnabled
// must be true: HTTP/2 without TLS (h2c) is not supported here since
// the debug surface is never exposed to untrusted networks directly.
func NewServer(cfg *config.ServerConfig, handler http.Handler) (*Server, error) {
	tlsConfig, err := createTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("http2: create tls config: %w", err)
	}

	server := &http.Server{
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: int(cfg.MaxRequestBody),
		TLSConfig:      tlsConfig,
	}

	if err := http2.ConfigureServer(server, &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxReadFrameSize:     cfg.MaxFrameSize,
		IdleTimeout:          cfg.HTTP2IdleTimeout,
	}); err != nil {
		return nil, fmt.Errorf("http2: configure server: %w", err)
	}

	return &Server{config: cfg, server: server, tlsConfig: tlsConfig}, nil
}

// Start listens on cfg.Host:cfg.Port. It blocks until Shutdown closes
// the listener.
func (s *Server) Start() error {
	s.server.Addr = s.config.Host + ":" + s.config.Port
	s.isRunning = true
	if err := s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http2: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.isRunning = false
	return s.server.Shutdown(ctx)
}

func createTLSConfig(cfg *config.ServerConfig) (*tls.Config, error) {
	if err := ensureCertificates(cfg.CertFile, cfg.KeyFile); err != nil {
		return nil, fmt.Errorf("ensure certificates: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// GetServerStats reports the server's running configuration for the
// debug surface.
func (s *Server) GetServerStats() map[string]interface{} {
	return map[string]interface{}{
		"is_running":  s.isRunning,
		"tls_enabled": s.config.TLSEnabled,
		"port":        s.config.Port,
	}
}
