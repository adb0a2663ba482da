package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/mailjet-relay/internal/metrics"
	"github.com/shineum/mailjet-relay/internal/transport"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Transport delivers accepted messages.
	Transport transport.Transport

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize bounds DATA payloads in bytes.
	MaxMessageSize int

	// Metrics is optional.
	Metrics *metrics.Collector
}

// Server is an SMTP server that accepts connections and delegates
// email delivery to a configured Transport.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the transport and accepts connections on ln until the context
// is cancelled. On cancellation it stops accepting, waits up to 30 seconds for
// in-flight sessions and then stops the transport.
// @MX:WARN: [AUTO] Goroutine spawned per connection without explicit limit
// @MX:REASON: Each accepted TCP connection starts a goroutine for session handling
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	tr := s.config.Transport
	if tr == nil {
		ln.Close()
		return fmt.Errorf("no transport configured")
	}
	if !tr.IsStarted() && !tr.Start() {
		ln.Close()
		return fmt.Errorf("failed to start %s transport", tr.Name())
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"transport", tr.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	sessionCfg := SessionConfig{
		Auth:           s.auth,
		Transport:      tr,
		Hostname:       s.config.Hostname,
		TLSConfig:      s.config.TLSConfig,
		MaxMessageSize: s.config.MaxMessageSize,
		Metrics:        s.config.Metrics,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				if !tr.Stop() {
					slog.Warn("transport did not stop cleanly", "transport", tr.Name())
				}
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, sessionCfg).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
