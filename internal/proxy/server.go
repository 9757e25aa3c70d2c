package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"flm/internal/tlsmode"
)

// HandleState is the lifecycle state of one listener.
type HandleState string

const (
	StateCreating HandleState = "creating"
	StateRunning  HandleState = "running"
	StateStopping HandleState = "stopping"
	StateStopped  HandleState = "stopped"
	StateError    HandleState = "error"
)

// stopGrace is how long active requests get to finish after stop.
const stopGrace = 5 * time.Second

// Server is one running proxy listener pair (HTTP, plus TLS for HTTPS
// modes).
type Server struct {
	mu     sync.Mutex
	state  HandleState
	handle Handle
	config Config

	gateway  *Gateway
	tls      *tlsmode.Manager
	httpSrv  *http.Server
	httpsSrv *http.Server

	hkCancel context.CancelFunc
	errCh    chan error
}

// NewServer pairs a validated config with its gateway and, for HTTPS
// modes, a prepared TLS manager.
func NewServer(id string, cfg Config, gateway *Gateway, tls *tlsmode.Manager) *Server {
	return &Server{
		state:   StateCreating,
		config:  cfg,
		gateway: gateway,
		tls:     tls,
		handle: Handle{
			ID:         id,
			Port:       cfg.Port,
			HTTPSPort:  cfg.HTTPSPort(),
			Mode:       cfg.Mode,
			ListenAddr: cfg.ListenAddr,
			AcmeDomain: cfg.AcmeDomain,
			Egress:     cfg.Egress,
		},
		errCh: make(chan error, 2),
	}
}

// Start binds the listeners and begins serving. The handle transitions
// Creating -> Running on a successful bind; a bind error lands in
// Error.
func (s *Server) Start(ctx context.Context) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreating {
		return s.handle, fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.state = StateError
		s.handle.LastError = err.Error()
		return s.handle, &PortInUseError{Addr: s.config.ListenAddr, Port: s.config.Port, Err: err}
	}

	s.httpSrv = &http.Server{
		Handler:     s.gateway,
		ReadTimeout: 30 * time.Second,
		// Streaming responses keep the socket open arbitrarily long.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(err)
		}
	}()

	if s.config.Mode != ModeLocalHTTP {
		tlsAddr := net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.HTTPSPort()))
		tlsListener, err := net.Listen("tcp", tlsAddr)
		if err != nil {
			listener.Close()
			s.state = StateError
			s.handle.LastError = err.Error()
			return s.handle, &PortInUseError{Addr: s.config.ListenAddr, Port: s.config.HTTPSPort(), Err: err}
		}
		s.httpsSrv = &http.Server{
			Handler:      s.gateway,
			TLSConfig:    s.tls.TLSConfig(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			if err := s.httpsSrv.ServeTLS(tlsListener, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.fail(err)
			}
		}()
	}

	hkCtx, cancel := context.WithCancel(context.Background())
	s.hkCancel = cancel
	go s.gateway.Housekeep(hkCtx)

	s.state = StateRunning
	s.handle.Running = true
	s.handle.StartedAt = time.Now().UTC()
	slog.Info("proxy listener started",
		"handle_id", s.handle.ID,
		"addr", addr,
		"mode", s.config.Mode,
		"https_port", s.handle.HTTPSPort,
	)
	return s.handle, nil
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateStopped {
		return
	}
	s.state = StateError
	s.handle.Running = false
	s.handle.LastError = err.Error()
	slog.Error("proxy listener failed", "handle_id", s.handle.ID, "error", err)
}

// Stop drains the accept loops, then gives active requests the grace
// deadline before dropping connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateError {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	httpSrv, httpsSrv := s.httpSrv, s.httpsSrv
	if s.hkCancel != nil {
		s.hkCancel()
	}
	s.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()

	var firstErr error
	for _, srv := range []*http.Server{httpSrv, httpsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(graceCtx); err != nil {
			// Grace expired: drop the stragglers.
			srv.Close()
			if firstErr == nil && !errors.Is(err, context.DeadlineExceeded) {
				firstErr = err
			}
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.handle.Running = false
	s.mu.Unlock()
	slog.Info("proxy listener stopped", "handle_id", s.handle.ID)
	return firstErr
}

// Handle returns a snapshot of the runtime descriptor.
func (s *Server) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// State returns the lifecycle state.
func (s *Server) State() HandleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Gateway exposes the handler for policy hot reload.
func (s *Server) Gateway() *Gateway { return s.gateway }
