package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"gamelink/internal/auth"
	"gamelink/internal/config"
	"gamelink/internal/protocol"
)

// Options carries the pluggable policy of a Server.
type Options struct {
	// Authenticator decides on the first frame of every connection. Required.
	Authenticator auth.Authenticator
	// AuthenticatedHandler receives frames while a session is AUTHENTICATED.
	AuthenticatedHandler MessageHandler
	// AvailableHandler receives frames while a session is AVAILABLE.
	AvailableHandler MessageHandler
	Observers        []Observer
	// Registry lets handlers share the session set. A fresh one is used if nil.
	Registry *Registry
	// Codec defaults to the built-in variants with the configured frame limit.
	Codec  *protocol.Codec
	Logger *slog.Logger
}

// Server accepts TLS connections and runs one Connection per client.
type Server struct {
	cfg           config.ServerConfig
	tlsConfig     *tls.Config
	codec         *protocol.Codec
	authenticator auth.Authenticator
	handlers      [2]MessageHandler // indexed by Role
	observer      observers
	registry      *Registry
	timeouts      *TimeoutManager
	logger        *slog.Logger

	// parent of every connection context
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*Connection
	stopping bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

func New(cfg config.ServerConfig, tlsConfig *tls.Config, opts Options) (*Server, error) {
	if tlsConfig == nil {
		return nil, errors.New("server: tls config is required")
	}
	if opts.Authenticator == nil {
		return nil, errors.New("server: authenticator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codec := opts.Codec
	if codec == nil {
		codec = protocol.NewCodec(protocol.WithMaxFrameSize(cfg.MaxFrameSize))
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		tlsConfig:     tlsConfig,
		codec:         codec,
		authenticator: opts.Authenticator,
		observer:      observers(opts.Observers),
		registry:      registry,
		timeouts:      NewTimeoutManager(cfg.AuthTimeout, cfg.AuthTimerPoolSize),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		conns:         make(map[string]*Connection),
	}
	s.handlers[RoleAuthenticated] = opts.AuthenticatedHandler
	s.handlers[RoleAvailable] = opts.AvailableHandler
	for role, h := range s.handlers {
		if h == nil {
			s.handlers[role] = discardHandler{logger: logger, role: Role(role)}
		}
	}
	return s, nil
}

// Start binds the configured address and accepts connections in the
// background. Bind errors are returned directly.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to start gamelink server, error: %w", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	go func() {
		if err := s.Serve(l); err != nil && !errors.Is(err, ErrServerClosed) {
			s.logger.Error("server_error", "error", err.Error())
		}
	}()
	return nil
}

// Serve accepts connections on l until Stop is called. It always returns a
// non-nil error; after Stop the error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("gamelink_server_started",
		"addr", l.Addr().String(),
		"name", s.cfg.Name,
		"protocol_version", s.cfg.ProtocolVersion,
		"build_number", s.cfg.BuildNumber,
	)

	for {
		raw, err := l.Accept()
		if err != nil {
			if s.isStopping() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("failed_to_accept_connection",
				"error", err.Error(),
			)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		conn := s.newConnection(tls.Server(raw, s.tlsConfig))
		if !s.track(conn) {
			_ = raw.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			conn.serve()
		}()
	}
}

// serveConn runs an already established transport as a connection and blocks
// until it closes. TLS connections are handshaken first.
func (s *Server) serveConn(conn net.Conn) {
	c := s.newConnection(conn)
	if !s.track(c) {
		_ = conn.Close()
		return
	}
	defer s.wg.Done()
	defer s.untrack(c)
	c.serve()
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Broadcast sends obj to every authenticated session.
func (s *Server) Broadcast(obj protocol.TransferObject) int {
	return s.registry.Broadcast(obj)
}

// Stop closes the listener, sends Disconnect to every live session and waits
// for them to close. When ctx expires first the remaining transports are
// closed without waiting for the goodbye.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	l := s.listener
	live := s.liveLocked()
	s.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	s.logger.Info("gamelink_server_stopping",
		"live_connections", len(live),
	)
	for _, c := range live {
		c.Shutdown(ReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		// unblock handlers waiting on their connection context
		s.cancel()
		s.mu.Lock()
		live = s.liveLocked()
		s.mu.Unlock()
		for _, c := range live {
			c.close()
		}
		<-done
		err = ctx.Err()
	}

	s.cancel()
	s.timeouts.Stop()
	s.logger.Info("gamelink_server_stopped")
	return err
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

func (s *Server) liveLocked() []*Connection {
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}
