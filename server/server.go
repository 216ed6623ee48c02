package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"smtpfront/logging"
	"smtpfront/metrics"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("smtpfront: server closed")

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config *Config
	logger logging.Logger

	// listeners we opened so they can be closed on shutdown
	listeners   []net.Listener
	listenersMu sync.Mutex

	metricsServer *http.Server

	// active sessions tracking
	sessions   map[*Session]struct{}
	sessionsMu sync.Mutex
	sessionsWG sync.WaitGroup

	// shutdown flag
	shuttingDown int32
}

// NewServer creates a new SMTP server with the specified configuration.
func NewServer(config *Config) (*Server, error) {
	config.EnsureDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Server{
		config:   config,
		logger:   config.Logger,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Addr returns the address the server is configured to listen on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.ListenAddress, strconv.Itoa(s.config.Port))
}

// ListenAndServe listens on the configured address, starts the metrics
// endpoint if one is configured and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}

	if s.config.MetricsAddress != "" {
		if err := s.startMetrics(); err != nil {
			_ = listener.Close()
			return err
		}
	}

	return s.Serve(listener)
}

// Serve accepts connections on l until it is closed. At most
// MaxConnections connections are served at once; further clients wait in
// the accept queue.
func (s *Server) Serve(l net.Listener) error {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		_ = l.Close()
		return ErrServerClosed
	}

	if s.config.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.config.MaxConnections)
	}

	if !s.addListener(l) {
		_ = l.Close()
		return ErrServerClosed
	}
	defer s.removeListener(l)

	s.logger.Info("smtpfront listening",
		logging.F("addr", l.Addr().String()),
		logging.F("hostname", s.config.Hostname),
		logging.F("max_connections", s.config.MaxConnections),
		logging.F("idle_timeout", s.config.IdleTimeout))

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if atomic.LoadInt32(&s.shuttingDown) == 1 {
					return ErrServerClosed
				}
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = backoff(tempDelay)
				s.logger.Warn("Accept error; retrying", logging.F("err", err), logging.F("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		tempDelay = 0

		session := NewSession(conn, s.config)
		s.registerSession(session)
		go s.handleSession(session)
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if limit := time.Second; d > limit {
		d = limit
	}
	return d
}

func (s *Server) handleSession(session *Session) {
	defer s.unregisterSession(session)

	if err := session.Handle(); err != nil {
		s.logger.Warn("Session ended with error",
			logging.F("session_id", session.logger.GetSessionID()),
			logging.F("err", err))
	}
}

func (s *Server) startMetrics() error {
	listener, err := net.Listen("tcp", s.config.MetricsAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", s.config.MetricsAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.listenersMu.Lock()
	s.metricsServer = srv
	s.listenersMu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", err)
		}
	}()

	s.logger.Info("Metrics listening", logging.F("addr", listener.Addr().String()))
	return nil
}

// addListener registers a listener so it can be closed on shutdown. It
// reports false once shutdown has begun.
func (s *Server) addListener(l net.Listener) bool {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		return false
	}
	s.listeners = append(s.listeners, l)
	return true
}

// removeListener removes a registered listener
func (s *Server) removeListener(l net.Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i := range s.listeners {
		if s.listeners[i] == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// registerSession records an active session and increments the waitgroup
func (s *Server) registerSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess] = struct{}{}
	s.sessionsWG.Add(1)
}

// unregisterSession removes a session and decrements the waitgroup
func (s *Server) unregisterSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess)
	s.sessionsWG.Done()
}

// activeSessionSnapshot returns a slice copy of active sessions
func (s *Server) activeSessionSnapshot() []*Session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for k := range s.sessions {
		out = append(out, k)
	}
	return out
}

// ActiveSessions returns the number of sessions being served.
func (s *Server) ActiveSessions() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// closeAllListeners closes all registered listeners to stop accepting new connections
func (s *Server) closeAllListeners() {
	s.listenersMu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Error closing listener", logging.F("err", err))
		}
	}
}

// Shutdown attempts a graceful shutdown: stop accepting new connections, notify active sessions
// to terminate with a 421 and wait up to the provided context for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.shuttingDown, 0, 1) {
		return nil
	}

	s.closeAllListeners()

	s.listenersMu.Lock()
	metricsServer := s.metricsServer
	s.listenersMu.Unlock()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			s.logger.Debug("Metrics server shutdown", logging.F("err", err))
		}
	}

	sessions := s.activeSessionSnapshot()
	if len(sessions) == 0 {
		s.logger.Info("No active sessions; shutdown complete")
		return nil
	}

	s.logger.Info("Shutting down: notifying active sessions", logging.F("sessions", len(sessions)))

	for _, sess := range sessions {
		go func(ss *Session) {
			if err := ss.CloseWith421(ctx, "Service shutting down"); err != nil {
				s.logger.Debug("CloseWith421 returned error", logging.F("err", err))
			}
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.logger.Info("All sessions closed; shutdown complete")
		return nil
	}
}
