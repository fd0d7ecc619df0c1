package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/game/player"
	"github.com/cory-johannsen/relay/internal/protocol"
)

// Server listens for relay connections on a TCP port and runs a session for each.
// It owns the connection registry and shares the player registry with every session.
type Server struct {
	cfg     config.RelayConfig
	conns   *Registry
	players *player.Registry
	handler SessionHandler
	stats   *Stats
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewServer creates a relay server with the given configuration.
//
// Precondition: players and logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(cfg config.RelayConfig, players *player.Registry, logger *zap.Logger) *Server {
	stats := &Stats{}
	conns := NewRegistry(stats, logger)
	handler := NewHandler(
		conns,
		protocol.NewDispatcher(players),
		Throttle{PerSecond: cfg.FramesPerSecond, Burst: cfg.FrameBurst},
		stats,
		logger,
	)
	return &Server{
		cfg:     cfg,
		conns:   conns,
		players: players,
		handler: handler,
		stats:   stats,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// ListenAndServe starts the TCP listener and accepts connections until Stop is called.
// This method blocks until the server is stopped.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		listener.Close()
		return nil
	default:
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("relay listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accepting connection", zap.Error(err))
			continue
		}

		s.mu.Lock()
		select {
		case <-s.quit:
			s.mu.Unlock()
			raw.Close()
			return nil
		default:
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(raw)
	}
}

// handleConn runs one session to completion.
func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()
	start := time.Now()

	conn := NewConn(raw, s.cfg.MaxFrameBytes, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	s.stats.connectionsAccepted.Add(1)

	log := s.logger.With(
		zap.Stringer("conn_id", conn.ID()),
		zap.String("remote_addr", raw.RemoteAddr().String()),
	)
	log.Info("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.handler.HandleSession(ctx, conn); err != nil {
		log.Debug("session ended",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		log.Info("session ended cleanly",
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Stop closes the listener and every connection, then waits for all sessions
// to finish. In-flight broadcasts are not drained.
//
// Postcondition: All connections are closed and goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return
	default:
	}
	close(s.quit)
	s.running = false
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	s.conns.CloseAll()
	s.wg.Wait()

	st := s.stats.Snapshot()
	s.logger.Info("relay stopped",
		zap.Int64("connections_accepted", st.ConnectionsAccepted),
		zap.Int64("frames_relayed", st.FramesRelayed),
		zap.Int64("bytes_relayed", st.BytesRelayed),
		zap.Int64("decode_errors", st.DecodeErrors),
		zap.Int64("peer_write_failures", st.PeerWriteFailures),
		zap.Int("players", s.players.Count()),
	)
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Connections returns the number of registered connections.
func (s *Server) Connections() int {
	return s.conns.Len()
}

// Stats returns the current relay counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}
