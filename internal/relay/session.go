package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/relay/internal/protocol"
)

// previewLen is how much of each payload is logged.
const previewLen = 64

// SessionHandler processes a connected relay stream.
// Implementations handle the read loop for a single client.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// Throttle limits how quickly a single session reads frames.
// A zero PerSecond disables limiting.
type Throttle struct {
	PerSecond float64
	Burst     int
}

// Handler is the relay SessionHandler: it registers the connection, relays
// every frame to all registered peers and applies each payload to the player state.
type Handler struct {
	conns      *Registry
	dispatcher *protocol.Dispatcher
	throttle   Throttle
	stats      *Stats
	logger     *zap.Logger
}

// NewHandler creates a relay Handler.
//
// Precondition: conns, dispatcher, stats and logger must be non-nil.
func NewHandler(conns *Registry, dispatcher *protocol.Dispatcher, throttle Throttle, stats *Stats, logger *zap.Logger) *Handler {
	return &Handler{
		conns:      conns,
		dispatcher: dispatcher,
		throttle:   throttle,
		stats:      stats,
		logger:     logger,
	}
}

// HandleSession runs the read-relay-dispatch loop until the stream ends.
//
// Postcondition: conn is deregistered and closed. Returns nil on end of
// stream, a *protocol.DecodeError for an undecodable payload, or the read error.
func (h *Handler) HandleSession(ctx context.Context, conn *Conn) error {
	if err := h.conns.Add(conn); err != nil {
		_ = conn.Close()
		return err
	}
	defer func() {
		h.conns.Remove(conn.ID())
		_ = conn.Close()
	}()

	var limiter *rate.Limiter
	if h.throttle.PerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.throttle.PerSecond), h.throttle.Burst)
	}

	log := h.logger.With(
		zap.Stringer("conn_id", conn.ID()),
		zap.Stringer("remote_addr", conn.RemoteAddr()),
	)

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for read budget: %w", err)
			}
		}

		frame, err := conn.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				h.stats.decodeErrors.Add(1)
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		log.Debug("frame received",
			zap.Uint32("content_length", frame.Len()),
			zap.ByteString("content", preview(frame.Payload)),
		)

		peers := h.conns.Broadcast(frame)
		log.Debug("frame relayed", zap.Int("peers", peers))

		if err := h.dispatcher.Dispatch(frame.Payload); err != nil {
			h.stats.decodeErrors.Add(1)
			return err
		}
	}
}

func preview(payload []byte) []byte {
	if len(payload) > previewLen {
		return payload[:previewLen]
	}
	return payload
}
