package relay

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/relay/internal/protocol"
)

// ErrRegistryClosed is returned by Add once the registry has been shut down.
var ErrRegistryClosed = errors.New("connection registry closed")

// Registry is the set of live connections and the broadcast fan-out list.
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*Conn
	closed bool

	// fanout keeps the prefix and payload of one frame contiguous on every receiver.
	fanout sync.Mutex

	stats  *Stats
	logger *zap.Logger
}

// NewRegistry creates an empty connection Registry.
//
// Precondition: stats and logger must be non-nil.
func NewRegistry(stats *Stats, logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Conn),
		stats:  stats,
		logger: logger,
	}
}

// Add registers c.
//
// Postcondition: c is a broadcast target, or ErrRegistryClosed is returned.
func (r *Registry) Add(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.conns[c.ID()] = c
	return nil
}

// Remove deregisters the connection with the given id.
// Returns false if it was not registered.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the currently registered connections in no particular order.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// CloseAll closes every registered connection and refuses further registrations.
// Closed connections stay registered until their sessions remove them.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Broadcast relays f verbatim to every registered connection, the sender included.
// The prefix is queued on every peer first without waiting; the payload is then
// queued and every peer is flushed, and Broadcast returns only once all flushes
// finished. A peer that cannot be written to is closed and skipped.
//
// Postcondition: Returns the number of peers the frame was fully written to.
func (r *Registry) Broadcast(f protocol.Frame) int {
	r.fanout.Lock()
	defer r.fanout.Unlock()

	peers := r.Snapshot()

	// Queuing is the unflushed prefix write; the bytes reach the socket
	// ahead of the payload in the same Flush below.
	for _, c := range peers {
		_ = c.Enqueue(f.Prefix[:])
	}
	for _, c := range peers {
		_ = c.Enqueue(f.Payload)
	}

	var (
		g         errgroup.Group
		mu        sync.Mutex
		delivered int
	)
	for _, c := range peers {
		c := c
		g.Go(func() error {
			err := c.Flush()
			if errors.Is(err, ErrConnClosed) {
				return nil
			}
			if err != nil {
				r.stats.peerWriteFailures.Add(1)
				r.logger.Debug("dropping peer after failed write",
					zap.Stringer("conn_id", c.ID()),
					zap.Stringer("remote_addr", c.RemoteAddr()),
					zap.Error(err),
				)
				_ = c.Close()
				return nil
			}
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.stats.framesRelayed.Add(1)
	r.stats.bytesRelayed.Add(int64(protocol.PrefixSize+len(f.Payload)) * int64(delivered))
	return delivered
}
