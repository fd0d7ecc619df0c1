// Package relay accepts framed TCP connections and rebroadcasts every frame
// to all connected peers while feeding player events to the dispatcher.
package relay

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/relay/internal/protocol"
)

// ErrConnClosed is returned when writing to a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is one accepted relay stream.
// Outbound data is queued with Enqueue and written by Flush.
type Conn struct {
	id     uuid.UUID
	raw    net.Conn
	frames *protocol.FrameReader

	mu      sync.Mutex // guards pending and closed
	pending net.Buffers
	closed  bool

	writeMu   sync.Mutex // serializes flushes
	closeOnce sync.Once

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps raw with a fresh random identity.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, maxFrame uint32, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.New(),
		raw:          raw,
		frames:       protocol.NewFrameReader(raw, maxFrame),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's identity, stable for its lifetime.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// ReadFrame reads the next inbound frame.
//
// Postcondition: Returns the frame, io.EOF on disconnect, or another error.
func (c *Conn) ReadFrame() (protocol.Frame, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.frames.Next()
}

// Enqueue appends data to the outbound queue without touching the network.
//
// Postcondition: data is queued, or ErrConnClosed is returned.
func (c *Conn) Enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.pending = append(c.pending, data)
	return nil
}

// Flush writes everything queued so far and blocks until the kernel has accepted it.
//
// Postcondition: The queue is empty; a non-nil error means the connection is unusable.
func (c *Conn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	bufs := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(bufs) == 0 {
		return nil
	}
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := bufs.WriteTo(c.raw)
	return err
}

// Close closes the underlying stream and drops anything still queued.
// It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = nil
		c.mu.Unlock()
		err = c.raw.Close()
	})
	return err
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
