// Package testutil provides helpers for relay integration tests.
package testutil

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/cory-johannsen/relay/internal/protocol"
)

// FrameClient is a length-prefixed relay client for integration testing.
type FrameClient struct {
	conn net.Conn
	t    *testing.T
}

// NewFrameClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected FrameClient or fails the test.
func NewFrameClient(t *testing.T, addr string) *FrameClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return &FrameClient{conn: conn, t: t}
}

// Send writes payload as one frame.
func (c *FrameClient) Send(payload []byte) {
	c.t.Helper()
	c.SendRaw(protocol.EncodeFrame(payload))
}

// SendRaw writes b to the server unchanged.
func (c *FrameClient) SendRaw(b []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("sending %d bytes: %v", len(b), err)
	}
}

// ReadFrame reads one frame or fails the test on timeout or error.
func (c *FrameClient) ReadFrame(timeout time.Duration) protocol.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	f, err := protocol.ReadFrame(c.conn)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return f
}

// ReadRaw reads exactly n bytes or fails the test.
func (c *FrameClient) ReadRaw(n int, timeout time.Duration) []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		c.t.Fatalf("reading %d raw bytes: %v", n, err)
	}
	return buf
}

// ExpectNothing fails the test if any byte arrives within wait.
func (c *FrameClient) ExpectNothing(wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 1)
	n, err := c.conn.Read(buf)
	if n > 0 {
		c.t.Fatalf("expected silence, got byte %#x", buf[0])
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		c.t.Fatalf("expected silence, connection failed: %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the stream within timeout.
// Any bytes still in flight are discarded.
func (c *FrameClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.Copy(io.Discard, c.conn); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.t.Fatalf("connection still open after %s", timeout)
		}
	}
}

// Close closes the underlying connection.
func (c *FrameClient) Close() {
	c.conn.Close()
}
