package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/relay/internal/game/player"
	"github.com/cory-johannsen/relay/internal/protocol"
)

// orderCheckingStore records, for every applied event, how many frames had
// already been relayed at that moment.
type orderCheckingStore struct {
	stats   *Stats
	relayed []int64
	inner   *player.Registry
}

func (s *orderCheckingStore) Join(id string) {
	s.relayed = append(s.relayed, s.stats.Snapshot().FramesRelayed)
	s.inner.Join(id)
}

func (s *orderCheckingStore) Exit(id string) {
	s.relayed = append(s.relayed, s.stats.Snapshot().FramesRelayed)
	s.inner.Exit(id)
}

func (s *orderCheckingStore) Move(id string, x, z float64) {
	s.relayed = append(s.relayed, s.stats.Snapshot().FramesRelayed)
	s.inner.Move(id, x, z)
}

func newPipeSession(t *testing.T, store protocol.PlayerStore, stats *Stats, throttle Throttle) (*Handler, *Registry, *Conn, net.Conn) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	conns := NewRegistry(stats, logger)
	h := NewHandler(conns, protocol.NewDispatcher(store), throttle, stats, logger)
	c, client := pipeConn(t)
	return h, conns, c, client
}

func TestHandler_RelaysBeforeApplying(t *testing.T) {
	stats := &Stats{}
	store := &orderCheckingStore{stats: stats, inner: player.NewRegistry()}
	h, conns, c, client := newPipeSession(t, store, stats, Throttle{})

	done := make(chan error, 1)
	go func() { done <- h.HandleSession(context.Background(), c) }()

	for _, payload := range []string{
		`{"type":"JOIN","id":"alice"}`,
		`{"type":"MOVE","id":"alice","x":5,"z":9}`,
		`{"type":"EXIT","id":"alice"}`,
	} {
		_, err := client.Write(protocol.EncodeFrame([]byte(payload)))
		require.NoError(t, err)

		f, err := protocol.ReadFrame(client)
		require.NoError(t, err)
		assert.Equal(t, payload, string(f.Payload))
	}

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	// The n-th event was applied only after the n-th frame was relayed.
	assert.Equal(t, []int64{1, 2, 3}, store.relayed)
	assert.Equal(t, 0, store.inner.Count())
	assert.Equal(t, 0, conns.Len())
	assert.True(t, c.IsClosed())
}

func TestHandler_DecodeErrorEndsSession(t *testing.T) {
	stats := &Stats{}
	h, conns, c, client := newPipeSession(t, player.NewRegistry(), stats, Throttle{})

	done := make(chan error, 1)
	go func() { done <- h.HandleSession(context.Background(), c) }()

	_, err := client.Write(protocol.EncodeFrame([]byte("not json")))
	require.NoError(t, err)

	// The bad frame is still relayed before the session fails.
	f, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, "not json", string(f.Payload))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, protocol.ErrDecode), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, 0, conns.Len())
	assert.Equal(t, int64(1), stats.Snapshot().DecodeErrors)
}

func TestHandler_ShortReadIsCleanEnd(t *testing.T) {
	h, conns, c, client := newPipeSession(t, player.NewRegistry(), &Stats{}, Throttle{})

	done := make(chan error, 1)
	go func() { done <- h.HandleSession(context.Background(), c) }()

	_, err := client.Write([]byte{0, 0, 0, 10, 'a', 'b'})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, 0, conns.Len())
}

func TestHandler_ThrottleHonoursCancel(t *testing.T) {
	stats := &Stats{}
	h, _, c, client := newPipeSession(t, player.NewRegistry(), stats, Throttle{PerSecond: 0.001, Burst: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.HandleSession(ctx, c) }()

	// The first frame uses the burst token.
	_, err := client.Write(protocol.EncodeFrame([]byte(`{"type":"JOIN","id":"a"}`)))
	require.NoError(t, err)
	_, err = protocol.ReadFrame(client)
	require.NoError(t, err)

	// The second read has to wait for a token that will not arrive in time.
	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("throttled session ignored cancellation")
	}
}

// unwritableConn accepts reads but fails every write, like a socket whose
// remote end has already gone away.
type unwritableConn struct {
	net.Conn
}

func (unwritableConn) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestHandler_FailedPeerWriteEndsOnlyThatSession(t *testing.T) {
	stats := &Stats{}
	h, conns, a, aClient := newPipeSession(t, player.NewRegistry(), stats, Throttle{})

	bServer, bClient := net.Pipe()
	t.Cleanup(func() {
		bServer.Close()
		bClient.Close()
	})
	b := NewConn(unwritableConn{bServer}, 0, 0, 0)

	aDone := make(chan error, 1)
	bDone := make(chan error, 1)
	go func() { aDone <- h.HandleSession(context.Background(), a) }()
	go func() { bDone <- h.HandleSession(context.Background(), b) }()
	require.Eventually(t, func() bool { return conns.Len() == 2 }, time.Second, 5*time.Millisecond)

	for _, payload := range []string{
		`{"type":"JOIN","id":"alice"}`,
		`{"type":"MOVE","id":"alice","x":1,"z":2}`,
	} {
		_, err := aClient.Write(protocol.EncodeFrame([]byte(payload)))
		require.NoError(t, err)
		f, err := protocol.ReadFrame(aClient)
		require.NoError(t, err)
		assert.Equal(t, payload, string(f.Payload))
	}

	select {
	case <-bDone:
	case <-time.After(5 * time.Second):
		t.Fatal("session of the failed peer did not end")
	}
	assert.True(t, b.IsClosed())
	assert.False(t, a.IsClosed())
	assert.Equal(t, 1, conns.Len())
	assert.Equal(t, int64(1), stats.Snapshot().PeerWriteFailures)
	assert.Eventually(t, func() bool { return stats.Snapshot().FramesRelayed == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, aClient.Close())
	select {
	case err := <-aDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sender session did not end")
	}
}

func TestHandler_RegistryClosed(t *testing.T) {
	h, conns, c, _ := newPipeSession(t, player.NewRegistry(), &Stats{}, Throttle{})
	conns.CloseAll()

	err := h.HandleSession(context.Background(), c)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.True(t, c.IsClosed())
}
