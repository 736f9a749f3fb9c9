package ws

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-relay/internal/presence"
)

var _ presence.Handle = (*Connection)(nil)

// newPipeConnection returns a server-side Connection attached to s and the
// client end of the pipe.
func newPipeConnection(t *testing.T, s *Server, id string) (*Connection, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	c := &Connection{
		ID:           id,
		Conn:         serverSide,
		Fd:           -1,
		CreatedAt:    time.Now(),
		writeTimeout: time.Second,
	}
	c.markSeen(c.CreatedAt)
	if s != nil {
		c.onClose = s.RemoveConnection
		s.conns.Add(c)
	}
	return c, clientSide
}

func TestSendWritesTextFrame(t *testing.T) {
	c, client := newPipeConnection(t, nil, "s1")

	errCh := make(chan error, 1)
	go func() { errCh <- c.Send([]byte(`{"type":"pong"}`)) }()

	data, op, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}
	if op != ws.OpText || string(data) != `{"type":"pong"}` {
		t.Fatalf("got op=%v data=%s", op, data)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSendTimesOutOnStalledPeer(t *testing.T) {
	c, _ := newPipeConnection(t, nil, "s1")
	c.writeTimeout = 20 * time.Millisecond

	// Nobody reads the client end, so the write must hit its deadline.
	if err := c.Send([]byte("x")); err == nil {
		t.Fatal("expected write timeout")
	}
}

func TestCloseRoutesThroughServerOnce(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	var disconnects int32
	s.SetOnDisconnect(func(*Connection) { atomic.AddInt32(&disconnects, 1) })

	c, client := newPipeConnection(t, s, "s1")

	c.Close()
	c.Close()
	s.RemoveConnection(c)

	if n := atomic.LoadInt32(&disconnects); n != 1 {
		t.Fatalf("disconnect callbacks = %d, want 1", n)
	}
	if s.Connections().Count() != 0 {
		t.Fatal("connection still registered")
	}
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected socket to be closed")
	}
}

func TestConnectionManagerLookups(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	c1, _ := newPipeConnection(t, s, "s1")
	c2, _ := newPipeConnection(t, s, "s2")

	if s.conns.Get("s1") != c1 || s.conns.GetByConn(c2.Conn) != c2 {
		t.Fatal("lookup mismatch")
	}
	if s.conns.Count() != 2 || len(s.conns.All()) != 2 {
		t.Fatalf("count = %d", s.conns.Count())
	}
	if !s.conns.Remove("s1") || s.conns.Remove("s1") {
		t.Fatal("Remove should succeed exactly once")
	}
	if s.conns.GetByConn(c1.Conn) != nil {
		t.Fatal("removed conn still resolvable")
	}
}

func TestHeartbeatEvictsStaleConnections(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	var evicted []string
	s.SetOnDisconnect(func(c *Connection) { evicted = append(evicted, c.ID) })

	stale, _ := newPipeConnection(t, s, "stale")
	stale.markSeen(time.Now().Add(-time.Hour))

	fresh, client := newPipeConnection(t, s, "fresh")
	go io.Copy(io.Discard, client)

	checkConnections(s, HeartbeatConfig{Interval: time.Second, Timeout: time.Second})

	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("evicted = %v", evicted)
	}
	if s.conns.Get(fresh.ID) == nil {
		t.Fatal("fresh connection was evicted")
	}
}
