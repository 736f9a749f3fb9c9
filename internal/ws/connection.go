package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-relay/internal/session"
)

// Connection represents a single WebSocket client connection: its socket, its
// authentication state machine and a write mutex for serializing outbound
// frames. It implements presence.Handle and relay.Conn.
type Connection struct {
	session.Machine

	ID           string        // session ID (UUID)
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor, -1 off Linux
	CreatedAt    time.Time     // when the connection was established
	lastSeen     atomic.Int64  // unix nanos of the last frame received
	writeTimeout time.Duration // per-frame write deadline; 0 disables
	onClose      func(*Connection)
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// markSeen records that a frame arrived.
func (c *Connection) markSeen(t time.Time) { c.lastSeen.Store(t.UnixNano()) }

// LastSeen returns when the last frame from the client arrived.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// SessionID returns the connection's session ID.
func (c *Connection) SessionID() string { return c.ID }

// Send writes one text frame, bounded by the server's write timeout. Safe for
// concurrent use.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		// Clear it so it doesn't affect the next writer (e.g. heartbeat pings).
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close tears the connection down through the owning server so that the
// disconnect callback runs exactly once. Connections not attached to a
// server just close their socket.
func (c *Connection) Close() error {
	if c.onClose != nil {
		c.onClose(c)
		return nil
	}
	return c.closeSocket()
}

func (c *Connection) closeSocket() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps session IDs and the
// readable net.Conn handed out by epoll to their Connection objects. It knows
// nothing about users; that mapping lives in presence.Registry.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // session_id -> Connection
	byConn map[net.Conn]*Connection // epoll conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying socket,
// and removes it from both lookup maps. Returns true if the connection was
// found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.closeSocket()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection registered for the net.Conn epoll
// reported as ready, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
