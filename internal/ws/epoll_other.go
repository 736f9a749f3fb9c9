//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Epoll is the goroutine-per-connection fallback used off Linux so the relay
// can run on developer machines. Each registered conn is wrapped in a
// buffered reader; a monitor goroutine peeks one byte to detect readiness
// without consuming it, then waits for Done before peeking again so it never
// reads concurrently with the server.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn routes reads through br so peeked bytes are not lost.
type peekConn struct {
	net.Conn
	br      *bufio.Reader
	resume  chan struct{}
	removed chan struct{}
}

func (c *peekConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the wrapper the server must use for
// all further reads.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{
		Conn:    conn,
		br:      bufio.NewReader(conn),
		resume:  make(chan struct{}, 1),
		removed: make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[pc] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		_ = pc.Conn.SetReadDeadline(time.Time{})
		_, err := pc.br.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-pc.removed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			// The server's read will surface the error and remove the conn.
			return
		}

		select {
		case <-pc.resume:
		case <-pc.removed:
			return
		case <-e.done:
			return
		}
	}
}

// Done lets the monitor of conn look for the next frame.
func (e *Epoll) Done(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	pc, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(pc.removed)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection that is ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD is not needed by the fallback; connections are keyed by net.Conn.
func socketFD(net.Conn) int {
	return -1
}
