//go:build linux

package ws

import (
	"log"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll syscalls for WebSocket read multiplexing. Instead
// of parking a goroutine per connection, file descriptors are registered with
// the kernel and the event loop is woken only when a socket is readable.
// Registrations are one-shot: a ready conn is not reported again until the
// server calls Done, so a frame still being handled never wakes the loop.
type Epoll struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	fds         map[net.Conn]int  // reverse mapping, valid after the socket closes
	mu          sync.RWMutex      // protects both maps
	events      []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		fds:         make(map[net.Conn]int),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

const readEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLONESHOT

// Add registers conn for one-shot EPOLLIN/EPOLLHUP notifications and returns
// the conn the server must read from, which on Linux is conn itself.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	}); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.fds[conn] = fd
	e.mu.Unlock()
	return conn, nil
}

// Remove unregisters conn. Unknown conns are ignored.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.fds[conn]
	if ok {
		delete(e.fds, conn)
		delete(e.connections, fd)
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Done re-arms conn after the server finished handling its ready frame.
// Removed conns are ignored.
func (e *Epoll) Done(conn net.Conn) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fd, ok := e.fds[conn]
	if !ok {
		return
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	}); err != nil {
		log.Printf("ws: epoll re-arm fd=%d: %v", fd, err)
	}
}

// Wait blocks until one or more registered connections are ready for reading.
// Connections removed between epoll_wait returning and the lookup are
// skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := e.connections[int(e.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	e.fds = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
