package ws

import (
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns the accepted server side and the dialing client side of a
// loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listen not available: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func waitReady(e *Epoll) <-chan []net.Conn {
	ch := make(chan []net.Conn, 1)
	go func() {
		conns, err := e.Wait()
		if err != nil {
			close(ch)
			return
		}
		ch <- conns
	}()
	return ch
}

func TestEpollReportsConnOncePerDone(t *testing.T) {
	e, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	defer e.Close()

	server, client := tcpPair(t)
	readConn, err := e.Add(server)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := client.Write([]byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case conns := <-waitReady(e):
		if len(conns) != 1 || conns[0] != readConn {
			t.Fatalf("Wait = %v, want [readConn]", conns)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conn never reported ready")
	}

	// More bytes arrive while the first frame is still being handled.
	if _, err := client.Write([]byte("b")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ready := waitReady(e)
	select {
	case conns := <-ready:
		t.Fatalf("conn reported again before Done: %v", conns)
	case <-time.After(150 * time.Millisecond):
	}

	e.Done(readConn)
	select {
	case conns := <-ready:
		if len(conns) != 1 || conns[0] != readConn {
			t.Fatalf("Wait after Done = %v, want [readConn]", conns)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conn not reported after Done with unread data")
	}

	buf := make([]byte, 2)
	if _, err := io.ReadFull(readConn, buf); err != nil || string(buf) != "ab" {
		t.Fatalf("read = %q, %v; want \"ab\"", buf, err)
	}
}

func TestEpollDoneAfterRemoveIsIgnored(t *testing.T) {
	e, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	defer e.Close()

	server, _ := tcpPair(t)
	readConn, err := e.Add(server)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Remove(readConn); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	e.Done(readConn)
	if err := e.Remove(readConn); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}
