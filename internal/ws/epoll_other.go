//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Epoll is the portable poller for development on macOS and Windows. Each
// connection gets a goroutine that peeks for input and reports readiness.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn buffers reads so the monitor can wait for input without
// consuming it.
type peekConn struct {
	net.Conn
	br      *bufio.Reader
	removed chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) { return p.br.Read(b) }

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn. The server must read from the returned
// connection, which holds any bytes the monitor peeked.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, br: bufio.NewReader(conn), removed: make(chan struct{})}
	e.mu.Lock()
	e.conns[pc] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return pc, nil
}

// monitor signals readiness whenever input is buffered, waiting for the
// server to drain it before peeking again.
func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.br.Peek(1)
		select {
		case e.readyCh <- pc:
		case <-pc.removed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		for pc.br.Buffered() > 0 {
			select {
			case <-pc.removed:
				return
			case <-e.done:
				return
			case <-time.After(5 * time.Millisecond):
			}
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

// Wait blocks up to timeoutMs (-1 for no limit) for ready connections.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	var timeout <-chan time.Time
	if timeoutMs >= 0 {
		timeout = time.After(time.Duration(timeoutMs) * time.Millisecond)
	}

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timeout:
		return nil, nil
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

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func isEINTR(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
