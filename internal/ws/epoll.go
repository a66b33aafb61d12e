//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const epollBatch = 128

// Epoll reports read readiness for registered sockets through a single
// level-triggered epoll instance. Peer hang-ups surface as readiness so the
// following read fails and the server evicts the connection.
type Epoll struct {
	fd int

	mu    sync.RWMutex
	byFD  map[int32]net.Conn
	ready []unix.EpollEvent
}

// NewEpoll creates the poller.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:    fd,
		byFD:  make(map[int32]net.Conn),
		ready: make([]unix.EpollEvent, epollBatch),
	}, nil
}

// Add registers conn and returns the connection to read from. On Linux that
// is conn itself.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	fd := socketFD(conn)
	if fd < 0 {
		return nil, errors.New("ws: epoll add: connection has no file descriptor")
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("ws: epoll add fd=%d: %w", fd, err)
	}

	e.mu.Lock()
	e.byFD[ev.Fd] = conn
	e.mu.Unlock()
	return conn, nil
}

// Remove unregisters conn. A socket that is already closed has left the
// epoll set on its own, so ENOENT and EBADF are not errors.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return nil
	}
	e.mu.Lock()
	delete(e.byFD, int32(fd))
	e.mu.Unlock()

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait blocks up to timeoutMs (-1 waits forever) and returns the registered
// connections that are readable. Sockets removed concurrently are dropped.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.ready, timeoutMs)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]net.Conn, 0, n)
	for _, ev := range e.ready[:n] {
		if conn := e.byFD[ev.Fd]; conn != nil {
			out = append(out, conn)
		}
	}
	return out, nil
}

// Close releases the epoll descriptor. Registered sockets stay open.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFD = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

func isEINTR(err error) bool { return errors.Is(err, unix.EINTR) }

// socketFD returns conn's descriptor without dup'ing it, or -1 when conn is
// not backed by a socket (net.Pipe in tests).
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
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
