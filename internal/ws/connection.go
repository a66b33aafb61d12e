package ws

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mystify/realtime/internal/protocol"
)

// Connection is one authenticated WebSocket client.
type Connection struct {
	ID         string    // connection id (UUID), also the session id
	UserID     string    // trusted identity from the auth gateway
	RemoteAddr string    // client address as seen by the server
	Conn       net.Conn  // underlying connection, as returned by the poller
	Fd         int       // file descriptor, -1 without epoll
	CreatedAt  time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   atomic.Int32 // 0 = idle, 1 = being read by handleConn
	lastSeen     atomic.Int64 // unix nanos of the last frame from the client

	ctx    context.Context // cancelled when the connection is removed
	cancel context.CancelFunc
}

// NewConnection wraps an upgraded net.Conn.
func NewConnection(id, userID string, conn net.Conn, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.lastSeen.Store(now.UnixNano())
	if addr := conn.RemoteAddr(); addr != nil {
		c.RemoteAddr = addr.String()
	}
	return c
}

// Seen records client activity.
func (c *Connection) Seen() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last client activity.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Context is done once the connection has been removed. Subscriptions opened
// for the connection are bound to it.
func (c *Connection) Context() context.Context { return c.ctx }

// WriteMessage sends a WebSocket text frame. The write mutex keeps
// concurrent goroutines from interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Send encodes a server message of msgType and writes it.
func (c *Connection) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("ws: build %s: %w", msgType, err)
	}
	return c.WriteMessage(data)
}

// Close cancels the connection context and closes the network connection.
func (c *Connection) Close() error {
	c.cancel()
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by id, by poller connection and by user.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[string]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	if cm.byUser[conn.UserID] == nil {
		cm.byUser[conn.UserID] = make(map[string]*Connection)
	}
	cm.byUser[conn.UserID][conn.ID] = conn
}

// Remove unregisters a connection by id and closes it. It reports false if
// the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if peers := cm.byUser[conn.UserID]; peers != nil {
			delete(peers, id)
			if len(peers) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection registered for a poller connection.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// ForUser returns the live connections of a user.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byUser[userID]))
	for _, c := range cm.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
