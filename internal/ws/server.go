// Package ws is the WebSocket transport of the realtime service: it upgrades
// authenticated HTTP requests, multiplexes connection reads over epoll and
// hands complete frames to a dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/mystify/realtime/internal/metrics"
	"github.com/mystify/realtime/internal/protocol"
	"github.com/mystify/realtime/internal/ratelimit"
	"github.com/mystify/realtime/internal/session"
)

// HeaderUserID carries the identity asserted by the auth gateway.
const HeaderUserID = "X-User-ID"

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr            string        // address to listen on, e.g. ":8080"
	WorkerPoolSize        int           // max concurrent read-worker goroutines
	MaxConnections        int           // hard cap on total connections
	MaxConnectionsPerUser int           // cap per user id, 0 for none
	ReadTimeout           time.Duration // timeout for WebSocket read operations
	WriteTimeout          time.Duration // timeout for WebSocket write operations
	AllowQueryUserID      bool          // accept ?user_id= when no header is set (development)
	Heartbeat             HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:            ":8080",
		WorkerPoolSize:        256,
		MaxConnections:        100000,
		MaxConnectionsPerUser: 10,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		Heartbeat:             DefaultHeartbeatConfig(),
	}
}

// Server upgrades connections on /ws, registers them with the poller and
// dispatches ready connections to a bounded worker pool for frame reading.
// Other routes can be mounted with Handle.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     *session.Store
	limiter      ratelimit.Checker
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. sessions and limiter may be nil. onMessage is
// called from a worker goroutine for every complete text frame.
func NewServer(config ServerConfig, sessions *session.Store, limiter ratelimit.Checker, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle mounts an extra handler on the server's listener.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start creates the poller, starts the event loop and heartbeat, and blocks
// serving HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	go s.runHeartbeat(s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// userID returns the trusted identity of an upgrade request.
func (s *Server) userID(r *http.Request) string {
	if id := r.Header.Get(HeaderUserID); id != "" {
		return id
	}
	if s.config.AllowQueryUserID {
		return r.URL.Query().Get("user_id")
	}
	return ""
}

// handleUpgrade admits an authenticated request and upgrades it with the
// gobwas/ws zero-copy upgrader.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnectionsPerUser > 0 && len(s.conns.ForUser(userID)) >= s.config.MaxConnectionsPerUser {
		http.Error(w, "too many connections for user", http.StatusTooManyRequests)
		return
	}
	if ok, err := s.limiter.Allow(r.Context(), userID, ratelimit.RuleConnect); !ok {
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	} else if err != nil {
		log.Printf("ws: connect rate limit user=%s: %v", userID, err)
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", userID, err)
		return
	}

	readConn, err := s.epoll.Add(netConn)
	if err != nil {
		log.Printf("ws: epoll add failed user=%s: %v", userID, err)
		netConn.Close()
		return
	}

	c := NewConnection(uuid.New().String(), userID, readConn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, userID, c.RemoteAddr); err != nil {
			log.Printf("ws: failed to create session conn=%s: %v", c.ID, err)
		}
		cancel()
	}

	if err := c.Send(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    userID,
	}); err != nil {
		log.Printf("ws: failed to send session_created conn=%s: %v", c.ID, err)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, userID, c.Fd, s.conns.Count())
}

// handleHealth reports status, connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker goroutine,
// bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(100)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Printf("ws: epoll wait error: %v", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed in place; read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same connection twice.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer c.processing.Store(0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch; the heartbeat handles dead peers.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Seen()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked once per removed connection,
// before its session is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection unregisters and closes c. Concurrent calls for the same
// connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID, c.UserID); err != nil {
			log.Printf("ws: failed to delete session conn=%s: %v", c.ID, err)
		}
		cancel()
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the event loop, then removes every
// connection.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")
	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
