package ws

import (
	"context"
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig tunes liveness checks. A connection with no inbound frame
// for Interval+Timeout is evicted.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultHeartbeatConfig pings every 30s and allows 10s of grace. Interval
// must stay below session.SessionTTL so live sessions keep being refreshed.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

const sessionTouchTimeout = 2 * time.Second

// runHeartbeat sweeps on every tick until the server shuts down.
func (s *Server) runHeartbeat(config HeartbeatConfig) {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if evicted, _ := s.sweep(config, now); evicted > 0 {
				log.Printf("ws: heartbeat evicted %d connection(s), %d remain", evicted, s.conns.Count())
			}
		}
	}
}

// sweep evicts stale connections, pings the rest and refreshes their
// sessions. Clients answer pings with pongs, which count as activity.
func (s *Server) sweep(config HeartbeatConfig, now time.Time) (evicted, pinged int) {
	grace := config.Interval + config.Timeout

	var live []*Connection
	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastSeen())
		if idle > grace {
			log.Printf("ws: heartbeat timeout conn=%s user=%s idle=%s", c.ID, c.UserID, idle.Round(time.Second))
			s.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: ping conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
			evicted++
			continue
		}
		pinged++
		live = append(live, c)
	}

	if s.sessions == nil || len(live) == 0 {
		return evicted, pinged
	}
	for _, c := range live {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTouchTimeout)
		if err := s.sessions.Touch(ctx, c.ID, c.UserID); err != nil {
			log.Printf("ws: session touch conn=%s: %v", c.ID, err)
		}
		cancel()
	}
	return evicted, pinged
}

// WritePing sends a ping control frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
