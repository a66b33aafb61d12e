package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mystify/realtime/internal/ratelimit"
)

type denyLimiter struct{ rule string }

func (d denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != d.rule, nil
}

func TestHandleUpgrade_RequiresIdentity(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The query parameter is only honored in development mode.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?user_id=alice", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleUpgrade_ConnectRateLimit(t *testing.T) {
	config := DefaultServerConfig()
	config.AllowQueryUserID = true
	s := NewServer(config, nil, denyLimiter{rule: ratelimit.RuleConnect.Key}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?user_id=alice", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleUpgrade_PerUserCap(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxConnectionsPerUser = 1
	s := NewServer(config, nil, nil, nil)

	server, client := net.Pipe()
	defer client.Close()
	s.Connections().Add(NewConnection("c1", "alice", server, 0))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(HeaderUserID, "alice")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Connections)
}

func TestRemoveConnection_OnceAndCallback(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil, nil)
	server, client := net.Pipe()
	defer client.Close()
	c := NewConnection("c1", "alice", server, 0)
	s.Connections().Add(c)

	calls := 0
	s.SetOnDisconnect(func(conn *Connection) {
		calls++
		assert.Equal(t, "c1", conn.ID)
	})

	s.RemoveConnection(c)
	s.RemoveConnection(c)
	assert.Equal(t, 1, calls)
	assert.Zero(t, s.Connections().Count())
	assert.Empty(t, s.Connections().ForUser("alice"))

	select {
	case <-c.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("connection context not cancelled")
	}
}

func TestSweep_EvictsStale(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil, nil)
	server, client := net.Pipe()
	defer client.Close()
	c := NewConnection("c1", "alice", server, 0)
	c.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	s.Connections().Add(c)

	evicted, pinged := s.sweep(HeartbeatConfig{Interval: time.Second, Timeout: time.Second}, time.Now())
	assert.Equal(t, 1, evicted)
	assert.Zero(t, pinged)
	assert.Zero(t, s.Connections().Count())
}

func TestSweep_PingsLive(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil, nil)
	server, client := net.Pipe()
	defer client.Close()
	go io.Copy(io.Discard, client)
	c := NewConnection("c1", "alice", server, 0)
	s.Connections().Add(c)

	evicted, pinged := s.sweep(DefaultHeartbeatConfig(), time.Now())
	assert.Zero(t, evicted)
	assert.Equal(t, 1, pinged)
	assert.Equal(t, 1, s.Connections().Count())
}
