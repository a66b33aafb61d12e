package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for connection hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the Redis key prefix for a user's connection set.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL bounds how long a connection survives without a heartbeat.
	SessionTTL = 2 * time.Minute
)

// Session is one live connection.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which instance holds the socket
	RemoteAddr string `redis:"remote_addr"` // client address as seen by the upgrade
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a session store on an existing client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create records a new connection for userID.
func (s *Store) Create(ctx context.Context, sessionID, userID, remoteAddr string) error {
	key := SessionPrefix + sessionID
	userKey := UserSessionsPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, sessionID)
	pipe.Expire(ctx, userKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Touch marks the connection active and extends both TTLs.
func (s *Store) Touch(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, UserSessionsPrefix+userID, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// Delete removes a connection.
func (s *Store) Delete(ctx context.Context, sessionID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.SRem(ctx, UserSessionsPrefix+userID, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Online reports whether userID has at least one live connection. Set
// members whose hash expired without a Delete are pruned on the way.
func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	userKey := UserSessionsPrefix + userID
	ids, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return false, fmt.Errorf("session: online: %w", err)
	}

	online := false
	for _, id := range ids {
		n, err := s.client.Exists(ctx, SessionPrefix+id).Result()
		if err != nil {
			return false, fmt.Errorf("session: online: %w", err)
		}
		if n == 1 {
			online = true
			continue
		}
		s.client.SRem(ctx, userKey, id)
	}
	return online, nil
}
