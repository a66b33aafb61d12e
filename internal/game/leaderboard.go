package game

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mystify/realtime/internal/errs"
)

const (
	// LeaderboardPrefix + YYYY-MM-DD is the daily sorted set of points.
	LeaderboardPrefix = "leaderboard:"
	// LeaderboardTTL keeps a week of history.
	LeaderboardTTL = 8 * 24 * time.Hour
	// WinPoints are awarded to the winner of a completed game.
	WinPoints = 10
)

// Entry is one leaderboard row.
type Entry struct {
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
}

// EventLeaderboardUpdate names the system event appended to the day's
// leaderboard topic after each award.
const EventLeaderboardUpdate = "leaderboard_update"

// LeaderboardUpdate is the payload of a leaderboard_update event.
type LeaderboardUpdate struct {
	Event  string `json:"event"`
	Day    string `json:"day"`
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
	RoomID string `json:"room_id"`
}

// Leaderboard accumulates daily points.
type Leaderboard interface {
	Award(ctx context.Context, userID string, points int64, at time.Time) error
	Top(ctx context.Context, day time.Time, n int) ([]Entry, error)
}

// Day formats the UTC calendar day used as the leaderboard bucket.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RedisLeaderboard stores each day as a sorted set.
type RedisLeaderboard struct {
	rdb *redis.Client
}

// NewRedisLeaderboard creates a leaderboard backed by Redis.
func NewRedisLeaderboard(rdb *redis.Client) *RedisLeaderboard {
	return &RedisLeaderboard{rdb: rdb}
}

// Award implements Leaderboard.
func (l *RedisLeaderboard) Award(ctx context.Context, userID string, points int64, at time.Time) error {
	key := LeaderboardPrefix + Day(at)
	pipe := l.rdb.Pipeline()
	pipe.ZIncrBy(ctx, key, float64(points), userID)
	pipe.Expire(ctx, key, LeaderboardTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("game: award points: %w", errs.Transient(err))
	}
	return nil
}

// Top implements Leaderboard. Ties are ordered by user id.
func (l *RedisLeaderboard) Top(ctx context.Context, day time.Time, n int) ([]Entry, error) {
	if n <= 0 {
		n = 10
	}
	zs, err := l.rdb.ZRevRangeWithScores(ctx, LeaderboardPrefix+Day(day), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("game: leaderboard: %w", errs.Transient(err))
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, Entry{UserID: member, Points: int64(z.Score)})
	}
	return topN(entries, n), nil
}

// MemoryLeaderboard is the in-process Leaderboard.
type MemoryLeaderboard struct {
	mu   sync.Mutex
	days map[string]map[string]int64
}

// NewMemoryLeaderboard creates an empty leaderboard.
func NewMemoryLeaderboard() *MemoryLeaderboard {
	return &MemoryLeaderboard{days: make(map[string]map[string]int64)}
}

// Award implements Leaderboard.
func (l *MemoryLeaderboard) Award(_ context.Context, userID string, points int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := Day(at)
	if l.days[day] == nil {
		l.days[day] = make(map[string]int64)
	}
	l.days[day][userID] += points
	return nil
}

// Top implements Leaderboard.
func (l *MemoryLeaderboard) Top(_ context.Context, day time.Time, n int) ([]Entry, error) {
	if n <= 0 {
		n = 10
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]Entry, 0, len(l.days[Day(day)]))
	for user, pts := range l.days[Day(day)] {
		entries = append(entries, Entry{UserID: user, Points: pts})
	}
	return topN(entries, n), nil
}

func topN(entries []Entry, n int) []Entry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		return entries[i].UserID < entries[j].UserID
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
