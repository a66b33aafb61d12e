package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mystify/realtime/internal/errs"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func newRoom(id, code, host string, g GameType) Room {
	now := time.UnixMilli(1700000000000).UTC()
	return Room{
		ID: id, Code: code, GameType: g, HostID: host,
		Status: StatusWaiting, Seed: 99, CreatedAt: now, UpdatedAt: now,
	}
}

func TestRedisStore_Lifecycle(t *testing.T) {
	mr, rdb := setupRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	room := newRoom("r1", "ABC234", "host", TicTacToe)
	require.NoError(t, s.Create(ctx, room))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, room, got)

	byCode, err := s.GetByCode(ctx, "abc234")
	require.NoError(t, err)
	assert.Equal(t, "r1", byCode.ID)

	err = s.Create(ctx, newRoom("r2", "XYZ234", "host", TicTacToe))
	assert.True(t, errors.Is(err, errs.ErrConflict))

	err = s.Create(ctx, newRoom("r3", "ABC234", "other", TicTacToe))
	assert.ErrorIs(t, err, ErrCodeTaken)

	_, err = s.Join(ctx, "r1", "host", time.Now())
	assert.True(t, errors.Is(err, errs.ErrConflict))

	joined, err := s.Join(ctx, "r1", "guest", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusPlaying, joined.Status)
	assert.Equal(t, "guest", joined.GuestID)

	_, err = s.Join(ctx, "r1", "late", time.Now())
	assert.True(t, errors.Is(err, errs.ErrConflict))

	active, err := s.Active(ctx, "guest", TicTacToe)
	require.NoError(t, err)
	assert.Equal(t, "r1", active.ID)

	finished, transitioned, err := s.Finish(ctx, "r1", "guest", time.Now())
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, StatusFinished, finished.Status)
	assert.Equal(t, "guest", finished.WinnerID)

	_, transitioned, err = s.Finish(ctx, "r1", "host", time.Now())
	require.NoError(t, err)
	assert.False(t, transitioned, "finished never reverts or re-finishes")
	again, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "guest", again.WinnerID)

	assert.False(t, mr.Exists("active:host:tictactoe"))
	assert.False(t, mr.Exists("active:guest:tictactoe"))
	assert.True(t, mr.TTL("room:r1") > 0)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = s.Active(ctx, "host", TicTacToe)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestRedisStore_ConcurrentJoin(t *testing.T) {
	_, rdb := setupRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newRoom("r1", "RACE22", "host", Bingo)))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Join(ctx, "r1", fmt.Sprintf("guest-%d", i), time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, errs.ErrConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
}

func TestCoordinator_RedisStore(t *testing.T) {
	_, rdb := setupRedis(t)
	h := newHarness(t, NewRedisStore(rdb))
	ctx := context.Background()
	room := h.startRoom(t, TicTacToe)

	for _, step := range []struct {
		player string
		pos    int
	}{{"host", 0}, {"guest", 3}, {"host", 1}, {"guest", 4}, {"host", 2}} {
		_, err := h.move(ctx, room, step.player, fmt.Sprintf(`{"position":%d}`, step.pos))
		require.NoError(t, err)
	}

	stored, err := h.coord.Room(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, stored.Status)
	assert.Equal(t, "host", stored.WinnerID)
}

func TestRedisLeaderboard(t *testing.T) {
	mr, rdb := setupRedis(t)
	lb := NewRedisLeaderboard(rdb)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, lb.Award(ctx, "alice", 10, day))
	require.NoError(t, lb.Award(ctx, "bob", 10, day))
	require.NoError(t, lb.Award(ctx, "alice", 10, day))
	require.NoError(t, lb.Award(ctx, "carol", 10, day.Add(24*time.Hour)))

	top, err := lb.Top(ctx, day, 10)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{UserID: "alice", Points: 20}, {UserID: "bob", Points: 10}}, top)

	top, err = lb.Top(ctx, day, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	assert.True(t, mr.Exists("leaderboard:2026-03-01"))
	assert.True(t, mr.TTL("leaderboard:2026-03-01") > 0)
}

func TestRedisStore_FinishRacingJoin(t *testing.T) {
	_, rdb := setupRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		id, guest := fmt.Sprintf("r%d", i), fmt.Sprintf("guest%d", i)
		require.NoError(t, s.Create(ctx, newRoom(id, fmt.Sprintf("C%05d", i), "host"+id, TicTacToe)))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = s.Finish(ctx, id, "", time.Now())
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Join(ctx, id, guest, time.Now())
		}()
		wg.Wait()

		room, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusFinished, room.Status)
		_, err = s.Active(ctx, guest, TicTacToe)
		require.True(t, errors.Is(err, errs.ErrNotFound), "room %s: guest still active", id)
		require.NoError(t, s.Create(ctx, newRoom("next"+id, fmt.Sprintf("N%05d", i), guest, TicTacToe)))
	}
}

func TestRedisStore_WaitingRoomExpires(t *testing.T) {
	mr, rdb := setupRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newRoom("idle", "IDLE22", "host", MemoryFlip)))
	for _, key := range []string{"room:idle", "roomcode:IDLE22", "active:host:memoryflip"} {
		assert.Equal(t, RoomTTLWaiting, mr.TTL(key), key)
	}

	mr.FastForward(RoomTTLWaiting + time.Second)
	_, err := s.Get(ctx, "idle")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	require.NoError(t, s.Create(ctx, newRoom("fresh", "FRESH2", "host", MemoryFlip)))
}

func TestRedisStore_JoinClearsWaitingTTL(t *testing.T) {
	mr, rdb := setupRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newRoom("r1", "JOIN22", "host", TicTacToe)))
	_, err := s.Join(ctx, "r1", "guest", time.Now())
	require.NoError(t, err)
	for _, key := range []string{"room:r1", "roomcode:JOIN22", "active:host:tictactoe", "active:guest:tictactoe"} {
		assert.Zero(t, mr.TTL(key), key)
	}

	mr.FastForward(2 * RoomTTLWaiting)
	room, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusPlaying, room.Status)
}

func TestRedisStore_CorruptRoom(t *testing.T) {
	mr, rdb := setupRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newRoom("r1", "BAD222", "host", TicTacToe)))
	mr.HSet("room:r1", "seed", "not-a-number")

	_, err := s.Get(ctx, "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed")
}
