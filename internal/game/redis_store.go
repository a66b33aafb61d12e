package game

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mystify/realtime/internal/errs"
)

const (
	RoomPrefix       = "room:"
	RoomCodePrefix   = "roomcode:"
	ActivePrefix     = "active:"
	RoomTTLFinished  = 24 * time.Hour
	RoomTTLWaiting   = time.Hour
	roomTTLFinishedS = int(RoomTTLFinished / time.Second)
	roomTTLWaitingS  = int(RoomTTLWaiting / time.Second)
)

// RedisStore keeps rooms as hashes. Status transitions run as Lua scripts
// so that the check and the write are one atomic step.
//
//	room:<id>                  hash of the room fields
//	roomcode:<CODE>            room id
//	active:<user>:<gametype>   room id while the room is not finished
//
// A waiting room and its keys expire after RoomTTLWaiting unless a guest
// joins. Finished rooms expire after RoomTTLFinished.
type RedisStore struct {
	rdb          *redis.Client
	createScript *redis.Script
	joinScript   *redis.Script
	finishScript *redis.Script
}

// NewRedisStore creates a room store backed by Redis.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		createScript: redis.NewScript(createRoomLua),
		joinScript:   redis.NewScript(joinRoomLua),
		finishScript: redis.NewScript(finishRoomLua),
	}
}

func roomKey(id string) string { return RoomPrefix + id }

func codeKey(code string) string { return RoomCodePrefix + code }

func activeRedisKey(userID string, gameType GameType) string {
	return ActivePrefix + activeKey(userID, gameType)
}

// Create implements RoomStore.
func (s *RedisStore) Create(ctx context.Context, room Room) error {
	keys := []string{roomKey(room.ID), codeKey(room.Code), activeRedisKey(room.HostID, room.GameType)}
	result, err := s.createScript.Run(ctx, s.rdb, keys,
		room.ID, room.Code, string(room.GameType), room.HostID,
		strconv.FormatInt(room.Seed, 10), room.CreatedAt.UnixMilli(), roomTTLWaitingS,
	).Int()
	if err != nil {
		return fmt.Errorf("game: create room: %w", errs.Transient(err))
	}

	switch result {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("game: %s already has an active %s room: %w", room.HostID, room.GameType, errs.ErrConflict)
	case -2:
		return ErrCodeTaken
	default:
		return fmt.Errorf("game: create room: unexpected script result %d", result)
	}
}

// Get implements RoomStore.
func (s *RedisStore) Get(ctx context.Context, roomID string) (Room, error) {
	result, err := s.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return Room{}, fmt.Errorf("game: get room: %w", errs.Transient(err))
	}
	if len(result) == 0 {
		return Room{}, fmt.Errorf("game: room %s: %w", roomID, errs.ErrNotFound)
	}
	return roomFromHash(result)
}

// GetByCode implements RoomStore.
func (s *RedisStore) GetByCode(ctx context.Context, code string) (Room, error) {
	code = NormalizeCode(code)
	id, err := s.rdb.Get(ctx, codeKey(code)).Result()
	if err == redis.Nil {
		return Room{}, fmt.Errorf("game: room code %s: %w", code, errs.ErrNotFound)
	}
	if err != nil {
		return Room{}, fmt.Errorf("game: room code lookup: %w", errs.Transient(err))
	}
	return s.Get(ctx, id)
}

// Join implements RoomStore.
func (s *RedisStore) Join(ctx context.Context, roomID, guestID string, at time.Time) (Room, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return Room{}, err
	}

	keys := []string{
		roomKey(roomID),
		activeRedisKey(guestID, room.GameType),
		activeRedisKey(room.HostID, room.GameType),
		codeKey(room.Code),
	}
	result, err := s.joinScript.Run(ctx, s.rdb, keys, roomID, guestID, at.UnixMilli()).Int()
	if err != nil {
		return Room{}, fmt.Errorf("game: join room: %w", errs.Transient(err))
	}

	switch result {
	case 1:
		return s.Get(ctx, roomID)
	case -1:
		return Room{}, fmt.Errorf("game: room %s: %w", roomID, errs.ErrNotFound)
	case -2:
		return Room{}, fmt.Errorf("game: join room %s: not waiting: %w", roomID, errs.ErrConflict)
	case -3:
		return Room{}, fmt.Errorf("game: join room %s: host cannot join own room: %w", roomID, errs.ErrConflict)
	case -4:
		return Room{}, fmt.Errorf("game: %s already has an active %s room: %w", guestID, room.GameType, errs.ErrConflict)
	default:
		return Room{}, fmt.Errorf("game: join room: unexpected script result %d", result)
	}
}

// Finish implements RoomStore. The players and code are read inside the
// script, so a guest who joins while the room is finishing is released too.
func (s *RedisStore) Finish(ctx context.Context, roomID, winnerID string, at time.Time) (Room, bool, error) {
	keys := []string{roomKey(roomID)}
	result, err := s.finishScript.Run(ctx, s.rdb, keys,
		roomID, winnerID, at.UnixMilli(), roomTTLFinishedS, RoomCodePrefix, ActivePrefix,
	).Int()
	if err != nil {
		return Room{}, false, fmt.Errorf("game: finish room: %w", errs.Transient(err))
	}

	switch result {
	case 1, 0:
		finished, err := s.Get(ctx, roomID)
		return finished, result == 1, err
	case -1:
		return Room{}, false, fmt.Errorf("game: room %s: %w", roomID, errs.ErrNotFound)
	default:
		return Room{}, false, fmt.Errorf("game: finish room: unexpected script result %d", result)
	}
}

// Active implements RoomStore.
func (s *RedisStore) Active(ctx context.Context, userID string, gameType GameType) (Room, error) {
	id, err := s.rdb.Get(ctx, activeRedisKey(userID, gameType)).Result()
	if err == redis.Nil {
		return Room{}, fmt.Errorf("game: no active %s room for %s: %w", gameType, userID, errs.ErrNotFound)
	}
	if err != nil {
		return Room{}, fmt.Errorf("game: active room lookup: %w", errs.Transient(err))
	}
	return s.Get(ctx, id)
}

// roomFromHash decodes a room hash. A field that does not parse is an
// error: a wrong seed would change every fold of the room.
func roomFromHash(h map[string]string) (Room, error) {
	var ints [3]int64
	for i, field := range []string{"seed", "created_at", "updated_at"} {
		n, err := strconv.ParseInt(h[field], 10, 64)
		if err != nil {
			return Room{}, fmt.Errorf("game: room %s: corrupt %s %q: %w", h["id"], field, h[field], err)
		}
		ints[i] = n
	}
	seed, created, updated := ints[0], ints[1], ints[2]
	return Room{
		ID:        h["id"],
		Code:      h["code"],
		GameType:  GameType(h["game_type"]),
		HostID:    h["host_id"],
		GuestID:   h["guest_id"],
		Status:    Status(h["status"]),
		Seed:      seed,
		WinnerID:  h["winner_id"],
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

// createRoomLua stores a waiting room unless the host already has an active
// room of the same type or the code is taken. Returns:
//
//	1 = created
//	-1 = host has an active room of this type
//	-2 = code taken
const createRoomLua = `
local room_key = KEYS[1]
local code_key = KEYS[2]
local active_key = KEYS[3]

if redis.call('EXISTS', active_key) == 1 then return -1 end
if redis.call('EXISTS', code_key) == 1 then return -2 end

redis.call('HSET', room_key,
    'id', ARGV[1],
    'code', ARGV[2],
    'game_type', ARGV[3],
    'host_id', ARGV[4],
    'guest_id', '',
    'status', 'waiting',
    'seed', ARGV[5],
    'winner_id', '',
    'created_at', ARGV[6],
    'updated_at', ARGV[6])
redis.call('SET', code_key, ARGV[1])
redis.call('SET', active_key, ARGV[1])
local ttl = tonumber(ARGV[7])
redis.call('EXPIRE', room_key, ttl)
redis.call('EXPIRE', code_key, ttl)
redis.call('EXPIRE', active_key, ttl)
return 1
`

// joinRoomLua assigns the guest of a waiting room and clears the waiting
// TTL on the room, its code and the host's active key. Returns:
//
//	1 = joined, room is now playing
//	-1 = room not found
//	-2 = room is not waiting (already joined or finished)
//	-3 = guest is the host
//	-4 = guest has an active room of this type
const joinRoomLua = `
local room_key = KEYS[1]
local active_key = KEYS[2]
local host_active_key = KEYS[3]
local code_key = KEYS[4]
local room_id = ARGV[1]
local guest_id = ARGV[2]

local status = redis.call('HGET', room_key, 'status')
if not status then return -1 end
if status ~= 'waiting' then return -2 end
if redis.call('HGET', room_key, 'host_id') == guest_id then return -3 end
if redis.call('EXISTS', active_key) == 1 then return -4 end

redis.call('HSET', room_key, 'guest_id', guest_id, 'status', 'playing', 'updated_at', ARGV[3])
redis.call('SET', active_key, room_id)
redis.call('PERSIST', room_key)
if redis.call('GET', host_active_key) == room_id then
    redis.call('PERSIST', host_active_key)
end
if redis.call('GET', code_key) == room_id then
    redis.call('PERSIST', code_key)
end
return 1
`

// finishRoomLua moves a room to finished and releases the players' active
// keys that still point at it. The keys derive from the stored hash, not a
// caller snapshot. Finished rooms and their codes expire. Returns:
//
//	1 = finished now
//	0 = was already finished
//	-1 = room not found
const finishRoomLua = `
local room_key = KEYS[1]
local room_id = ARGV[1]
local code_prefix = ARGV[5]
local active_prefix = ARGV[6]

local status = redis.call('HGET', room_key, 'status')
if not status then return -1 end
if status == 'finished' then return 0 end

redis.call('HSET', room_key, 'status', 'finished', 'winner_id', ARGV[2], 'updated_at', ARGV[3])

local fields = redis.call('HMGET', room_key, 'game_type', 'host_id', 'guest_id', 'code')
local game_type = fields[1]
for i = 2, 3 do
    local player = fields[i]
    if player and player ~= '' then
        local key = active_prefix .. player .. ':' .. game_type
        if redis.call('GET', key) == room_id then
            redis.call('DEL', key)
        end
    end
end

local ttl = tonumber(ARGV[4])
redis.call('EXPIRE', room_key, ttl)
local code_key = code_prefix .. fields[4]
if redis.call('GET', code_key) == room_id then
    redis.call('EXPIRE', code_key, ttl)
end
return 1
`
