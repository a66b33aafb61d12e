package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mystify/realtime/internal/errs"
)

// ErrCodeTaken is returned by RoomStore.Create when the room code collides
// with an existing room. The coordinator retries with a fresh code.
var ErrCodeTaken = errors.New("game: room code taken")

// RoomStore persists rooms and performs the status transitions atomically.
type RoomStore interface {
	// Create stores a waiting room. It fails with errs.ErrConflict when the
	// host already holds a non-finished room of the same game type.
	Create(ctx context.Context, room Room) error
	Get(ctx context.Context, roomID string) (Room, error)
	GetByCode(ctx context.Context, code string) (Room, error)
	// Join assigns the guest and moves waiting -> playing, exactly once.
	Join(ctx context.Context, roomID, guestID string, at time.Time) (Room, error)
	// Finish moves a non-finished room to finished. The bool is false when
	// the room was already finished; the stored room is returned either way.
	Finish(ctx context.Context, roomID, winnerID string, at time.Time) (Room, bool, error)
	// Active returns the user's non-finished room of the given type.
	Active(ctx context.Context, userID string, gameType GameType) (Room, error)
}

// NormalizeCode upper-cases and trims a user-entered room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func activeKey(userID string, gameType GameType) string {
	return userID + ":" + string(gameType)
}

// MemoryStore is the in-process RoomStore.
type MemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]Room
	codes  map[string]string // code -> room id
	active map[string]string // user:gametype -> room id
}

// NewMemoryStore creates an empty room store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:  make(map[string]Room),
		codes:  make(map[string]string),
		active: make(map[string]string),
	}
}

// Create implements RoomStore.
func (s *MemoryStore) Create(_ context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[activeKey(room.HostID, room.GameType)]; ok {
		return fmt.Errorf("game: %s already has active %s room %s: %w", room.HostID, room.GameType, id, errs.ErrConflict)
	}
	if _, ok := s.codes[room.Code]; ok {
		return ErrCodeTaken
	}
	s.rooms[room.ID] = room
	s.codes[room.Code] = room.ID
	s.active[activeKey(room.HostID, room.GameType)] = room.ID
	return nil
}

// Get implements RoomStore.
func (s *MemoryStore) Get(_ context.Context, roomID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, fmt.Errorf("game: room %s: %w", roomID, errs.ErrNotFound)
	}
	return room, nil
}

// GetByCode implements RoomStore.
func (s *MemoryStore) GetByCode(_ context.Context, code string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[NormalizeCode(code)]
	if !ok {
		return Room{}, fmt.Errorf("game: room code %s: %w", code, errs.ErrNotFound)
	}
	return s.rooms[id], nil
}

// Join implements RoomStore.
func (s *MemoryStore) Join(_ context.Context, roomID, guestID string, at time.Time) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	switch {
	case !ok:
		return Room{}, fmt.Errorf("game: room %s: %w", roomID, errs.ErrNotFound)
	case room.Status != StatusWaiting:
		return Room{}, fmt.Errorf("game: join room %s: status %s: %w", roomID, room.Status, errs.ErrConflict)
	case room.HostID == guestID:
		return Room{}, fmt.Errorf("game: join room %s: host cannot join own room: %w", roomID, errs.ErrConflict)
	}
	if id, ok := s.active[activeKey(guestID, room.GameType)]; ok {
		return Room{}, fmt.Errorf("game: %s already has active %s room %s: %w", guestID, room.GameType, id, errs.ErrConflict)
	}

	room.GuestID = guestID
	room.Status = StatusPlaying
	room.UpdatedAt = at
	s.rooms[roomID] = room
	s.active[activeKey(guestID, room.GameType)] = roomID
	return room, nil
}

// Finish implements RoomStore.
func (s *MemoryStore) Finish(_ context.Context, roomID, winnerID string, at time.Time) (Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, false, fmt.Errorf("game: room %s: %w", roomID, errs.ErrNotFound)
	}
	if room.Status == StatusFinished {
		return room, false, nil
	}

	room.Status = StatusFinished
	room.WinnerID = winnerID
	room.UpdatedAt = at
	s.rooms[roomID] = room
	for _, player := range room.Players() {
		if key := activeKey(player, room.GameType); s.active[key] == roomID {
			delete(s.active, key)
		}
	}
	return room, true, nil
}

// Active implements RoomStore.
func (s *MemoryStore) Active(_ context.Context, userID string, gameType GameType) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[activeKey(userID, gameType)]
	if !ok {
		return Room{}, fmt.Errorf("game: no active %s room for %s: %w", gameType, userID, errs.ErrNotFound)
	}
	return s.rooms[id], nil
}
