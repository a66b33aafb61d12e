package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/metrics"
	"github.com/mystify/realtime/internal/topic"
)

// System payload event names appended to room topics.
const (
	EventRoomCreated  = "room_created"
	EventPlayerJoined = "player_joined"
	EventGameOver     = "game_over"
)

// Game-over reasons.
const (
	ReasonCompleted = "completed"
	ReasonDraw      = "draw"
	ReasonAbandoned = "abandoned"
)

// SystemPayload is the body of the system events on a room topic.
type SystemPayload struct {
	Event    string   `json:"event"`
	RoomID   string   `json:"room_id"`
	GameType GameType `json:"game_type"`
	PlayerID string   `json:"player_id,omitempty"`
	WinnerID string   `json:"winner_id,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Publisher pushes appended events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev eventlog.Event) error
}

// Config tunes the coordinator.
type Config struct {
	WinPoints    int64 // leaderboard points for the winner of a completed game
	CodeAttempts int   // room code collisions tolerated per CreateRoom
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{WinPoints: WinPoints, CodeAttempts: 5}
}

// MoveRequest is one submitted move.
type MoveRequest struct {
	RoomID         string
	PlayerID       string
	Payload        json.RawMessage
	IdempotencyKey string
}

// MoveResult is an accepted move.
type MoveResult struct {
	Event     eventlog.Event  `json:"event"`
	Room      Room            `json:"room"`
	State     State           `json:"state"`
	GameOver  *eventlog.Event `json:"game_over,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// Coordinator enforces room lifecycle and move legality. Within one process
// moves on a room are serialized by a per-room lock; across processes the
// compare-and-append on the room topic lets only one of two racing moves in.
type Coordinator struct {
	rooms     RoomStore
	log       eventlog.Store
	publisher Publisher
	board     Leaderboard
	config    Config
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewCoordinator wires a coordinator. publisher and board may be nil.
func NewCoordinator(rooms RoomStore, store eventlog.Store, publisher Publisher, board Leaderboard, config Config) *Coordinator {
	if config.CodeAttempts <= 0 {
		config.CodeAttempts = DefaultConfig().CodeAttempts
	}
	return &Coordinator{
		rooms:     rooms,
		log:       store,
		publisher: publisher,
		board:     board,
		config:    config,
		now:       time.Now,
		locks:     make(map[string]*roomLock),
	}
}

func (c *Coordinator) lock(roomID string) func() {
	c.locksMu.Lock()
	l := c.locks[roomID]
	if l == nil {
		l = &roomLock{}
		c.locks[roomID] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, roomID)
		}
		c.locksMu.Unlock()
	}
}

// CreateRoom opens a waiting room hosted by hostID.
func (c *Coordinator) CreateRoom(ctx context.Context, hostID string, gameType GameType) (Room, error) {
	if hostID == "" {
		return Room{}, errs.Reject(errs.ReasonInvalidPayload, "missing host")
	}
	if !gameType.Valid() {
		return Room{}, errs.Reject(errs.ReasonInvalidPayload, "unknown game type %q", gameType)
	}

	seed, err := NewSeed()
	if err != nil {
		return Room{}, err
	}
	now := c.now().UTC()
	room := Room{
		ID:        uuid.New().String(),
		GameType:  gameType,
		HostID:    hostID,
		Status:    StatusWaiting,
		Seed:      seed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for attempt := 0; ; attempt++ {
		if room.Code, err = NewRoomCode(); err != nil {
			return Room{}, err
		}
		err = c.rooms.Create(ctx, room)
		if !errors.Is(err, ErrCodeTaken) {
			break
		}
		if attempt+1 >= c.config.CodeAttempts {
			return Room{}, fmt.Errorf("game: create room: no free code after %d attempts: %w", c.config.CodeAttempts, errs.ErrConflict)
		}
	}
	if err != nil {
		return Room{}, err
	}

	metrics.ActiveRooms.Inc()
	log.Printf("[game] room %s (%s, code %s) created by %s", room.ID, gameType, room.Code, hostID)
	c.appendSystem(ctx, room, SystemPayload{Event: EventRoomCreated, PlayerID: hostID})
	return room, nil
}

// JoinRoom seats guestID in the waiting room with the given code. Of two
// racing joins exactly one succeeds; the other gets errs.ErrConflict.
func (c *Coordinator) JoinRoom(ctx context.Context, code, guestID string) (Room, error) {
	if guestID == "" {
		return Room{}, errs.Reject(errs.ReasonInvalidPayload, "missing guest")
	}
	found, err := c.rooms.GetByCode(ctx, code)
	if err != nil {
		return Room{}, err
	}

	unlock := c.lock(found.ID)
	defer unlock()
	room, err := c.rooms.Join(ctx, found.ID, guestID, c.now().UTC())
	if err != nil {
		return Room{}, err
	}

	log.Printf("[game] %s joined room %s", guestID, room.ID)
	c.appendSystem(ctx, room, SystemPayload{Event: EventPlayerJoined, PlayerID: guestID})
	return room, nil
}

// SubmitMove validates and records one move. Rejections come back as
// *errs.Rejection; nothing is appended for them.
func (c *Coordinator) SubmitMove(ctx context.Context, req MoveRequest) (MoveResult, error) {
	unlock := c.lock(req.RoomID)
	defer unlock()

	// Chat on the room topic and moves from other instances advance the
	// head. Each retry re-reads and re-folds, so a racing move is judged
	// against the state it produced.
	for attempt := 1; ; attempt++ {
		res, err := c.submitMove(ctx, req)
		if !errors.Is(err, errs.ErrConflict) || attempt >= moveAttempts {
			return res, err
		}
		log.Printf("[game] room %s head moved during move by %s, retrying (%d/%d)", req.RoomID, req.PlayerID, attempt, moveAttempts)
	}
}

// moveAttempts bounds SubmitMove's compare-and-append retries.
const moveAttempts = 3

func (c *Coordinator) submitMove(ctx context.Context, req MoveRequest) (MoveResult, error) {
	room, err := c.rooms.Get(ctx, req.RoomID)
	if err != nil {
		return MoveResult{}, err
	}

	roomTopic := topic.Room(room.ID)
	events, err := eventlog.ReadAll(ctx, c.log, roomTopic, 0)
	if err != nil {
		return MoveResult{}, fmt.Errorf("game: read room %s: %w", room.ID, err)
	}

	if req.IdempotencyKey != "" {
		for _, ev := range events {
			if ev.Kind == eventlog.KindMove && ev.IdempotencyKey == req.IdempotencyKey {
				state, err := Fold(room, events)
				if err != nil {
					return MoveResult{}, err
				}
				return MoveResult{Event: ev, Room: room, State: state, Duplicate: true}, nil
			}
		}
	}

	switch {
	case room.Status == StatusFinished:
		return MoveResult{}, c.reject(errs.Reject(errs.ReasonRoomFinished, "room %s is finished", room.ID))
	case room.Status != StatusPlaying:
		return MoveResult{}, c.reject(errs.Reject(errs.ReasonRoomNotPlaying, "room %s is %s", room.ID, room.Status))
	}

	state, err := Fold(room, events)
	if err != nil {
		return MoveResult{}, err
	}
	if state.Finished() {
		// The final move landed but the status flip did not; finish it now.
		if _, err := c.finish(ctx, room, state); err != nil {
			log.Printf("[game] repair finish room %s: %v", room.ID, err)
		}
		return MoveResult{}, c.reject(errs.Reject(errs.ReasonRoomFinished, "room %s is finished", room.ID))
	}

	next, err := Apply(room, state, req.PlayerID, req.Payload)
	if err != nil {
		if _, ok := errs.AsRejection(err); ok {
			return MoveResult{}, c.reject(err)
		}
		return MoveResult{}, err
	}

	var head uint64
	if len(events) > 0 {
		head = events[len(events)-1].Sequence
	}
	res, err := c.log.Append(ctx, eventlog.AppendRequest{
		Topic:            roomTopic,
		Kind:             eventlog.KindMove,
		ActorID:          req.PlayerID,
		Payload:          req.Payload,
		IdempotencyKey:   req.IdempotencyKey,
		ExpectedSequence: eventlog.Expect(head),
	})
	if err != nil {
		return MoveResult{}, fmt.Errorf("game: record move in room %s: %w", room.ID, err)
	}
	c.publish(ctx, res.Event)

	out := MoveResult{Event: res.Event, Room: room, State: next}
	if next.Finished() {
		finished, gameOver := c.finishAndAnnounce(ctx, room, next)
		out.Room = finished
		out.GameOver = gameOver
	}
	return out, nil
}

// Abandon ends the room on behalf of playerID. The opponent, if seated,
// wins; no leaderboard points are awarded.
func (c *Coordinator) Abandon(ctx context.Context, roomID, playerID string) (Room, error) {
	unlock := c.lock(roomID)
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if !room.IsPlayer(playerID) {
		return Room{}, errs.Reject(errs.ReasonNotParticipant, "%s is not a player in room %s", playerID, roomID)
	}
	if room.Status == StatusFinished {
		return Room{}, errs.Reject(errs.ReasonRoomFinished, "room %s is finished", roomID)
	}

	winner := room.Opponent(playerID)
	finished, transitioned, err := c.rooms.Finish(ctx, roomID, winner, c.now().UTC())
	if err != nil {
		return Room{}, err
	}
	if !transitioned {
		return Room{}, errs.Reject(errs.ReasonRoomFinished, "room %s is finished", roomID)
	}

	metrics.ActiveRooms.Dec()
	log.Printf("[game] room %s abandoned by %s", roomID, playerID)
	c.appendSystem(ctx, finished, SystemPayload{
		Event:    EventGameOver,
		PlayerID: playerID,
		WinnerID: winner,
		Reason:   ReasonAbandoned,
	})
	return finished, nil
}

// ActiveRoom returns the user's non-finished room of gameType, for rejoin.
func (c *Coordinator) ActiveRoom(ctx context.Context, userID string, gameType GameType) (Room, error) {
	return c.rooms.Active(ctx, userID, gameType)
}

// Room returns a room by id.
func (c *Coordinator) Room(ctx context.Context, roomID string) (Room, error) {
	return c.rooms.Get(ctx, roomID)
}

// State replays the room topic and returns the room with its folded state.
func (c *Coordinator) State(ctx context.Context, roomID string) (Room, State, uint64, error) {
	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return Room{}, nil, 0, err
	}
	events, err := eventlog.ReadAll(ctx, c.log, topic.Room(room.ID), 0)
	if err != nil {
		return Room{}, nil, 0, fmt.Errorf("game: read room %s: %w", room.ID, err)
	}
	state, err := Fold(room, events)
	if err != nil {
		return Room{}, nil, 0, err
	}
	var head uint64
	if len(events) > 0 {
		head = events[len(events)-1].Sequence
	}
	return room, state, head, nil
}

// finishAndAnnounce flips the room to finished, appends game_over and pays
// the winner. Failures after the move itself was recorded are logged; the
// next SubmitMove on the room repairs the status.
func (c *Coordinator) finishAndAnnounce(ctx context.Context, room Room, state State) (Room, *eventlog.Event) {
	finished, err := c.finish(ctx, room, state)
	if err != nil {
		log.Printf("[game] finish room %s: %v", room.ID, err)
		return room, nil
	}
	return finished.room, finished.gameOver
}

type finishOutcome struct {
	room     Room
	gameOver *eventlog.Event
}

func (c *Coordinator) finish(ctx context.Context, room Room, state State) (finishOutcome, error) {
	winner := state.Winner()
	finished, transitioned, err := c.rooms.Finish(ctx, room.ID, winner, c.now().UTC())
	if err != nil {
		return finishOutcome{}, err
	}
	if !transitioned {
		return finishOutcome{room: finished}, nil
	}
	metrics.ActiveRooms.Dec()

	reason := ReasonCompleted
	if winner == "" {
		reason = ReasonDraw
	}
	log.Printf("[game] room %s finished (%s) winner=%q", room.ID, reason, winner)
	gameOver := c.appendSystem(ctx, finished, SystemPayload{Event: EventGameOver, WinnerID: winner, Reason: reason})

	if winner != "" && c.board != nil && c.config.WinPoints > 0 {
		c.award(ctx, finished, winner)
	}
	return finishOutcome{room: finished, gameOver: gameOver}, nil
}

// award credits the winner and announces it on the day's leaderboard topic.
func (c *Coordinator) award(ctx context.Context, room Room, winner string) {
	now := c.now()
	if err := c.board.Award(ctx, winner, c.config.WinPoints, now); err != nil {
		log.Printf("[game] award points to %s: %v", winner, err)
		return
	}
	day := Day(now)
	payload, err := json.Marshal(LeaderboardUpdate{
		Event:  EventLeaderboardUpdate,
		Day:    day,
		UserID: winner,
		Points: c.config.WinPoints,
		RoomID: room.ID,
	})
	if err != nil {
		log.Printf("[game] encode leaderboard update: %v", err)
		return
	}
	res, err := c.log.Append(ctx, eventlog.AppendRequest{
		Topic:          topic.Leaderboard(day),
		Kind:           eventlog.KindSystem,
		ActorID:        "system",
		Payload:        payload,
		IdempotencyKey: "award:" + room.ID,
	})
	if err != nil {
		log.Printf("[game] append leaderboard update for room %s: %v", room.ID, err)
		return
	}
	if !res.Duplicate {
		c.publish(ctx, res.Event)
	}
}

// appendSystem records a system event on the room topic and publishes it.
// These events are informational, so failures are logged and swallowed.
func (c *Coordinator) appendSystem(ctx context.Context, room Room, p SystemPayload) *eventlog.Event {
	p.RoomID = room.ID
	p.GameType = room.GameType
	payload, err := json.Marshal(p)
	if err != nil {
		log.Printf("[game] encode %s event: %v", p.Event, err)
		return nil
	}
	res, err := c.log.Append(ctx, eventlog.AppendRequest{
		Topic:   topic.Room(room.ID),
		Kind:    eventlog.KindSystem,
		ActorID: "system",
		Payload: payload,
	})
	if err != nil {
		log.Printf("[game] append %s event to room %s: %v", p.Event, room.ID, err)
		return nil
	}
	c.publish(ctx, res.Event)
	return &res.Event
}

func (c *Coordinator) publish(ctx context.Context, ev eventlog.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		log.Printf("[game] publish %s seq=%d: %v", ev.Topic, ev.Sequence, err)
	}
}

func (c *Coordinator) reject(err error) error {
	if rej, ok := errs.AsRejection(err); ok {
		metrics.MovesRejected.WithLabelValues(string(rej.Reason)).Inc()
	}
	return err
}
