package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/topic"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev eventlog.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type harness struct {
	coord *Coordinator
	rooms RoomStore
	log   *eventlog.MemoryStore
	pub   *recordingPublisher
	board *MemoryLeaderboard
}

func newHarness(t *testing.T, rooms RoomStore) *harness {
	t.Helper()
	h := &harness{
		rooms: rooms,
		log:   eventlog.NewMemoryStore(),
		pub:   &recordingPublisher{},
		board: NewMemoryLeaderboard(),
	}
	h.coord = NewCoordinator(h.rooms, h.log, h.pub, h.board, DefaultConfig())
	return h
}

func (h *harness) startRoom(t *testing.T, g GameType) Room {
	t.Helper()
	ctx := context.Background()
	room, err := h.coord.CreateRoom(ctx, "host", g)
	require.NoError(t, err)
	room, err = h.coord.JoinRoom(ctx, room.Code, "guest")
	require.NoError(t, err)
	require.Equal(t, StatusPlaying, room.Status)
	return room
}

func (h *harness) move(ctx context.Context, room Room, player, payload string) (MoveResult, error) {
	return h.coord.SubmitMove(ctx, MoveRequest{RoomID: room.ID, PlayerID: player, Payload: json.RawMessage(payload)})
}

func (h *harness) moves(t *testing.T, room Room) []eventlog.Event {
	t.Helper()
	events, err := eventlog.ReadAll(context.Background(), h.log, topic.Room(room.ID), 0)
	require.NoError(t, err)
	var out []eventlog.Event
	for _, ev := range events {
		if ev.Kind == eventlog.KindMove {
			out = append(out, ev)
		}
	}
	return out
}

func systemEvents(t *testing.T, h *harness, room Room) []SystemPayload {
	t.Helper()
	events, err := eventlog.ReadAll(context.Background(), h.log, topic.Room(room.ID), 0)
	require.NoError(t, err)
	var out []SystemPayload
	for _, ev := range events {
		if ev.Kind != eventlog.KindSystem {
			continue
		}
		var p SystemPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		out = append(out, p)
	}
	return out
}

func TestCreateRoom(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	room, err := h.coord.CreateRoom(ctx, "host", TicTacToe)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, room.Status)
	assert.Len(t, room.Code, CodeLength)
	assert.NotEmpty(t, room.ID)

	_, err = h.coord.CreateRoom(ctx, "host", TicTacToe)
	assert.True(t, errors.Is(err, errs.ErrConflict), "second active room of the same type")

	_, err = h.coord.CreateRoom(ctx, "host", TapRace)
	assert.NoError(t, err, "other game types are independent")

	_, err = h.coord.CreateRoom(ctx, "host", "chess")
	requireReason(t, err, errs.ReasonInvalidPayload)

	active, err := h.coord.ActiveRoom(ctx, "host", TicTacToe)
	require.NoError(t, err)
	assert.Equal(t, room.ID, active.ID)

	sys := systemEvents(t, h, room)
	require.Len(t, sys, 1)
	assert.Equal(t, EventRoomCreated, sys[0].Event)
}

func TestJoinRoom(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	room, err := h.coord.CreateRoom(ctx, "host", TicTacToe)
	require.NoError(t, err)

	_, err = h.coord.JoinRoom(ctx, "NOPE00", "guest")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = h.coord.JoinRoom(ctx, room.Code, "host")
	assert.True(t, errors.Is(err, errs.ErrConflict), "host cannot join own room")

	joined, err := h.coord.JoinRoom(ctx, " "+strings.ToLower(room.Code)+" ", "guest")
	require.NoError(t, err, "codes are case-insensitive")
	assert.Equal(t, "guest", joined.GuestID)
	assert.Equal(t, StatusPlaying, joined.Status)

	_, err = h.coord.JoinRoom(ctx, room.Code, "late")
	assert.True(t, errors.Is(err, errs.ErrConflict))

	active, err := h.coord.ActiveRoom(ctx, "guest", TicTacToe)
	require.NoError(t, err)
	assert.Equal(t, room.ID, active.ID)
}

func TestJoinRoom_ConcurrentJoinsExactlyOneWins(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	room, err := h.coord.CreateRoom(ctx, "host", TicTacToe)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.coord.JoinRoom(ctx, room.Code, fmt.Sprintf("guest-%d", i))
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
	assert.Equal(t, 1, conflicts)
}

func TestSubmitMove_TurnEnforcement(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	room := h.startRoom(t, TicTacToe)

	_, err := h.move(ctx, room, "host", `{"position":0}`)
	require.NoError(t, err)

	_, err = h.move(ctx, room, "host", `{"position":1}`)
	requireReason(t, err, errs.ReasonNotYourTurn)
	assert.Len(t, h.moves(t, room), 1, "rejected move must not be logged")
}

func TestSubmitMove_WaitingRoom(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	room, err := h.coord.CreateRoom(ctx, "host", TicTacToe)
	require.NoError(t, err)

	_, err = h.move(ctx, room, "host", `{"position":0}`)
	requireReason(t, err, errs.ReasonRoomNotPlaying)

	_, err = h.coord.SubmitMove(ctx, MoveRequest{RoomID: "missing", PlayerID: "host"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestSubmitMove_TicTacToeWin(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	room := h.startRoom(t, TicTacToe)

	script := []struct {
		player string
		pos    int
	}{{"host", 0}, {"guest", 3}, {"host", 1}, {"guest", 4}, {"host", 2}}

	var last MoveResult
	for _, step := range script {
		res, err := h.move(ctx, room, step.player, fmt.Sprintf(`{"position":%d}`, step.pos))
		require.NoError(t, err)
		last = res
	}

	assert.Equal(t, StatusFinished, last.Room.Status)
	assert.Equal(t, "host", last.Room.WinnerID)
	require.NotNil(t, last.GameOver)
	assert.Equal(t, eventlog.KindSystem, last.GameOver.Kind)
	assert.Equal(t, last.Event.Sequence+1, last.GameOver.Sequence)

	var over SystemPayload
	require.NoError(t, json.Unmarshal(last.GameOver.Payload, &over))
	assert.Equal(t, EventGameOver, over.Event)
	assert.Equal(t, "host", over.WinnerID)
	assert.Equal(t, ReasonCompleted, over.Reason)

	stored, err := h.coord.Room(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, stored.Status)

	top, err := h.board.Top(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, Entry{UserID: "host", Points: WinPoints}, top[0])

	updates, err := h.log.ReadSince(ctx, topic.Leaderboard(Day(time.Now())), 0, 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	var update LeaderboardUpdate
	require.NoError(t, json.Unmarshal(updates[0].Payload, &update))
	assert.Equal(t, LeaderboardUpdate{
		Event: EventLeaderboardUpdate, Day: Day(time.Now()), UserID: "host", Points: WinPoints, RoomID: room.ID,
	}, update)
	h.pub.mu.Lock()
	assert.Equal(t, updates[0].ID, h.pub.events[len(h.pub.events)-1].ID)
	h.pub.mu.Unlock()

	_, err = h.coord.ActiveRoom(ctx, "host", TicTacToe)
	assert.True(t, errors.Is(err, errs.ErrNotFound), "finished room is no longer active")

	// Terminal rooms stay terminal.
	for _, player := range []string{"guest", "host"} {
		_, err = h.move(ctx, room, player, `{"position":8}`)
		requireReason(t, err, errs.ReasonRoomFinished)
	}
	stored, err = h.coord.Room(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, stored.Status)

	// The host may now open a fresh room of the same type.
	_, err = h.coord.CreateRoom(ctx, "host", TicTacToe)
	assert.NoError(t, err)
}

func TestSubmitMove_ReplayMatchesLiveState(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	room := h.startRoom(t, MemoryFlip)

	var live State
	for i := 0; i < 40; i++ {
		_, state, _, err := h.coord.State(ctx, room.ID)
		require.NoError(t, err)
		if state.Finished() {
			break
		}
		mf := state.(*MemoryFlipState)
		idx := -1
		for j := range mf.Deck {
			if mf.Matched[j] || j == mf.FaceUp {
				continue
			}
			if mf.FaceUp < 0 {
				idx = j
				break
			}
			// Miss once so the turn passes, then always complete the pair.
			if (i == 1) == (mf.Deck[j] != mf.Deck[mf.FaceUp]) {
				idx = j
				break
			}
		}
		require.GreaterOrEqual(t, idx, 0)
		res, err := h.move(ctx, room, state.NextMover(), fmt.Sprintf(`{"index":%d}`, idx))
		require.NoError(t, err)
		live = res.State

		// A reconnecting client folds the log from scratch.
		replayed, err := Fold(room, h.moves(t, room))
		require.NoError(t, err)
		assert.Equal(t, live, replayed)
	}
	require.NotNil(t, live)
	assert.True(t, live.Finished())
}

func TestSubmitMove_IdempotencyKey(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	room := h.startRoom(t, TapRace)

	req := MoveRequest{RoomID: room.ID, PlayerID: "host", Payload: json.RawMessage(`{"taps":3}`), IdempotencyKey: "tap-1"}
	first, err := h.coord.SubmitMove(ctx, req)
	require.NoError(t, err)
	second, err := h.coord.SubmitMove(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Len(t, h.moves(t, room), 1)
	assert.Equal(t, 3, second.State.(*TapRaceState).Scores["host"])
}

func TestSubmitMove_ConcurrentMovesStayConsistent(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	room := h.startRoom(t, TapRace)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			player := "host"
			if i%2 == 1 {
				player = "guest"
			}
			h.move(ctx, room, player, `{"taps":1}`)
		}(i)
	}
	wg.Wait()

	moves := h.moves(t, room)
	assert.Len(t, moves, 20)
	_, state, _, err := h.coord.State(ctx, room.ID)
	require.NoError(t, err)
	scores := state.(*TapRaceState).Scores
	assert.Equal(t, 20, scores["host"]+scores["guest"])
}

func TestSubmitMove_RepairsMissedFinish(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	room := h.startRoom(t, TapRace)

	// Simulate a crash between the final move and the status flip.
	for i := 0; i < 10; i++ {
		_, err := h.log.Append(ctx, eventlog.AppendRequest{
			Topic: topic.Room(room.ID), Kind: eventlog.KindMove, ActorID: "guest",
			Payload: json.RawMessage(`{"taps":10}`),
		})
		require.NoError(t, err)
	}

	_, err := h.move(ctx, room, "host", `{"taps":1}`)
	requireReason(t, err, errs.ReasonRoomFinished)

	stored, err := h.coord.Room(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, stored.Status)
	assert.Equal(t, "guest", stored.WinnerID)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	room := h.startRoom(t, NumberBattle)

	_, err := h.coord.Abandon(ctx, room.ID, "stranger")
	requireReason(t, err, errs.ReasonNotParticipant)

	finished, err := h.coord.Abandon(ctx, room.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, finished.Status)
	assert.Equal(t, "host", finished.WinnerID)

	_, err = h.coord.Abandon(ctx, room.ID, "host")
	requireReason(t, err, errs.ReasonRoomFinished)

	_, err = h.move(ctx, room, "host", `{"guess":"higher"}`)
	requireReason(t, err, errs.ReasonRoomFinished)

	sys := systemEvents(t, h, room)
	last := sys[len(sys)-1]
	assert.Equal(t, EventGameOver, last.Event)
	assert.Equal(t, ReasonAbandoned, last.Reason)

	top, err := h.board.Top(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, top, "abandonment earns no points")
}

func TestAbandon_WaitingRoomHasNoWinner(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()

	room, err := h.coord.CreateRoom(ctx, "host", Bingo)
	require.NoError(t, err)

	finished, err := h.coord.Abandon(ctx, room.ID, "host")
	require.NoError(t, err)
	assert.Equal(t, "", finished.WinnerID)

	_, err = h.coord.JoinRoom(ctx, room.Code, "guest")
	assert.True(t, errors.Is(err, errs.ErrConflict))
}

func TestPublishesAppendedEvents(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ctx := context.Background()
	room := h.startRoom(t, TicTacToe)

	_, err := h.move(ctx, room, "host", `{"position":4}`)
	require.NoError(t, err)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	require.Len(t, h.pub.events, 3) // room_created, player_joined, move
	for i, ev := range h.pub.events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, topic.Room(room.ID), ev.Topic)
	}
	assert.Equal(t, eventlog.KindMove, h.pub.events[2].Kind)
}

// chattyLog appends a spectator message right before the first move lands,
// as a concurrent chat append on the room topic would.
type chattyLog struct {
	eventlog.Store
	mu      sync.Mutex
	chatted bool
}

func (l *chattyLog) Append(ctx context.Context, req eventlog.AppendRequest) (eventlog.AppendResult, error) {
	l.mu.Lock()
	chat := req.Kind == eventlog.KindMove && !l.chatted
	l.chatted = l.chatted || chat
	l.mu.Unlock()
	if chat {
		if _, err := l.Store.Append(ctx, eventlog.AppendRequest{
			Topic: req.Topic, Kind: eventlog.KindMessage, ActorID: "spectator",
			Payload: json.RawMessage(`{"content":"good luck"}`),
		}); err != nil {
			return eventlog.AppendResult{}, err
		}
	}
	return l.Store.Append(ctx, req)
}

func TestSubmitMove_RetriesWhenChatMovesHead(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	coord := NewCoordinator(NewMemoryStore(), &chattyLog{Store: store}, nil, nil, DefaultConfig())

	room, err := coord.CreateRoom(ctx, "host", TicTacToe)
	require.NoError(t, err)
	_, err = coord.JoinRoom(ctx, room.Code, "guest")
	require.NoError(t, err)

	res, err := coord.SubmitMove(ctx, MoveRequest{RoomID: room.ID, PlayerID: "host", Payload: json.RawMessage(`{"position":4}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Event.Sequence, "created, joined, chat, move")

	events, err := eventlog.ReadAll(ctx, store, topic.Room(room.ID), 0)
	require.NoError(t, err)
	kinds := make([]eventlog.Kind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []eventlog.Kind{eventlog.KindSystem, eventlog.KindSystem, eventlog.KindMessage, eventlog.KindMove}, kinds)
}

func TestAbandonWhileJoining_ReleasesBothPlayers(t *testing.T) {
	for name, rooms := range map[string]func(t *testing.T) RoomStore{
		"memory": func(*testing.T) RoomStore { return NewMemoryStore() },
		"redis": func(t *testing.T) RoomStore {
			_, rdb := setupRedis(t)
			return NewRedisStore(rdb)
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, rooms(t))
			ctx := context.Background()

			for i := 0; i < 50; i++ {
				host, guest := fmt.Sprintf("host-%d", i), fmt.Sprintf("guest-%d", i)
				room, err := h.coord.CreateRoom(ctx, host, TicTacToe)
				require.NoError(t, err)

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, _ = h.coord.Abandon(ctx, room.ID, host)
				}()
				go func() {
					defer wg.Done()
					_, _ = h.coord.JoinRoom(ctx, room.Code, guest)
				}()
				wg.Wait()

				stored, err := h.coord.Room(ctx, room.ID)
				require.NoError(t, err)
				require.Equal(t, StatusFinished, stored.Status)
				for _, player := range []string{host, guest} {
					_, err := h.coord.ActiveRoom(ctx, player, TicTacToe)
					require.True(t, errors.Is(err, errs.ErrNotFound), "room %d: %s still holds an active room", i, player)
				}
			}
		})
	}
}
