package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/game"
	"github.com/mystify/realtime/internal/ratelimit"
)

// defaultLeaderboardSize is the number of rows returned without ?limit=.
const defaultLeaderboardSize = 10

type createRoomBody struct {
	GameType game.GameType `json:"game_type"`
}

type joinRoomBody struct {
	Code string `json:"code"`
}

type moveBody struct {
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type roomResponse struct {
	Room      game.Room       `json:"room"`
	State     game.State      `json:"state,omitempty"`
	Head      uint64          `json:"head,omitempty"`
	Event     *eventlog.Event `json:"event,omitempty"`
	GameOver  *eventlog.Event `json:"game_over,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// UnmarshalJSON decodes the tagged state into its concrete game type.
func (r *roomResponse) UnmarshalJSON(data []byte) error {
	type plain roomResponse
	aux := struct {
		*plain
		State json.RawMessage `json:"state"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.State = nil
	if len(aux.State) == 0 || string(aux.State) == "null" {
		return nil
	}
	state, err := game.UnmarshalState(aux.State)
	if err != nil {
		return err
	}
	r.State = state
	return nil
}

type leaderboardResponse struct {
	Day     string       `json:"day"`
	Entries []game.Entry `json:"entries"`
}

func (a *api) createRoom(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body createRoomBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	room, err := a.Games.CreateRoom(r.Context(), user, body.GameType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomResponse{Room: room})
}

func (a *api) joinRoom(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body joinRoomBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	room, err := a.Games.JoinRoom(r.Context(), body.Code, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := roomResponse{Room: room}
	if _, state, head, err := a.Games.State(r.Context(), room.ID); err == nil {
		resp.State, resp.Head = state, head
	} else {
		log.Printf("[httpapi] fold room %s after join: %v", room.ID, err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// activeRoom handles GET /v1/rooms/active?game_type=, the rejoin lookup.
func (a *api) activeRoom(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	room, err := a.Games.ActiveRoom(r.Context(), user, game.GameType(r.URL.Query().Get("game_type")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: room})
}

func (a *api) getRoom(w http.ResponseWriter, r *http.Request) {
	if _, err := userID(r); err != nil {
		writeError(w, r, err)
		return
	}
	room, state, head, err := a.Games.State(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: room, State: state, Head: head})
}

func (a *api) submitMove(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body moveBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if ok, err := a.Limiter.Allow(r.Context(), user, ratelimit.RuleMove); !ok {
		writeError(w, r, errs.ErrRateLimited)
		return
	} else if err != nil {
		log.Printf("[httpapi] rate limit %s%s: %v", ratelimit.RuleMove.Key, user, err)
	}

	res, err := a.Games.SubmitMove(r.Context(), game.MoveRequest{
		RoomID:         mux.Vars(r)["id"],
		PlayerID:       user,
		Payload:        body.Payload,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, roomResponse{
		Room:      res.Room,
		State:     res.State,
		Event:     &res.Event,
		GameOver:  res.GameOver,
		Duplicate: res.Duplicate,
	})
}

func (a *api) abandonRoom(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	room, err := a.Games.Abandon(r.Context(), mux.Vars(r)["id"], user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: room})
}

// leaderboard handles GET /v1/leaderboard?day=YYYY-MM-DD&limit=. The day
// defaults to today in UTC.
func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	if a.Leaderboard == nil {
		writeError(w, r, errs.ErrNotFound)
		return
	}
	day := time.Now().UTC()
	if s := r.URL.Query().Get("day"); s != "" {
		parsed, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, r, errs.Reject(errs.ReasonInvalidPayload, "invalid day %q", s))
			return
		}
		day = parsed
	}
	n := defaultLeaderboardSize
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, r, errs.Reject(errs.ReasonInvalidPayload, "invalid limit %q", s))
			return
		}
		n = v
	}

	entries, err := a.Leaderboard.Top(r.Context(), day, n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []game.Entry{}
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{Day: game.Day(day), Entries: entries})
}
