package game

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/mystify/realtime/internal/errs"
)

// Rules is the per-game move policy.
type Rules interface {
	// NewState returns the state of a room before any move.
	NewState(room Room) State
	// Apply validates a move and returns the successor state. It must not
	// modify s. The caller has already checked that mover is a player and
	// that s is not finished.
	Apply(room Room, s State, mover string, payload json.RawMessage) (State, error)
}

var rules = map[GameType]Rules{
	TicTacToe:    ticTacToeRules{},
	MemoryFlip:   memoryFlipRules{},
	NumberBattle: numberBattleRules{},
	TapRace:      tapRaceRules{},
	Bingo:        bingoRules{},
}

// RulesFor returns the policy of g.
func RulesFor(g GameType) (Rules, bool) {
	r, ok := rules[g]
	return r, ok
}

// Apply runs the checks shared by every game, then the game's own rules.
func Apply(room Room, s State, mover string, payload json.RawMessage) (State, error) {
	r, ok := RulesFor(room.GameType)
	if !ok {
		return nil, fmt.Errorf("game: unknown game type %q", room.GameType)
	}
	if s.Game() != room.GameType {
		return nil, fmt.Errorf("game: %s state for %s room", s.Game(), room.GameType)
	}
	if s.Finished() {
		return nil, errs.Reject(errs.ReasonRoomFinished, "game is over")
	}
	if !room.IsPlayer(mover) {
		return nil, errs.Reject(errs.ReasonNotYourTurn, "%s is not a player in this room", mover)
	}
	return r.Apply(room, s, mover, payload)
}

// decodePayload strictly decodes a move body. Unknown fields are refused so
// a payload meant for another game never passes silently.
func decodePayload(payload json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return errs.Reject(errs.ReasonInvalidPayload, "empty move")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Reject(errs.ReasonInvalidPayload, "%v", err)
	}
	return nil
}

func wrongState(s State, want GameType) error {
	return fmt.Errorf("game: expected %s state, got %T", want, s)
}

// mix64 derives an independent 64-bit value from a room seed and a stream
// number (splitmix64 finalizer).
func mix64(seed int64, stream uint64) uint64 {
	z := uint64(seed) + (stream+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// seededRand returns a deterministic generator for one stream of a room.
// math/rand's seeded source is stable across Go releases, which keeps the
// fold reproducible.
func seededRand(seed int64, stream uint64) *rand.Rand {
	return rand.New(rand.NewSource(int64(mix64(seed, stream) >> 1)))
}
