package game

import (
	"encoding/json"
	"fmt"
)

// State is the closed set of per-game states. Every implementation lives in
// this package; the unexported method keeps it that way.
type State interface {
	Game() GameType
	Finished() bool
	// Winner is the winning player id, or "" while playing or on a draw.
	Winner() string
	// NextMover is the player expected to move, or "" when either may act.
	NextMover() string
	isState()
}

// tagged is the discriminator every encoded state carries. Concrete states
// hold the same "game" field, so json.Marshal of a State is already tagged:
// {"game":"tictactoe","board":[...],...}.
type tagged struct {
	Game GameType `json:"game"`
}

// UnmarshalState decodes a tagged state.
func UnmarshalState(data []byte) (State, error) {
	var tag tagged
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("game: decode state: %w", err)
	}

	var s State
	switch tag.Game {
	case TicTacToe:
		s = &TicTacToeState{}
	case MemoryFlip:
		s = &MemoryFlipState{}
	case NumberBattle:
		s = &NumberBattleState{}
	case TapRace:
		s = &TapRaceState{}
	case Bingo:
		s = &BingoState{}
	default:
		return nil, fmt.Errorf("game: decode state: unknown game %q", tag.Game)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("game: decode %s state: %w", tag.Game, err)
	}
	return s, nil
}

func cloneScores(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// leader returns the player with the strictly highest score, or "" on a tie.
func leader(room Room, scores map[string]int) string {
	host, guest := scores[room.HostID], scores[room.GuestID]
	switch {
	case host > guest:
		return room.HostID
	case guest > host:
		return room.GuestID
	}
	return ""
}
