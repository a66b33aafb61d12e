package game

import (
	"encoding/json"

	"github.com/mystify/realtime/internal/errs"
)

// winLines are the 8 three-in-a-row lines of a 3x3 board.
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// TicTacToeState is the board of a tic-tac-toe room. The host plays X and
// moves first.
type TicTacToeState struct {
	Kind     GameType  `json:"game"`
	Board    [9]string `json:"board"` // "", "X" or "O"
	Turn     string    `json:"turn"`
	Moves    int       `json:"moves"`
	WinnerID string    `json:"winner_id,omitempty"`
	Line     []int     `json:"line,omitempty"`
	Draw     bool      `json:"draw,omitempty"`
}

func (s *TicTacToeState) Game() GameType    { return TicTacToe }
func (s *TicTacToeState) Finished() bool    { return s.WinnerID != "" || s.Draw }
func (s *TicTacToeState) Winner() string    { return s.WinnerID }
func (s *TicTacToeState) NextMover() string { return s.Turn }
func (s *TicTacToeState) isState()          {}

// TicTacToeMove places the mover's symbol.
type TicTacToeMove struct {
	Position *int `json:"position"`
}

type ticTacToeRules struct{}

func (ticTacToeRules) NewState(room Room) State {
	return &TicTacToeState{Kind: TicTacToe, Turn: room.HostID}
}

func (ticTacToeRules) Apply(room Room, s State, mover string, payload json.RawMessage) (State, error) {
	cur, ok := s.(*TicTacToeState)
	if !ok {
		return nil, wrongState(s, TicTacToe)
	}

	var mv TicTacToeMove
	if err := decodePayload(payload, &mv); err != nil {
		return nil, err
	}
	if mv.Position == nil || *mv.Position < 0 || *mv.Position > 8 {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "position must be 0..8")
	}
	if mover != cur.Turn {
		return nil, errs.Reject(errs.ReasonNotYourTurn, "waiting for %s", cur.Turn)
	}
	pos := *mv.Position
	if cur.Board[pos] != "" {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "position %d is taken", pos)
	}

	next := *cur
	next.Line = nil
	next.Board[pos] = symbolFor(room, mover)
	next.Moves++

	if line, won := completedLine(next.Board); won {
		next.WinnerID = mover
		next.Line = line
	} else if next.Moves == len(next.Board) {
		next.Draw = true
	} else {
		next.Turn = room.Opponent(mover)
	}
	return &next, nil
}

func symbolFor(room Room, player string) string {
	if player == room.HostID {
		return "X"
	}
	return "O"
}

func completedLine(board [9]string) ([]int, bool) {
	for _, l := range winLines {
		if board[l[0]] != "" && board[l[0]] == board[l[1]] && board[l[1]] == board[l[2]] {
			return []int{l[0], l[1], l[2]}, true
		}
	}
	return nil, false
}
