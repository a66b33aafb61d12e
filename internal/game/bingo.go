package game

import (
	"encoding/json"

	"github.com/mystify/realtime/internal/errs"
)

const (
	bingoSide    = 5
	bingoNumbers = bingoSide * bingoSide
)

// BingoCard is a 5x5 grid, row-major, holding each of 1..25 once.
type BingoCard [bingoNumbers]int

// BingoState is a bingo table. Only the host calls numbers; either player
// may claim a completed row, column or diagonal on their own card.
type BingoState struct {
	Kind      GameType             `json:"game"`
	Cards     map[string]BingoCard `json:"cards"`
	Called    []int                `json:"called"`
	HostID    string               `json:"host_id"`
	WinnerID  string               `json:"winner_id,omitempty"`
	Line      []int                `json:"line,omitempty"` // card cells of the winning line
	Exhausted bool                 `json:"exhausted,omitempty"`
}

func (s *BingoState) Game() GameType    { return Bingo }
func (s *BingoState) Finished() bool    { return s.WinnerID != "" || s.Exhausted }
func (s *BingoState) Winner() string    { return s.WinnerID }
func (s *BingoState) NextMover() string { return s.HostID }
func (s *BingoState) isState()          {}

// IsCalled reports whether n has been called.
func (s *BingoState) IsCalled(n int) bool {
	for _, c := range s.Called {
		if c == n {
			return true
		}
	}
	return false
}

// BingoMove is either a number call (host only) or a claim.
type BingoMove struct {
	Call  *int `json:"call,omitempty"`
	Claim bool `json:"claim,omitempty"`
}

type bingoRules struct{}

// NewState deals one card per player from the room seed; the host's card is
// stream 1 and the guest's stream 2.
func (bingoRules) NewState(room Room) State {
	s := &BingoState{
		Kind:   Bingo,
		Cards:  make(map[string]BingoCard, 2),
		Called: []int{},
		HostID: room.HostID,
	}
	for i, player := range room.Players() {
		s.Cards[player] = dealCard(room.Seed, uint64(i+1))
	}
	return s
}

func (bingoRules) Apply(room Room, s State, mover string, payload json.RawMessage) (State, error) {
	cur, ok := s.(*BingoState)
	if !ok {
		return nil, wrongState(s, Bingo)
	}

	var mv BingoMove
	if err := decodePayload(payload, &mv); err != nil {
		return nil, err
	}
	if (mv.Call != nil) == mv.Claim {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "move must be exactly one of call or claim")
	}

	next := *cur
	next.Called = append([]int(nil), cur.Called...)

	if mv.Claim {
		card, ok := cur.Cards[mover]
		if !ok {
			return nil, errs.Reject(errs.ReasonInvalidPayload, "no card for %s", mover)
		}
		line, ok := completedBingoLine(card, cur)
		if !ok {
			return nil, errs.Reject(errs.ReasonInvalidPayload, "no completed line on card")
		}
		next.WinnerID = mover
		next.Line = line
		return &next, nil
	}

	if mover != room.HostID {
		return nil, errs.Reject(errs.ReasonNotYourTurn, "only the host calls numbers")
	}
	n := *mv.Call
	if n < 1 || n > bingoNumbers {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "call must be 1..%d", bingoNumbers)
	}
	if cur.IsCalled(n) {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "%d was already called", n)
	}
	next.Called = append(next.Called, n)
	if len(next.Called) == bingoNumbers {
		next.Exhausted = true
	}
	return &next, nil
}

func dealCard(seed int64, stream uint64) BingoCard {
	var card BingoCard
	for i := range card {
		card[i] = i + 1
	}
	rng := seededRand(seed, stream)
	rng.Shuffle(len(card), func(i, j int) { card[i], card[j] = card[j], card[i] })
	return card
}

// bingoLines lists the cell indexes of the 5 rows, 5 columns and 2
// diagonals.
var bingoLines = func() [][]int {
	var lines [][]int
	for r := 0; r < bingoSide; r++ {
		row := make([]int, bingoSide)
		col := make([]int, bingoSide)
		for c := 0; c < bingoSide; c++ {
			row[c] = r*bingoSide + c
			col[c] = c*bingoSide + r
		}
		lines = append(lines, row, col)
	}
	diag := make([]int, bingoSide)
	anti := make([]int, bingoSide)
	for i := 0; i < bingoSide; i++ {
		diag[i] = i*bingoSide + i
		anti[i] = i*bingoSide + (bingoSide - 1 - i)
	}
	return append(lines, diag, anti)
}()

func completedBingoLine(card BingoCard, s *BingoState) ([]int, bool) {
	for _, line := range bingoLines {
		complete := true
		for _, cell := range line {
			if !s.IsCalled(card[cell]) {
				complete = false
				break
			}
		}
		if complete {
			return append([]int(nil), line...), true
		}
	}
	return nil, false
}
