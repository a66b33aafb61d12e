package game

import (
	"encoding/json"

	"github.com/mystify/realtime/internal/errs"
)

const (
	memoryPairs = 8
	memoryCards = memoryPairs * 2
)

// MemoryFlipState is a memory-flip table. A turn is two flips; a matched
// pair scores and keeps the turn, a miss passes it.
type MemoryFlipState struct {
	Kind     GameType          `json:"game"`
	Deck     [memoryCards]int  `json:"deck"` // pair id of each card
	Matched  [memoryCards]bool `json:"matched"`
	FaceUp   int               `json:"face_up"` // first card of the current turn, -1 if none
	LastPair [2]int            `json:"last_pair"`
	Turn     string            `json:"turn"`
	Scores   map[string]int    `json:"scores"`
	Pairs    int               `json:"pairs"`
	WinnerID string            `json:"winner_id,omitempty"`
	Draw     bool              `json:"draw,omitempty"`
}

func (s *MemoryFlipState) Game() GameType    { return MemoryFlip }
func (s *MemoryFlipState) Finished() bool    { return s.Pairs == memoryPairs }
func (s *MemoryFlipState) Winner() string    { return s.WinnerID }
func (s *MemoryFlipState) NextMover() string { return s.Turn }
func (s *MemoryFlipState) isState()          {}

// MemoryFlipMove turns one card face up.
type MemoryFlipMove struct {
	Index *int `json:"index"`
}

type memoryFlipRules struct{}

// NewState deals the deck from the room seed, so every replay sees the
// same layout.
func (memoryFlipRules) NewState(room Room) State {
	s := &MemoryFlipState{
		Kind:     MemoryFlip,
		FaceUp:   -1,
		LastPair: [2]int{-1, -1},
		Turn:     room.HostID,
		Scores:   map[string]int{},
	}
	for i := range s.Deck {
		s.Deck[i] = i / 2
	}
	rng := seededRand(room.Seed, 0)
	rng.Shuffle(len(s.Deck), func(i, j int) { s.Deck[i], s.Deck[j] = s.Deck[j], s.Deck[i] })
	return s
}

func (memoryFlipRules) Apply(room Room, s State, mover string, payload json.RawMessage) (State, error) {
	cur, ok := s.(*MemoryFlipState)
	if !ok {
		return nil, wrongState(s, MemoryFlip)
	}

	var mv MemoryFlipMove
	if err := decodePayload(payload, &mv); err != nil {
		return nil, err
	}
	if mv.Index == nil || *mv.Index < 0 || *mv.Index >= memoryCards {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "index must be 0..%d", memoryCards-1)
	}
	if mover != cur.Turn {
		return nil, errs.Reject(errs.ReasonNotYourTurn, "waiting for %s", cur.Turn)
	}
	idx := *mv.Index
	if cur.Matched[idx] {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "card %d is already matched", idx)
	}
	if idx == cur.FaceUp {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "card %d is already face up", idx)
	}

	next := *cur
	next.Scores = cloneScores(cur.Scores)

	if cur.FaceUp < 0 {
		next.FaceUp = idx
		return &next, nil
	}

	first := cur.FaceUp
	next.FaceUp = -1
	next.LastPair = [2]int{first, idx}
	if cur.Deck[first] == cur.Deck[idx] {
		next.Matched[first] = true
		next.Matched[idx] = true
		next.Scores[mover]++
		next.Pairs++
	} else {
		next.Turn = room.Opponent(mover)
	}

	if next.Finished() {
		next.WinnerID = leader(room, next.Scores)
		next.Draw = next.WinnerID == ""
	}
	return &next, nil
}
