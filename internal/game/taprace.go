package game

import (
	"encoding/json"

	"github.com/mystify/realtime/internal/errs"
)

const (
	// TapRaceTarget is the score that wins a tap race.
	TapRaceTarget = 100
	// MaxTapsPerMove bounds one batched tap report.
	MaxTapsPerMove = 10
)

// TapRaceState holds cumulative tap scores. Either player may report taps
// at any time.
type TapRaceState struct {
	Kind     GameType       `json:"game"`
	Scores   map[string]int `json:"scores"`
	Target   int            `json:"target"`
	WinnerID string         `json:"winner_id,omitempty"`
}

func (s *TapRaceState) Game() GameType    { return TapRace }
func (s *TapRaceState) Finished() bool    { return s.WinnerID != "" }
func (s *TapRaceState) Winner() string    { return s.WinnerID }
func (s *TapRaceState) NextMover() string { return "" }
func (s *TapRaceState) isState()          {}

// TapRaceMove reports taps since the previous move.
type TapRaceMove struct {
	Taps int `json:"taps"`
}

type tapRaceRules struct{}

func (tapRaceRules) NewState(room Room) State {
	return &TapRaceState{Kind: TapRace, Scores: map[string]int{}, Target: TapRaceTarget}
}

func (tapRaceRules) Apply(room Room, s State, mover string, payload json.RawMessage) (State, error) {
	cur, ok := s.(*TapRaceState)
	if !ok {
		return nil, wrongState(s, TapRace)
	}

	var mv TapRaceMove
	if err := decodePayload(payload, &mv); err != nil {
		return nil, err
	}
	if mv.Taps < 1 || mv.Taps > MaxTapsPerMove {
		return nil, errs.Reject(errs.ReasonInvalidPayload, "taps must be 1..%d", MaxTapsPerMove)
	}

	next := *cur
	next.Scores = cloneScores(cur.Scores)
	next.Scores[mover] += mv.Taps
	if next.Scores[mover] >= next.Target {
		next.WinnerID = mover
	}
	return &next, nil
}
