package game

import (
	"encoding/json"

	"github.com/mystify/realtime/internal/errs"
)

// NumberBattleTarget is the number of correct guesses that wins a battle.
const NumberBattleTarget = 5

// NumberBattleState is a higher-or-lower race. Numbers 1..100 are drawn
// from the room seed in round order.
type NumberBattleState struct {
	Kind     GameType       `json:"game"`
	Current  int            `json:"current"`
	Round    int            `json:"round"`
	Scores   map[string]int `json:"scores"`
	Last     *GuessResult   `json:"last,omitempty"`
	WinnerID string         `json:"winner_id,omitempty"`
}

// GuessResult describes the most recent guess.
type GuessResult struct {
	PlayerID string `json:"player_id"`
	Guess    string `json:"guess"`
	Previous int    `json:"previous"`
	Drawn    int    `json:"drawn"`
	Correct  bool   `json:"correct"`
}

func (s *NumberBattleState) Game() GameType    { return NumberBattle }
func (s *NumberBattleState) Finished() bool    { return s.WinnerID != "" }
func (s *NumberBattleState) Winner() string    { return s.WinnerID }
func (s *NumberBattleState) NextMover() string { return "" }
func (s *NumberBattleState) isState()          {}

// NumberBattleMove guesses whether the next number is higher or lower.
type NumberBattleMove struct {
	Guess string `json:"guess"`
}

type numberBattleRules struct{}

func (numberBattleRules) NewState(room Room) State {
	return &NumberBattleState{
		Kind:    NumberBattle,
		Current: drawNumber(room.Seed, 0),
		Scores:  map[string]int{},
	}
}

func (numberBattleRules) Apply(room Room, s State, mover string, payload json.RawMessage) (State, error) {
	cur, ok := s.(*NumberBattleState)
	if !ok {
		return nil, wrongState(s, NumberBattle)
	}

	var mv NumberBattleMove
	if err := decodePayload(payload, &mv); err != nil {
		return nil, err
	}
	if mv.Guess != "higher" && mv.Guess != "lower" {
		return nil, errs.Reject(errs.ReasonInvalidPayload, `guess must be "higher" or "lower"`)
	}

	next := *cur
	next.Scores = cloneScores(cur.Scores)
	next.Round++
	drawn := drawNumber(room.Seed, next.Round)

	// An equal draw counts as wrong for both guesses.
	correct := (mv.Guess == "higher" && drawn > cur.Current) || (mv.Guess == "lower" && drawn < cur.Current)
	if correct {
		next.Scores[mover]++
	}
	next.Last = &GuessResult{
		PlayerID: mover,
		Guess:    mv.Guess,
		Previous: cur.Current,
		Drawn:    drawn,
		Correct:  correct,
	}
	next.Current = drawn

	if next.Scores[mover] >= NumberBattleTarget {
		next.WinnerID = mover
	}
	return &next, nil
}

// drawNumber returns the number shown after round guesses, in 1..100.
func drawNumber(seed int64, round int) int {
	return int(mix64(seed, uint64(round)+1<<32)%100) + 1
}
