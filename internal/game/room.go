// Package game is the turn coordinator for two-player synchronous games.
//
// A room moves waiting -> playing -> finished and never back. Moves are
// validated against per-game rules before they reach the event log; a
// rejected move is never appended. Room state is not stored: it is the
// fold of the room topic's move events over the rules, and the same fold
// serves live validation, rejoin and offline replay.
package game

import (
	"time"
)

// GameType names one of the supported games.
type GameType string

const (
	TicTacToe    GameType = "tictactoe"
	MemoryFlip   GameType = "memoryflip"
	NumberBattle GameType = "numberbattle"
	TapRace      GameType = "taprace"
	Bingo        GameType = "bingo"
)

// GameTypes lists every supported game in display order.
var GameTypes = []GameType{TicTacToe, MemoryFlip, NumberBattle, TapRace, Bingo}

// Valid reports whether g is a supported game.
func (g GameType) Valid() bool {
	_, ok := rules[g]
	return ok
}

// Status is the room lifecycle state.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// Room is the coordinator's view of a game room. Board and score state live
// in the event log, not here.
type Room struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	GameType  GameType  `json:"game_type"`
	HostID    string    `json:"host_id"`
	GuestID   string    `json:"guest_id,omitempty"`
	Status    Status    `json:"status"`
	Seed      int64     `json:"seed"`
	WinnerID  string    `json:"winner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Players returns the players in canonical order, host first.
func (r Room) Players() []string {
	if r.GuestID == "" {
		return []string{r.HostID}
	}
	return []string{r.HostID, r.GuestID}
}

// IsPlayer reports whether userID is the host or the guest.
func (r Room) IsPlayer(userID string) bool {
	return userID != "" && (userID == r.HostID || userID == r.GuestID)
}

// Opponent returns the other player, or "" if there is none.
func (r Room) Opponent(userID string) string {
	switch userID {
	case r.HostID:
		return r.GuestID
	case r.GuestID:
		return r.HostID
	}
	return ""
}
