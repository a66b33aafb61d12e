package game

import (
	"fmt"

	"github.com/mystify/realtime/internal/eventlog"
)

// Fold reconstructs the state of room from its event log. Only move events
// are applied, in ascending sequence order; other kinds are skipped. A move
// the rules refuse means the log and the rules disagree, which is reported
// as an error rather than skipped.
func Fold(room Room, events []eventlog.Event) (State, error) {
	r, ok := RulesFor(room.GameType)
	if !ok {
		return nil, fmt.Errorf("game: fold: unknown game type %q", room.GameType)
	}

	state := r.NewState(room)
	var last uint64
	for _, ev := range events {
		if ev.Sequence <= last {
			return nil, fmt.Errorf("game: fold room %s: sequence %d after %d", room.ID, ev.Sequence, last)
		}
		last = ev.Sequence
		if ev.Kind != eventlog.KindMove {
			continue
		}

		next, err := Apply(room, state, ev.ActorID, ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("game: fold room %s at sequence %d: %w", room.ID, ev.Sequence, err)
		}
		state = next
	}
	return state, nil
}
