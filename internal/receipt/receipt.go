// Package receipt tracks per-event delivery and read state and the
// per-user reactions on message events. Receipts are advisory: writes are
// idempotent, the last writer wins and nothing is broadcast.
package receipt

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/mystify/realtime/internal/errs"
)

// MaxEmojiBytes bounds a reaction value.
const MaxEmojiBytes = 32

// Receipt is the delivery and read state of one event.
type Receipt struct {
	EventID     string               `json:"event_id"`
	Delivered   bool                 `json:"delivered"`
	DeliveredAt time.Time            `json:"delivered_at,omitempty"`
	ReadBy      map[string]time.Time `json:"read_by"`
}

// Reactions is the reaction state of one event.
type Reactions struct {
	EventID string            `json:"event_id"`
	ByUser  map[string]string `json:"by_user"`
	Counts  map[string]int    `json:"counts"`
}

// Tracker records receipts and reactions.
type Tracker interface {
	MarkDelivered(ctx context.Context, eventID string) error
	// MarkRead records userID as having read each event. A read implies
	// delivery when no delivery was recorded yet.
	MarkRead(ctx context.Context, userID string, eventIDs []string) error
	Status(ctx context.Context, eventID string) (Receipt, error)
	// React toggles userID's reaction: the same emoji again removes it, a
	// different emoji replaces it. It reports whether a reaction is now set.
	React(ctx context.Context, eventID, userID, emoji string) (bool, error)
	Reactions(ctx context.Context, eventID string) (Reactions, error)
}

func validateEvent(eventID string) error {
	if eventID == "" {
		return errs.Reject(errs.ReasonInvalidPayload, "missing event id")
	}
	return nil
}

// ValidateReaction checks the arguments of a React call.
func ValidateReaction(eventID, userID, emoji string) error {
	if err := validateEvent(eventID); err != nil {
		return err
	}
	switch {
	case userID == "":
		return errs.Reject(errs.ReasonInvalidPayload, "missing user")
	case emoji == "":
		return errs.Reject(errs.ReasonInvalidPayload, "missing emoji")
	case len(emoji) > MaxEmojiBytes || !utf8.ValidString(emoji):
		return errs.Reject(errs.ReasonInvalidPayload, "invalid emoji")
	}
	return nil
}

func validateRead(userID string, eventIDs []string) error {
	if userID == "" {
		return errs.Reject(errs.ReasonInvalidPayload, "missing user")
	}
	for _, id := range eventIDs {
		if err := validateEvent(id); err != nil {
			return err
		}
	}
	return nil
}

func newReactions(eventID string, byUser map[string]string) Reactions {
	r := Reactions{EventID: eventID, ByUser: byUser, Counts: make(map[string]int, len(byUser))}
	for _, emoji := range byUser {
		r.Counts[emoji]++
	}
	return r
}

// Readers returns the ids in ReadBy in sorted order.
func (r Receipt) Readers() []string {
	out := make([]string, 0, len(r.ReadBy))
	for id := range r.ReadBy {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
