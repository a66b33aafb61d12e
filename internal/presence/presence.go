// Package presence tracks ephemeral typing state per (user, counterpart)
// pair. Entries live for a fixed TTL and are never part of the event log.
//
// "Stopped typing" is not pushed. Each typing broadcast carries expires_at
// and readers clear the indicator when it passes without a refresh; the
// stores expire entries on their own as well.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/topic"
)

// DefaultTTL is how long a typing signal stays valid without a refresh.
const DefaultTTL = 2 * time.Second

// Store holds typing entries.
type Store interface {
	// SetTyping records that user is typing to counterpart until the given
	// deadline, replacing any earlier entry.
	SetTyping(ctx context.Context, userID, counterpartID string, until time.Time) error
	// TypingUntil returns the deadline of a live entry. Expired entries are
	// reported as absent.
	TypingUntil(ctx context.Context, userID, counterpartID string) (time.Time, bool, error)
	// Clear removes the entry, if any.
	Clear(ctx context.Context, userID, counterpartID string) error
}

// Publisher delivers events that are never logged.
type Publisher interface {
	PublishEphemeral(ctx context.Context, ev eventlog.Event) error
}

// TypingPayload is the body of a typing event.
type TypingPayload struct {
	IsTyping  bool      `json:"is_typing"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Tracker is the typing indicator service.
type Tracker struct {
	store     Store
	publisher Publisher
	ttl       time.Duration
	now       func() time.Time
}

// NewTracker creates a tracker. A zero ttl selects DefaultTTL.
func NewTracker(store Store, publisher Publisher, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: store, publisher: publisher, ttl: ttl, now: time.Now}
}

// TTL returns the configured typing TTL.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// SetTyping refreshes the entry and tells the counterpart's live subscribers
// of the direct topic. A failed broadcast is logged, not returned: presence
// is lossy and the next refresh will carry the state again.
func (t *Tracker) SetTyping(ctx context.Context, userID, counterpartID string) (TypingPayload, error) {
	dm, err := topic.Direct(userID, counterpartID)
	if err != nil {
		return TypingPayload{}, fmt.Errorf("presence: set typing: %w",
			errs.Reject(errs.ReasonInvalidPayload, "%v", err))
	}

	now := t.now().UTC()
	state := TypingPayload{IsTyping: true, ExpiresAt: now.Add(t.ttl)}
	if err := t.store.SetTyping(ctx, userID, counterpartID, state.ExpiresAt); err != nil {
		return TypingPayload{}, fmt.Errorf("presence: set typing: %w", errs.Transient(err))
	}

	if t.publisher != nil {
		payload, _ := json.Marshal(state)
		ev := eventlog.Event{
			ID:        uuid.New().String(),
			Topic:     dm,
			Kind:      eventlog.KindTyping,
			ActorID:   userID,
			Payload:   payload,
			CreatedAt: now,
		}
		if err := t.publisher.PublishEphemeral(ctx, ev); err != nil {
			log.Printf("[presence] typing broadcast %s: %v", dm, err)
		}
	}
	return state, nil
}

// IsTyping reports whether userID is currently typing to counterpartID.
// Lookup errors read as false.
func (t *Tracker) IsTyping(ctx context.Context, userID, counterpartID string) bool {
	until, ok, err := t.store.TypingUntil(ctx, userID, counterpartID)
	if err != nil {
		log.Printf("[presence] typing lookup %s->%s: %v", userID, counterpartID, err)
		return false
	}
	return ok && t.now().Before(until)
}

// StopTyping clears the entry without broadcasting, as when a message is sent.
func (t *Tracker) StopTyping(ctx context.Context, userID, counterpartID string) error {
	if err := t.store.Clear(ctx, userID, counterpartID); err != nil {
		return fmt.Errorf("presence: stop typing: %w", errs.Transient(err))
	}
	return nil
}

func typingKey(userID, counterpartID string) string {
	return "typing:" + userID + ":" + counterpartID
}
