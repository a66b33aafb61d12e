// Package eventlog is the append-only, per-topic ordered record of domain
// events. It is the single source of truth for message and move history;
// every other read model is a projection derivable by replaying it.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mystify/realtime/internal/topic"
)

// Kind is the event discriminator.
type Kind string

const (
	KindMessage     Kind = "message"
	KindReaction    Kind = "reaction"
	KindMove        Kind = "move"
	KindSystem      Kind = "system"
	KindTyping      Kind = "typing"
	KindReadReceipt Kind = "read-receipt"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindReaction, KindMove, KindSystem, KindTyping, KindReadReceipt:
		return true
	}
	return false
}

// Event is immutable once appended.
type Event struct {
	ID             string          `json:"id"`
	Topic          topic.Topic     `json:"topic"`
	Sequence       uint64          `json:"sequence"` // 0 for ephemeral events that are never logged
	Kind           Kind            `json:"kind"`
	ActorID        string          `json:"actor_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AppendRequest describes one append.
type AppendRequest struct {
	Topic   topic.Topic
	Kind    Kind
	ActorID string
	Payload json.RawMessage

	// IdempotencyKey makes retries safe: a second append with the same key on
	// the same topic returns the stored event instead of creating a new one.
	IdempotencyKey string

	// ExpectedSequence, when set, is the compare-and-append check: the append
	// only succeeds if the topic head still equals this value.
	ExpectedSequence *uint64
}

// AppendResult is the outcome of a successful append.
type AppendResult struct {
	Event     Event
	Duplicate bool // true when IdempotencyKey matched an existing event
}

// Store persists events. Implementations must assign sequence numbers
// atomically per topic and must never advance the head on a failed append.
type Store interface {
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)
	ReadSince(ctx context.Context, t topic.Topic, since uint64, limit int) ([]Event, error)
	Head(ctx context.Context, t topic.Topic) (uint64, error)
	Get(ctx context.Context, eventID string) (Event, error)
}

// DefaultPageSize bounds a ReadSince call when the caller passes limit <= 0.
const DefaultPageSize = 500

// Expect returns a pointer to seq, for use as AppendRequest.ExpectedSequence.
func Expect(seq uint64) *uint64 { return &seq }

// ReadAll pages through ReadSince until the topic is exhausted.
func ReadAll(ctx context.Context, s Store, t topic.Topic, since uint64) ([]Event, error) {
	var all []Event
	for {
		page, err := s.ReadSince(ctx, t, since, DefaultPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < DefaultPageSize {
			return all, nil
		}
		since = page[len(page)-1].Sequence
	}
}
