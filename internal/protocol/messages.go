// Package protocol defines the WebSocket message types exchanged between
// clients and the realtime core. All messages are JSON objects with a "type"
// discriminator and an optional client-chosen "request_id" that the server
// echoes on the direct response.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/game"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAppend        = "append"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeSubmitMove    = "submit_move"
	TypeCreateRoom    = "create_room"
	TypeJoinRoom      = "join_room"
	TypeAbandonRoom   = "abandon_room"
	TypeSetTyping     = "set_typing"
	TypeMarkRead      = "mark_read"
	TypeMarkDelivered = "mark_delivered"
	TypeReact         = "react"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeSubscribed     = "subscribed"
	TypeEvent          = "event"
	TypeAppended       = "appended"
	TypeMoveRejected   = "move_rejected"
	TypeRoom           = "room"
	TypeAck            = "ack"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg. The first five mirror errs.Code.
const (
	CodeConflict        = "conflict"
	CodeNotFound        = "not_found"
	CodeRejected        = "rejected"
	CodeTransient       = "transient"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
	CodeInvalidMessage  = "invalid_message"
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeSlowConsumer    = "slow_consumer" // resubscribe from the last seen sequence
)

// ErrInvalidMessage is returned by ParseClientMessage when a well-formed
// message is missing a required field.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type, the request id and the raw JSON for
// deferred parsing into a concrete struct.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the type and
// request id, so the rest can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.RequestID = partial.RequestID
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AppendMsg appends a message, reaction or system event to a topic.
type AppendMsg struct {
	Type             string          `json:"type"`
	RequestID        string          `json:"request_id,omitempty"`
	Topic            string          `json:"topic"`
	Kind             eventlog.Kind   `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	ExpectedSequence *uint64         `json:"expected_sequence,omitempty"`
}

// SubscribeMsg opens a live subscription that first replays events after
// Since.
type SubscribeMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Topic     string `json:"topic"`
	Since     uint64 `json:"since"`
}

// UnsubscribeMsg closes a subscription.
type UnsubscribeMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Topic     string `json:"topic"`
}

// SubmitMoveMsg submits one game move.
type SubmitMoveMsg struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	RoomID         string          `json:"room_id"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CreateRoomMsg creates a room hosted by the caller.
type CreateRoomMsg struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	GameType  game.GameType `json:"game_type"`
}

// JoinRoomMsg joins a waiting room by its short code.
type JoinRoomMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
}

// AbandonRoomMsg leaves a room, forfeiting if it is in play.
type AbandonRoomMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	RoomID    string `json:"room_id"`
}

// SetTypingMsg signals that the caller is typing to CounterpartID.
type SetTypingMsg struct {
	Type          string `json:"type"`
	RequestID     string `json:"request_id,omitempty"`
	CounterpartID string `json:"counterpart_id"`
}

// MarkReadMsg records the caller as having read the events.
type MarkReadMsg struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id,omitempty"`
	EventIDs  []string `json:"event_ids"`
}

// MarkDeliveredMsg records delivery of an event.
type MarkDeliveredMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	EventID   string `json:"event_id"`
}

// ReactMsg toggles the caller's reaction on a message.
type ReactMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Topic     string `json:"topic"`
	EventID   string `json:"event_id"`
	Emoji     string `json:"emoji"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the connection is registered.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribedMsg confirms a subscription. Head is the topic head when the
// subscription was opened; replayed events up to it follow as EventMsg.
type SubscribedMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Topic     string `json:"topic"`
	Head      uint64 `json:"head"`
}

// EventMsg delivers one event from a subscription.
type EventMsg struct {
	Type  string         `json:"type"`
	Event eventlog.Event `json:"event"`
}

// AppendedMsg confirms an append.
type AppendedMsg struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Event     eventlog.Event `json:"event"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

// MoveRejectedMsg reports an authoritative move rejection.
type MoveRejectedMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	RoomID    string `json:"room_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
}

// RoomMsg carries a room and, where known, its folded state.
type RoomMsg struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Room      game.Room       `json:"room"`
	State     game.State      `json:"state,omitempty"`
	Event     *eventlog.Event `json:"event,omitempty"`
	GameOver  *eventlog.Event `json:"game_over,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// AckMsg confirms a request that has no other response body.
type AckMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Message   string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the envelope, the decoded struct and any error. Unknown types
// return an error with the type still set on the envelope; missing required
// fields return an error wrapping ErrInvalidMessage.
func ParseClientMessage(data []byte) (Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg     interface{}
		err     error
		missing string
	)

	switch env.Type {
	case TypeAppend:
		var m AppendMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("topic", m.Topic, "kind", string(m.Kind))
		msg = m
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("topic", m.Topic)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("topic", m.Topic)
		msg = m
	case TypeSubmitMove:
		var m SubmitMoveMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("room_id", m.RoomID)
		msg = m
	case TypeCreateRoom:
		var m CreateRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("game_type", string(m.GameType))
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("code", m.Code)
		msg = m
	case TypeAbandonRoom:
		var m AbandonRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("room_id", m.RoomID)
		msg = m
	case TypeSetTyping:
		var m SetTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("counterpart_id", m.CounterpartID)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		if len(m.EventIDs) == 0 {
			missing = "event_ids"
		}
		msg = m
	case TypeMarkDelivered:
		var m MarkDeliveredMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("event_id", m.EventID)
		msg = m
	case TypeReact:
		var m ReactMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("topic", m.Topic, "event_id", m.EventID, "emoji", m.Emoji)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if missing != "" {
		return env, nil, fmt.Errorf("%w: %q requires %s", ErrInvalidMessage, env.Type, missing)
	}
	return env, msg, nil
}

// firstEmpty takes name/value pairs and returns the first name whose value
// is empty.
func firstEmpty(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return pairs[i]
		}
	}
	return ""
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"], _ = json.Marshal(msgType)

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMsg maps err to an ErrorMsg with a stable code and, for
// rejections, the rejection reason.
func NewErrorMsg(requestID string, err error) ErrorMsg {
	msg := ErrorMsg{RequestID: requestID, Code: errs.Code(err), Message: err.Error()}
	if rej, ok := errs.AsRejection(err); ok {
		msg.Reason = string(rej.Reason)
		msg.Message = rej.Detail
	}
	if msg.Code == CodeInternal {
		msg.Message = "internal error"
	}
	return msg
}
