package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/game"
	"github.com/mystify/realtime/internal/topic"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid append message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Append(t *testing.T) {
	input := []byte(`{"type":"append","request_id":"r1","topic":"dm:alice:bob","kind":"message",` +
		`"payload":{"content":"hi"},"idempotency_key":"k1","expected_sequence":4}`)

	env, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeAppend {
		t.Fatalf("expected type %q, got %q", TypeAppend, env.Type)
	}
	if env.RequestID != "r1" {
		t.Errorf("expected request_id %q, got %q", "r1", env.RequestID)
	}

	am, ok := msg.(AppendMsg)
	if !ok {
		t.Fatalf("expected AppendMsg, got %T", msg)
	}
	if am.Topic != "dm:alice:bob" {
		t.Errorf("expected topic %q, got %q", "dm:alice:bob", am.Topic)
	}
	if am.Kind != eventlog.KindMessage {
		t.Errorf("expected kind %q, got %q", eventlog.KindMessage, am.Kind)
	}
	if string(am.Payload) != `{"content":"hi"}` {
		t.Errorf("unexpected payload %s", am.Payload)
	}
	if am.ExpectedSequence == nil || *am.ExpectedSequence != 4 {
		t.Errorf("expected expected_sequence 4, got %v", am.ExpectedSequence)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a subscribe message without since starts from the beginning
// ---------------------------------------------------------------------------

func TestParseClientMessage_SubscribeDefaultsSince(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"subscribe","topic":"room:r1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm := msg.(SubscribeMsg)
	if sm.Since != 0 {
		t.Errorf("expected since 0, got %d", sm.Since)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","request_id":"r9"}`)

	env, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if errors.Is(err, ErrInvalidMessage) {
		t.Error("unknown type should not be reported as an invalid message")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if env.Type != "find_match" || env.RequestID != "r9" {
		t.Errorf("expected envelope to be kept, got %+v", env)
	}
}

// ---------------------------------------------------------------------------
// Test: Missing required fields
// ---------------------------------------------------------------------------

func TestParseClientMessage_MissingFields(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"append without topic", `{"type":"append","kind":"message","payload":{}}`},
		{"append without kind", `{"type":"append","topic":"group:g1"}`},
		{"subscribe without topic", `{"type":"subscribe"}`},
		{"move without room", `{"type":"submit_move","payload":{"position":1}}`},
		{"create without game", `{"type":"create_room"}`},
		{"join without code", `{"type":"join_room","code":""}`},
		{"typing without counterpart", `{"type":"set_typing"}`},
		{"read without events", `{"type":"mark_read","event_ids":[]}`},
		{"react without emoji", `{"type":"react","topic":"dm:a:b","event_id":"e1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
			if msg != nil {
				t.Errorf("expected nil message, got %T", msg)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Wrongly typed fields are decode errors
// ---------------------------------------------------------------------------

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"subscribe","topic":"group:g1","since":"ten"}`))
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
	if errors.Is(err, ErrInvalidMessage) {
		t.Error("decode failures are not missing-field errors")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating an appended server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Appended(t *testing.T) {
	ev := eventlog.Event{
		ID:       "e1",
		Topic:    topic.Group("g1"),
		Sequence: 7,
		Kind:     eventlog.KindMessage,
		ActorID:  "alice",
		Payload:  json.RawMessage(`{"content":"hi"}`),
	}

	data, err := NewServerMessage(TypeAppended, AppendedMsg{RequestID: "r1", Event: ev})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeAppended {
		t.Errorf("expected type %q, got %v", TypeAppended, result["type"])
	}
	if result["request_id"] != "r1" {
		t.Errorf("expected request_id %q, got %v", "r1", result["request_id"])
	}
	if _, ok := result["duplicate"]; ok {
		t.Error("duplicate should be omitted when false")
	}

	event, ok := result["event"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected event object, got %T", result["event"])
	}
	if event["topic"] != "group:g1" {
		t.Errorf("expected topic %q, got %v", "group:g1", event["topic"])
	}
	if seq, _ := event["sequence"].(float64); seq != 7 {
		t.Errorf("expected sequence 7, got %v", event["sequence"])
	}
}

// ---------------------------------------------------------------------------
// Test: Room messages carry the tagged game state
// ---------------------------------------------------------------------------

func TestNewServerMessage_RoomState(t *testing.T) {
	room := game.Room{ID: "r1", Code: "ABC123", GameType: game.TicTacToe, HostID: "alice", GuestID: "bob", Status: game.StatusPlaying}
	state, err := game.Fold(room, nil)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}

	data, err := NewServerMessage(TypeRoom, RoomMsg{Room: room, State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Type  string          `json:"type"`
		Room  game.Room       `json:"room"`
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Room.Code != "ABC123" {
		t.Errorf("expected code %q, got %q", "ABC123", decoded.Room.Code)
	}
	got, err := game.UnmarshalState(decoded.State)
	if err != nil {
		t.Fatalf("state did not round-trip: %v", err)
	}
	if got.Game() != game.TicTacToe {
		t.Errorf("expected tictactoe state, got %q", got.Game())
	}
}

// ---------------------------------------------------------------------------
// Test: The type key always wins over the payload's own
// ---------------------------------------------------------------------------

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "something_else"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded PongMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypePong {
		t.Errorf("expected type %q, got %q", TypePong, decoded.Type)
	}
}

// ---------------------------------------------------------------------------
// Test: Error mapping
// ---------------------------------------------------------------------------

func TestNewErrorMsg(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantCode   string
		wantReason string
	}{
		{"rejection", fmt.Errorf("game: move: %w", errs.Reject(errs.ReasonNotYourTurn, "bob moves next")), CodeRejected, "not_your_turn"},
		{"conflict", fmt.Errorf("eventlog: append: %w", errs.ErrConflict), CodeConflict, ""},
		{"not found", errs.ErrNotFound, CodeNotFound, ""},
		{"transient", errs.Transient(errors.New("dial tcp: refused")), CodeTransient, ""},
		{"rate limited", fmt.Errorf("conversation: %w", errs.ErrRateLimited), CodeRateLimited, ""},
		{"internal", errors.New("boom"), CodeInternal, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := NewErrorMsg("r1", tc.err)
			if msg.Code != tc.wantCode {
				t.Errorf("expected code %q, got %q", tc.wantCode, msg.Code)
			}
			if msg.Reason != tc.wantReason {
				t.Errorf("expected reason %q, got %q", tc.wantReason, msg.Reason)
			}
			if msg.RequestID != "r1" {
				t.Errorf("expected request_id %q, got %q", "r1", msg.RequestID)
			}
		})
	}

	if msg := NewErrorMsg("", errors.New("pq: password authentication failed")); msg.Message != "internal error" {
		t.Errorf("internal errors must not leak detail, got %q", msg.Message)
	}
	if msg := NewErrorMsg("", errs.Reject(errs.ReasonNotYourTurn, "bob moves next")); msg.Message != "bob moves next" {
		t.Errorf("expected rejection detail, got %q", msg.Message)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"append", `{"type":"append","topic":"group:g1","kind":"message","payload":{"content":"hi"}}`, TypeAppend},
		{"subscribe", `{"type":"subscribe","topic":"group:g1","since":3}`, TypeSubscribe},
		{"unsubscribe", `{"type":"unsubscribe","topic":"group:g1"}`, TypeUnsubscribe},
		{"submit_move", `{"type":"submit_move","room_id":"r1","payload":{"position":4}}`, TypeSubmitMove},
		{"create_room", `{"type":"create_room","game_type":"bingo"}`, TypeCreateRoom},
		{"join_room", `{"type":"join_room","code":"abc123"}`, TypeJoinRoom},
		{"abandon_room", `{"type":"abandon_room","room_id":"r1"}`, TypeAbandonRoom},
		{"set_typing", `{"type":"set_typing","counterpart_id":"bob"}`, TypeSetTyping},
		{"mark_read", `{"type":"mark_read","event_ids":["e1","e2"]}`, TypeMarkRead},
		{"mark_delivered", `{"type":"mark_delivered","event_id":"e1"}`, TypeMarkDelivered},
		{"react", `{"type":"react","topic":"dm:a:b","event_id":"e1","emoji":"👍"}`, TypeReact},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Type != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, env.Type)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
