package topic

import (
	"encoding/json"
	"testing"
)

func TestDirect_OrderIndependent(t *testing.T) {
	ab, err := Direct("alice", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, err := Direct("bob", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ab != ba {
		t.Errorf("expected identical topics, got %v and %v", ab, ba)
	}
	if ab.String() != "dm:alice:bob" {
		t.Errorf("unexpected canonical form %q", ab.String())
	}
}

func TestDirect_Invalid(t *testing.T) {
	cases := []struct{ a, b string }{
		{"", "bob"},
		{"alice", ""},
		{"alice", "alice"},
		{"al:ice", "bob"},
	}
	for _, tc := range cases {
		if _, err := Direct(tc.a, tc.b); err == nil {
			t.Errorf("Direct(%q, %q): expected error", tc.a, tc.b)
		}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	for _, s := range []string{"dm:alice:bob", "group:g1", "room:r-9", "notify:bob", "leaderboard:2026-03-01"} {
		tp, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if tp.String() != s {
			t.Errorf("Parse(%q).String() = %q", s, tp.String())
		}
	}
}

func TestParse_NormalizesDirect(t *testing.T) {
	tp, err := Parse("dm:zed:amy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.String() != "dm:amy:zed" {
		t.Errorf("expected normalized direct topic, got %q", tp.String())
	}
}

func TestParse_Errors(t *testing.T) {
	for _, s := range []string{"", "room", "room:", "chan:x", "dm:solo", "group:a:b"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestCounterpart(t *testing.T) {
	tp, _ := Direct("alice", "bob")

	if got := tp.Counterpart("alice"); got != "bob" {
		t.Errorf("Counterpart(alice) = %q", got)
	}
	if got := tp.Counterpart("bob"); got != "alice" {
		t.Errorf("Counterpart(bob) = %q", got)
	}
	if got := tp.Counterpart("carol"); got != "" {
		t.Errorf("Counterpart(carol) = %q, want empty", got)
	}
	if Room("r1").Counterpart("alice") != "" {
		t.Error("room topics have no counterpart")
	}
	if !tp.IsParticipant("bob") || tp.IsParticipant("carol") {
		t.Error("IsParticipant mismatch")
	}
}

func TestSubject(t *testing.T) {
	tp, _ := Direct("u.1", "u2")
	if got := tp.Subject(); got != "topic.dm.u_1.u2" {
		t.Errorf("unexpected subject %q", got)
	}
	if got := Room("abc").Subject(); got != "topic.room.abc" {
		t.Errorf("unexpected subject %q", got)
	}
	if got := Leaderboard("2026-03-01").Subject(); got != "topic.leaderboard.2026-03-01" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestJSON(t *testing.T) {
	in := struct {
		Topic Topic `json:"topic"`
	}{Topic: Group("g7")}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"topic":"group:g7"}` {
		t.Errorf("unexpected json %s", data)
	}

	var out struct {
		Topic Topic `json:"topic"`
	}
	if err := json.Unmarshal([]byte(`{"topic":"dm:b:a"}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Topic.String() != "dm:a:b" {
		t.Errorf("unexpected topic %v", out.Topic)
	}
}
