// Package topic defines the addressable fan-out scopes of the realtime core:
// direct conversations, groups, game rooms, per-user notification feeds and
// the daily leaderboard feed.
package topic

import (
	"fmt"
	"strings"
)

// Kind discriminates the topic families.
type Kind string

const (
	KindDirect Kind = "dm"
	KindGroup  Kind = "group"
	KindRoom   Kind = "room"
	KindNotify Kind = "notify"

	KindLeaderboard Kind = "leaderboard"
)

// Topic is immutable once built. For direct conversations ID holds the two
// participant ids joined by ":" in ascending order.
type Topic struct {
	Kind Kind
	ID   string
}

// Direct returns the conversation topic for the unordered pair {a, b}.
func Direct(a, b string) (Topic, error) {
	if a == "" || b == "" {
		return Topic{}, fmt.Errorf("topic: direct conversation requires two user ids")
	}
	if a == b {
		return Topic{}, fmt.Errorf("topic: direct conversation with self")
	}
	if strings.Contains(a, ":") || strings.Contains(b, ":") {
		return Topic{}, fmt.Errorf("topic: user id must not contain ':'")
	}
	if b < a {
		a, b = b, a
	}
	return Topic{Kind: KindDirect, ID: a + ":" + b}, nil
}

// Group returns the topic for a group chat.
func Group(id string) Topic { return Topic{Kind: KindGroup, ID: id} }

// Room returns the topic for a game room.
func Room(id string) Topic { return Topic{Kind: KindRoom, ID: id} }

// Notify returns the personal notification topic of a user.
func Notify(userID string) Topic { return Topic{Kind: KindNotify, ID: userID} }

// Leaderboard returns the update feed of one leaderboard day (YYYY-MM-DD).
func Leaderboard(day string) Topic { return Topic{Kind: KindLeaderboard, ID: day} }

// String renders the canonical form, e.g. "dm:alice:bob" or "room:42".
func (t Topic) String() string {
	return string(t.Kind) + ":" + t.ID
}

// IsZero reports whether t is the zero Topic.
func (t Topic) IsZero() bool { return t.Kind == "" && t.ID == "" }

// Participants returns both user ids of a direct topic, ascending.
func (t Topic) Participants() (string, string, bool) {
	if t.Kind != KindDirect {
		return "", "", false
	}
	a, b, ok := strings.Cut(t.ID, ":")
	return a, b, ok
}

// IsParticipant reports whether userID is one side of a direct topic.
func (t Topic) IsParticipant(userID string) bool {
	a, b, ok := t.Participants()
	return ok && (userID == a || userID == b)
}

// Counterpart returns the other participant of a direct topic, or "" when
// userID is not a participant.
func (t Topic) Counterpart(userID string) string {
	a, b, ok := t.Participants()
	switch {
	case !ok:
		return ""
	case userID == a:
		return b
	case userID == b:
		return a
	}
	return ""
}

// Subject returns the broker subject for the topic. NATS uses "." as token
// separator, so ':' becomes '.', and '.' or whitespace inside ids becomes '_'.
func (t Topic) Subject() string {
	id := strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '*', '>':
			return '_'
		case ':':
			return '.'
		}
		return r
	}, t.ID)
	return "topic." + string(t.Kind) + "." + id
}

// Parse is the inverse of String. Direct ids are re-normalized.
func Parse(s string) (Topic, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Topic{}, fmt.Errorf("topic: malformed topic %q", s)
	}

	switch Kind(kind) {
	case KindDirect:
		a, b, ok := strings.Cut(id, ":")
		if !ok {
			return Topic{}, fmt.Errorf("topic: malformed direct topic %q", s)
		}
		return Direct(a, b)
	case KindGroup, KindRoom, KindNotify, KindLeaderboard:
		if strings.Contains(id, ":") {
			return Topic{}, fmt.Errorf("topic: id must not contain ':' in %q", s)
		}
		return Topic{Kind: Kind(kind), ID: id}, nil
	default:
		return Topic{}, fmt.Errorf("topic: unknown kind %q", kind)
	}
}

// MarshalText implements encoding.TextMarshaler so topics serialize as
// their canonical string.
func (t Topic) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Topic) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
