package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mystify/realtime/internal/errs"
)

const (
	MaxContentBytes = 8192 // 2000 four-byte runes plus slack
	MaxContentChars = 2000
	MaxImageURL     = 2048
	PreviewChars    = 50
)

// MessagePayload is the body of a message event. ImageURL is stored as an
// opaque string; the service never fetches it.
type MessagePayload struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

// ReactionPayload is the body of a reaction event, a toggle of Emoji by the
// actor on EventID.
type ReactionPayload struct {
	EventID string `json:"event_id"`
	Emoji   string `json:"emoji"`
}

// NotificationPayload is appended to a user's notify topic.
type NotificationPayload struct {
	Event    string `json:"event"` // always "notification"
	Type     string `json:"type"`  // "message"
	ActorID  string `json:"actor_id"`
	Topic    string `json:"topic"`
	Sequence uint64 `json:"sequence"`
	Preview  string `json:"preview"`
}

// Group roster events, appended as system events on the group topic.
const (
	GroupCreated       = "group_created"
	GroupMembersAdded  = "members_added"
	GroupMemberRemoved = "member_removed"
	GroupMemberLeft    = "member_left"
	GroupDeleted       = "group_deleted"
)

// GroupEventPayload is the body of a group roster event.
type GroupEventPayload struct {
	Event   string   `json:"event"`
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	UserIDs []string `json:"user_ids,omitempty"`
}

// ValidateMessage checks that message content meets length and encoding
// requirements. Empty content is allowed only alongside an image.
func ValidateMessage(m MessagePayload) error {
	if !utf8.ValidString(m.Content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if len(m.Content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(m.Content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if strings.TrimSpace(m.Content) == "" && m.ImageURL == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(m.ImageURL) > MaxImageURL {
		return fmt.Errorf("image url exceeds %d bytes", MaxImageURL)
	}
	return nil
}

// Preview returns the first PreviewChars runes of the trimmed content, or
// a placeholder for image-only messages.
func Preview(m MessagePayload) string {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return "[image]"
	}
	if utf8.RuneCountInString(content) <= PreviewChars {
		return content
	}
	return string([]rune(content)[:PreviewChars])
}

func decodeStrict(data json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errs.Reject(errs.ReasonInvalidPayload, "missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Reject(errs.ReasonInvalidPayload, "decode payload: %v", err)
	}
	return nil
}

// validSystemPayload accepts any non-empty JSON object.
func validSystemPayload(data json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(data, &obj) == nil && len(obj) > 0
}
