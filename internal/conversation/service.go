// Package conversation is the application service behind the client wire
// contract for conversations: it validates and moderates appends, enforces
// who may write to which topic, derives notifications and forwards typing
// and receipt calls to their trackers.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/group"
	"github.com/mystify/realtime/internal/metrics"
	"github.com/mystify/realtime/internal/moderation"
	"github.com/mystify/realtime/internal/presence"
	"github.com/mystify/realtime/internal/ratelimit"
	"github.com/mystify/realtime/internal/receipt"
	"github.com/mystify/realtime/internal/topic"
)

const (
	notificationEvent   = "notification"
	notificationMessage = "message"
	systemActor         = "system"
)

// Publisher pushes appended events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev eventlog.Event) error
}

// Blocks answers whether two users have blocked each other.
type Blocks interface {
	Blocked(ctx context.Context, a, b string) (bool, error)
}

// Config tunes the service.
type Config struct {
	Backoff errs.Backoff // retry policy for keyed appends
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Backoff: errs.DefaultBackoff()}
}

// Deps are the collaborators of a Service. Log is required; any other nil
// field disables the feature it backs.
type Deps struct {
	Log       eventlog.Store
	Publisher Publisher
	Typing    *presence.Tracker
	Receipts  receipt.Tracker
	Filter    *moderation.Filter
	Limiter   ratelimit.Checker
	Blocks    Blocks
	Groups    group.Store // nil leaves group topics open to everyone
}

// AppendRequest is a client append.
type AppendRequest struct {
	Topic            topic.Topic
	Kind             eventlog.Kind
	ActorID          string
	Payload          json.RawMessage
	IdempotencyKey   string
	ExpectedSequence *uint64
}

// Service implements the conversation operations.
type Service struct {
	deps   Deps
	config Config
}

// NewService wires a service.
func NewService(deps Deps, config Config) *Service {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Noop{}
	}
	if config.Backoff.Attempts <= 0 {
		config.Backoff = errs.DefaultBackoff()
	}
	return &Service{deps: deps, config: config}
}

// CanRead reports whether userID may read or subscribe to t. Direct topics
// are visible to their participants, notify topics to their owner and group
// topics to their members.
func (s *Service) CanRead(ctx context.Context, userID string, t topic.Topic) error {
	if userID == "" {
		return errs.Reject(errs.ReasonNotParticipant, "missing user")
	}
	switch t.Kind {
	case topic.KindDirect:
		if !t.IsParticipant(userID) {
			return errs.Reject(errs.ReasonNotParticipant, "%s is not part of %s", userID, t)
		}
	case topic.KindNotify:
		if t.ID != userID {
			return errs.Reject(errs.ReasonNotParticipant, "%s cannot read %s", userID, t)
		}
	case topic.KindGroup:
		return s.checkMember(ctx, t.ID, userID)
	}
	return nil
}

// History returns up to limit events after since, subject to CanRead.
func (s *Service) History(ctx context.Context, userID string, t topic.Topic, since uint64, limit int) ([]eventlog.Event, error) {
	if err := s.CanRead(ctx, userID, t); err != nil {
		return nil, err
	}
	return s.deps.Log.ReadSince(ctx, t, since, limit)
}

// Append validates and records a client event. Messages on a direct topic
// also notify the recipient and clear the sender's typing indicator.
func (s *Service) Append(ctx context.Context, req AppendRequest) (eventlog.AppendResult, error) {
	if err := s.authorizeWrite(ctx, req); err != nil {
		return eventlog.AppendResult{}, err
	}
	if err := s.allow(ctx, req.ActorID, ratelimit.RuleAppend); err != nil {
		return eventlog.AppendResult{}, err
	}

	var msg MessagePayload
	switch req.Kind {
	case eventlog.KindMessage:
		if err := decodeStrict(req.Payload, &msg); err != nil {
			return eventlog.AppendResult{}, err
		}
		if err := ValidateMessage(msg); err != nil {
			return eventlog.AppendResult{}, errs.Reject(errs.ReasonInvalidPayload, "%v", err)
		}
		if err := s.screen(msg.Content); err != nil {
			return eventlog.AppendResult{}, err
		}
		req.Payload, _ = json.Marshal(msg)
	case eventlog.KindReaction:
		var p ReactionPayload
		if err := decodeStrict(req.Payload, &p); err != nil {
			return eventlog.AppendResult{}, err
		}
		return s.react(ctx, req, p.EventID, p.Emoji)
	case eventlog.KindSystem:
		if !validSystemPayload(req.Payload) {
			return eventlog.AppendResult{}, errs.Reject(errs.ReasonInvalidPayload, "system payload must be a JSON object")
		}
	}

	res, err := s.record(ctx, req)
	if err != nil || res.Duplicate {
		return res, err
	}

	if req.Kind == eventlog.KindMessage && req.Topic.Kind == topic.KindDirect {
		recipient := req.Topic.Counterpart(req.ActorID)
		if s.deps.Typing != nil {
			if err := s.deps.Typing.StopTyping(ctx, req.ActorID, recipient); err != nil {
				log.Printf("[conversation] clear typing %s->%s: %v", req.ActorID, recipient, err)
			}
		}
		s.notify(ctx, recipient, res.Event, msg)
	}
	return res, nil
}

// React records a reaction toggle on a message as an immutable reaction event
// on the message's topic: the same emoji again removes it, a different one
// replaces it.
func (s *Service) React(ctx context.Context, t topic.Topic, userID, eventID, emoji string) (eventlog.AppendResult, error) {
	req := AppendRequest{Topic: t, Kind: eventlog.KindReaction, ActorID: userID}
	if err := s.authorizeWrite(ctx, req); err != nil {
		return eventlog.AppendResult{}, err
	}
	if err := s.allow(ctx, userID, ratelimit.RuleAppend); err != nil {
		return eventlog.AppendResult{}, err
	}
	return s.react(ctx, req, eventID, emoji)
}

func (s *Service) react(ctx context.Context, req AppendRequest, eventID, emoji string) (eventlog.AppendResult, error) {
	if s.deps.Receipts == nil {
		return eventlog.AppendResult{}, errs.Reject(errs.ReasonInvalidPayload, "reactions are disabled")
	}
	if err := receipt.ValidateReaction(eventID, req.ActorID, emoji); err != nil {
		return eventlog.AppendResult{}, err
	}
	target, err := s.deps.Log.Get(ctx, eventID)
	if err != nil {
		return eventlog.AppendResult{}, err
	}
	if target.Topic != req.Topic || target.Kind != eventlog.KindMessage {
		return eventlog.AppendResult{}, errs.Reject(errs.ReasonInvalidPayload, "event %s is not a message on %s", eventID, req.Topic)
	}

	req.Kind = eventlog.KindReaction
	req.Payload, _ = json.Marshal(ReactionPayload{EventID: eventID, Emoji: emoji})
	res, err := s.record(ctx, req)
	if err != nil || res.Duplicate {
		return res, err
	}
	// The logged toggle is authoritative; the tracker is its projection.
	if _, err := s.deps.Receipts.React(ctx, eventID, req.ActorID, emoji); err != nil {
		log.Printf("[conversation] project reaction %s on %s: %v", req.ActorID, eventID, err)
	}
	return res, nil
}

// Reactions returns the reaction state of a message.
func (s *Service) Reactions(ctx context.Context, eventID string) (receipt.Reactions, error) {
	if s.deps.Receipts == nil {
		return receipt.Reactions{}, errs.Reject(errs.ReasonInvalidPayload, "reactions are disabled")
	}
	return s.deps.Receipts.Reactions(ctx, eventID)
}

// SetTyping broadcasts that userID is typing to counterpartID.
func (s *Service) SetTyping(ctx context.Context, userID, counterpartID string) (presence.TypingPayload, error) {
	if s.deps.Typing == nil {
		return presence.TypingPayload{}, errs.Reject(errs.ReasonInvalidPayload, "typing is disabled")
	}
	if err := s.allow(ctx, userID, ratelimit.RuleTyping); err != nil {
		return presence.TypingPayload{}, err
	}
	if err := s.checkBlocked(ctx, userID, counterpartID); err != nil {
		return presence.TypingPayload{}, err
	}
	return s.deps.Typing.SetTyping(ctx, userID, counterpartID)
}

// MarkDelivered records delivery of an event. No notification is sent.
func (s *Service) MarkDelivered(ctx context.Context, eventID string) error {
	if s.deps.Receipts == nil {
		return nil
	}
	return s.deps.Receipts.MarkDelivered(ctx, eventID)
}

// MarkRead records that userID read the events. No notification is sent.
func (s *Service) MarkRead(ctx context.Context, userID string, eventIDs []string) error {
	if s.deps.Receipts == nil {
		return nil
	}
	return s.deps.Receipts.MarkRead(ctx, userID, eventIDs)
}

// Receipt returns the delivery and read state of an event.
func (s *Service) Receipt(ctx context.Context, eventID string) (receipt.Receipt, error) {
	if s.deps.Receipts == nil {
		return receipt.Receipt{EventID: eventID}, nil
	}
	return s.deps.Receipts.Status(ctx, eventID)
}

func (s *Service) authorizeWrite(ctx context.Context, req AppendRequest) error {
	if req.ActorID == "" {
		return errs.Reject(errs.ReasonInvalidPayload, "missing actor")
	}
	if req.Topic.IsZero() {
		return errs.Reject(errs.ReasonInvalidPayload, "missing topic")
	}
	switch req.Kind {
	case eventlog.KindMessage, eventlog.KindReaction, eventlog.KindSystem:
	default:
		return errs.Reject(errs.ReasonInvalidPayload, "kind %q cannot be appended directly", req.Kind)
	}

	switch req.Topic.Kind {
	case topic.KindDirect:
		if !req.Topic.IsParticipant(req.ActorID) {
			return errs.Reject(errs.ReasonNotParticipant, "%s is not part of %s", req.ActorID, req.Topic)
		}
		return s.checkBlocked(ctx, req.ActorID, req.Topic.Counterpart(req.ActorID))
	case topic.KindNotify, topic.KindLeaderboard:
		return errs.Reject(errs.ReasonNotParticipant, "%s topics are written by the service", req.Topic.Kind)
	case topic.KindGroup:
		if req.Kind == eventlog.KindSystem {
			return errs.Reject(errs.ReasonNotParticipant, "group system events are written by the service")
		}
		return s.checkMember(ctx, req.Topic.ID, req.ActorID)
	case topic.KindRoom:
		if req.Kind == eventlog.KindSystem {
			return errs.Reject(errs.ReasonNotParticipant, "room system events are written by the coordinator")
		}
	}
	return nil
}

func (s *Service) checkBlocked(ctx context.Context, a, b string) error {
	if s.deps.Blocks == nil {
		return nil
	}
	blocked, err := s.deps.Blocks.Blocked(ctx, a, b)
	if err != nil {
		return fmt.Errorf("conversation: block lookup: %w", err)
	}
	if blocked {
		return errs.Reject(errs.ReasonBlockedUser, "%s and %s have blocked each other", a, b)
	}
	return nil
}

func (s *Service) allow(ctx context.Context, userID string, rule ratelimit.Rule) error {
	ok, err := s.deps.Limiter.Allow(ctx, userID, rule)
	if err != nil {
		log.Printf("[conversation] rate limit %s%s: %v", rule.Key, userID, err)
	}
	if !ok {
		return fmt.Errorf("conversation: %s over %d per %s: %w", userID, rule.Limit, rule.Window, errs.ErrRateLimited)
	}
	return nil
}

func (s *Service) screen(content string) error {
	if s.deps.Filter == nil || content == "" {
		return nil
	}
	if result := s.deps.Filter.Check(content); result.Blocked {
		metrics.MessagesBlocked.Inc()
		return errs.Reject(errs.ReasonBlockedContent, "%s: %s", result.Reason, result.Term)
	}
	return nil
}

// record appends and publishes. Keyed appends retry transient failures;
// the idempotency key makes the retry safe.
func (s *Service) record(ctx context.Context, req AppendRequest) (eventlog.AppendResult, error) {
	appendOnce := func() (eventlog.AppendResult, error) {
		return s.deps.Log.Append(ctx, eventlog.AppendRequest{
			Topic:            req.Topic,
			Kind:             req.Kind,
			ActorID:          req.ActorID,
			Payload:          req.Payload,
			IdempotencyKey:   req.IdempotencyKey,
			ExpectedSequence: req.ExpectedSequence,
		})
	}

	var (
		res eventlog.AppendResult
		err error
	)
	if req.IdempotencyKey == "" {
		res, err = appendOnce()
	} else {
		err = errs.Retry(ctx, s.config.Backoff, func() error {
			res, err = appendOnce()
			return err
		})
	}
	if err != nil {
		return eventlog.AppendResult{}, fmt.Errorf("conversation: append to %s: %w", req.Topic, err)
	}
	if !res.Duplicate {
		s.publish(ctx, res.Event)
	}
	return res, nil
}

// notify appends a cross-topic notification to the recipient. The message
// is already durable, so failures here are logged only.
func (s *Service) notify(ctx context.Context, recipient string, ev eventlog.Event, msg MessagePayload) {
	payload, err := json.Marshal(NotificationPayload{
		Event:    notificationEvent,
		Type:     notificationMessage,
		ActorID:  ev.ActorID,
		Topic:    ev.Topic.String(),
		Sequence: ev.Sequence,
		Preview:  Preview(msg),
	})
	if err != nil {
		log.Printf("[conversation] encode notification: %v", err)
		return
	}
	res, err := s.deps.Log.Append(ctx, eventlog.AppendRequest{
		Topic:          topic.Notify(recipient),
		Kind:           eventlog.KindSystem,
		ActorID:        systemActor,
		Payload:        payload,
		IdempotencyKey: "notify:" + ev.ID,
	})
	if err != nil {
		log.Printf("[conversation] notify %s of %s seq=%d: %v", recipient, ev.Topic, ev.Sequence, err)
		return
	}
	if !res.Duplicate {
		s.publish(ctx, res.Event)
	}
}

func (s *Service) publish(ctx context.Context, ev eventlog.Event) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		log.Printf("[conversation] publish %s seq=%d: %v", ev.Topic, ev.Sequence, err)
	}
}
