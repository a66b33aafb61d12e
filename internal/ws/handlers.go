package ws

import (
	"context"
	"errors"
	"log"

	"github.com/mystify/realtime/internal/conversation"
	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/fanout"
	"github.com/mystify/realtime/internal/game"
	"github.com/mystify/realtime/internal/protocol"
	"github.com/mystify/realtime/internal/ratelimit"
	"github.com/mystify/realtime/internal/topic"
)

// Handlers maps the client protocol onto the core services.
type Handlers struct {
	Conversations *conversation.Service
	Games         *game.Coordinator
	Router        *fanout.Router
	Log           eventlog.Store
	Limiter       ratelimit.Checker
}

// Register installs a handler for every client message type.
func (h *Handlers) Register(d *MessageDispatcher) {
	if h.Limiter == nil {
		h.Limiter = ratelimit.Noop{}
	}
	d.Register(protocol.TypeAppend, h.handleAppend)
	d.Register(protocol.TypeSubscribe, h.handleSubscribe)
	d.Register(protocol.TypeUnsubscribe, h.handleUnsubscribe)
	d.Register(protocol.TypeSubmitMove, h.handleSubmitMove)
	d.Register(protocol.TypeCreateRoom, h.handleCreateRoom)
	d.Register(protocol.TypeJoinRoom, h.handleJoinRoom)
	d.Register(protocol.TypeAbandonRoom, h.handleAbandonRoom)
	d.Register(protocol.TypeSetTyping, h.handleSetTyping)
	d.Register(protocol.TypeMarkRead, h.handleMarkRead)
	d.Register(protocol.TypeMarkDelivered, h.handleMarkDelivered)
	d.Register(protocol.TypeReact, h.handleReact)
}

// OnDisconnect drops every subscription of a closed connection.
func (h *Handlers) OnDisconnect(c *Connection) {
	h.Router.UnsubscribeAll(c.ID)
}

func parseTopic(s string) (topic.Topic, error) {
	t, err := topic.Parse(s)
	if err != nil {
		return topic.Topic{}, errs.Reject(errs.ReasonInvalidPayload, "%v", err)
	}
	return t, nil
}

func (h *Handlers) handleAppend(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	m := msg.(protocol.AppendMsg)
	t, err := parseTopic(m.Topic)
	if err != nil {
		return err
	}
	res, err := h.Conversations.Append(ctx, conversation.AppendRequest{
		Topic:            t,
		Kind:             m.Kind,
		ActorID:          c.UserID,
		Payload:          m.Payload,
		IdempotencyKey:   m.IdempotencyKey,
		ExpectedSequence: m.ExpectedSequence,
	})
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeAppended, protocol.AppendedMsg{
		RequestID: env.RequestID,
		Event:     res.Event,
		Duplicate: res.Duplicate,
	})
}

func (h *Handlers) handleSubscribe(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	m := msg.(protocol.SubscribeMsg)
	t, err := parseTopic(m.Topic)
	if err != nil {
		return err
	}
	if err := h.Conversations.CanRead(ctx, c.UserID, t); err != nil {
		return err
	}
	head, err := h.Log.Head(ctx, t)
	if err != nil {
		return err
	}

	// Bound to the connection, not to this request.
	sub, err := h.Router.Subscribe(c.Context(), c.ID, t, m.Since)
	if err != nil {
		return err
	}
	if err := c.Send(protocol.TypeSubscribed, protocol.SubscribedMsg{
		RequestID: env.RequestID,
		Topic:     t.String(),
		Head:      head,
	}); err != nil {
		h.Router.Unsubscribe(c.ID, t)
		return err
	}
	go h.forward(c, sub)
	return nil
}

// forward pumps one subscription to the socket until it ends. A slow
// consumer is told to resubscribe.
func (h *Handlers) forward(c *Connection, sub *fanout.Subscription) {
	broken := false
	for ev := range sub.C() {
		if broken {
			continue
		}
		if err := c.Send(protocol.TypeEvent, protocol.EventMsg{Event: ev}); err != nil {
			log.Printf("ws: forward %s conn=%s: %v", sub.Topic(), c.ID, err)
			broken = true
		}
	}
	if broken || !errors.Is(sub.Err(), fanout.ErrSlowConsumer) {
		return
	}
	if err := c.Send(protocol.TypeError, protocol.ErrorMsg{
		Code:    protocol.CodeSlowConsumer,
		Topic:   sub.Topic().String(),
		Message: "subscription dropped, resubscribe from the last seen sequence",
	}); err != nil {
		log.Printf("ws: slow consumer notice conn=%s: %v", c.ID, err)
	}
}

func (h *Handlers) handleUnsubscribe(_ context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	t, err := parseTopic(msg.(protocol.UnsubscribeMsg).Topic)
	if err != nil {
		return err
	}
	h.Router.Unsubscribe(c.ID, t)
	return c.Send(protocol.TypeAck, protocol.AckMsg{RequestID: env.RequestID})
}

func (h *Handlers) handleSubmitMove(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	m := msg.(protocol.SubmitMoveMsg)
	if err := h.allow(ctx, c.UserID, ratelimit.RuleMove); err != nil {
		return err
	}
	res, err := h.Games.SubmitMove(ctx, game.MoveRequest{
		RoomID:         m.RoomID,
		PlayerID:       c.UserID,
		Payload:        m.Payload,
		IdempotencyKey: m.IdempotencyKey,
	})
	if rej, ok := errs.AsRejection(err); ok {
		return c.Send(protocol.TypeMoveRejected, protocol.MoveRejectedMsg{
			RequestID: env.RequestID,
			RoomID:    m.RoomID,
			Reason:    string(rej.Reason),
			Message:   rej.Detail,
		})
	}
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeRoom, protocol.RoomMsg{
		RequestID: env.RequestID,
		Room:      res.Room,
		State:     res.State,
		Event:     &res.Event,
		GameOver:  res.GameOver,
		Duplicate: res.Duplicate,
	})
}

func (h *Handlers) handleCreateRoom(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	room, err := h.Games.CreateRoom(ctx, c.UserID, msg.(protocol.CreateRoomMsg).GameType)
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeRoom, protocol.RoomMsg{RequestID: env.RequestID, Room: room})
}

func (h *Handlers) handleJoinRoom(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	room, err := h.Games.JoinRoom(ctx, msg.(protocol.JoinRoomMsg).Code, c.UserID)
	if err != nil {
		return err
	}
	reply := protocol.RoomMsg{RequestID: env.RequestID, Room: room}
	if _, state, _, err := h.Games.State(ctx, room.ID); err == nil {
		reply.State = state
	} else {
		log.Printf("ws: fold room %s after join: %v", room.ID, err)
	}
	return c.Send(protocol.TypeRoom, reply)
}

func (h *Handlers) handleAbandonRoom(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	room, err := h.Games.Abandon(ctx, msg.(protocol.AbandonRoomMsg).RoomID, c.UserID)
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeRoom, protocol.RoomMsg{RequestID: env.RequestID, Room: room})
}

func (h *Handlers) handleSetTyping(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	if _, err := h.Conversations.SetTyping(ctx, c.UserID, msg.(protocol.SetTypingMsg).CounterpartID); err != nil {
		return err
	}
	return c.Send(protocol.TypeAck, protocol.AckMsg{RequestID: env.RequestID})
}

func (h *Handlers) handleMarkRead(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	if err := h.Conversations.MarkRead(ctx, c.UserID, msg.(protocol.MarkReadMsg).EventIDs); err != nil {
		return err
	}
	return c.Send(protocol.TypeAck, protocol.AckMsg{RequestID: env.RequestID})
}

func (h *Handlers) handleMarkDelivered(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	if err := h.Conversations.MarkDelivered(ctx, msg.(protocol.MarkDeliveredMsg).EventID); err != nil {
		return err
	}
	return c.Send(protocol.TypeAck, protocol.AckMsg{RequestID: env.RequestID})
}

func (h *Handlers) handleReact(ctx context.Context, c *Connection, env protocol.Envelope, msg interface{}) error {
	m := msg.(protocol.ReactMsg)
	t, err := parseTopic(m.Topic)
	if err != nil {
		return err
	}
	res, err := h.Conversations.React(ctx, t, c.UserID, m.EventID, m.Emoji)
	if err != nil {
		return err
	}
	return c.Send(protocol.TypeAppended, protocol.AppendedMsg{
		RequestID: env.RequestID,
		Event:     res.Event,
		Duplicate: res.Duplicate,
	})
}

func (h *Handlers) allow(ctx context.Context, userID string, rule ratelimit.Rule) error {
	ok, err := h.Limiter.Allow(ctx, userID, rule)
	if err != nil {
		log.Printf("ws: rate limit %s%s: %v", rule.Key, userID, err)
	}
	if !ok {
		return errs.ErrRateLimited
	}
	return nil
}
