package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mystify/realtime/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage. A returned error is sent
// back to the client as an error message carrying the request id.
type MessageHandler func(ctx context.Context, conn *Connection, env protocol.Envelope, msg interface{}) error

// DefaultRequestTimeout bounds one handler call.
const DefaultRequestTimeout = 10 * time.Second

// MessageDispatcher routes incoming messages to registered handlers by type.
// Ping is answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	timeout  time.Duration
}

// NewMessageDispatcher creates an empty dispatcher. A zero timeout selects
// DefaultRequestTimeout.
func NewMessageDispatcher(timeout time.Duration) *MessageDispatcher {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &MessageDispatcher{handlers: make(map[string]MessageHandler), timeout: timeout}
}

// Register associates a handler with a message type, replacing any earlier
// registration.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	env, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrInvalidMessage):
			d.sendError(conn, env.RequestID, protocol.CodeInvalidMessage, err.Error())
		case env.Type != "":
			log.Printf("ws: unsupported message type=%q conn=%s", env.Type, conn.ID)
			d.sendError(conn, env.RequestID, protocol.CodeUnsupportedType, "unsupported message type")
		default:
			log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
			d.sendError(conn, env.RequestID, protocol.CodeParseError, "invalid message format")
		}
		return
	}

	if env.Type == protocol.TypePing {
		d.sendPong(conn, env.RequestID)
		return
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		log.Printf("ws: no handler for type=%q conn=%s", env.Type, conn.ID)
		d.sendError(conn, env.RequestID, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(conn.Context(), d.timeout)
	defer cancel()
	if err := handler(ctx, conn, env, msg); err != nil {
		reply := protocol.NewErrorMsg(env.RequestID, err)
		if reply.Code == protocol.CodeInternal || reply.Code == protocol.CodeTransient {
			log.Printf("ws: %s failed conn=%s user=%s: %v", env.Type, conn.ID, conn.UserID, err)
		}
		if err := conn.Send(protocol.TypeError, reply); err != nil {
			log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
		}
	}
}

func (d *MessageDispatcher) sendError(conn *Connection, requestID, code, message string) {
	err := conn.Send(protocol.TypeError, protocol.ErrorMsg{
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
	if err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping and counts it as activity.
func (d *MessageDispatcher) sendPong(conn *Connection, requestID string) {
	conn.Seen()
	if err := conn.Send(protocol.TypePong, protocol.PongMsg{RequestID: requestID}); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}
