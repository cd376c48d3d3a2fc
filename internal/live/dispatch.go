package live

import (
	"fmt"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/protocol"
)

// frameHandler handles one parsed server message. msg is the concrete struct
// returned by protocol.ParseServerMessage.
type frameHandler func(conn *connection, msg interface{})

func (c *Channel) registerHandlers() {
	c.handlers = map[string]frameHandler{
		protocol.TypeJoined:     c.handleJoined,
		protocol.TypeNewMessage: c.handleNewMessage,
		protocol.TypeError:      c.handleError,
	}
}

// dispatch routes a parsed frame to its handler.
func (c *Channel) dispatch(conn *connection, msgType string, msg interface{}) {
	handler, ok := c.handlers[msgType]
	if !ok {
		c.logger.Warn().Str("type", msgType).Str("conn_id", conn.id).Msg("unsupported message type")
		return
	}
	handler(conn, msg)
}

func (c *Channel) handleJoined(conn *connection, msg interface{}) {
	m := msg.(protocol.JoinedMsg)
	c.queue.push(Event{Type: protocol.TypeJoined, UserID: m.UserID})
}

func (c *Channel) handleNewMessage(conn *connection, msg interface{}) {
	m := msg.(protocol.NewMessageMsg)
	c.queue.push(Event{Type: protocol.TypeNewMessage, Message: m.Message})
}

func (c *Channel) handleError(conn *connection, msg interface{}) {
	m := msg.(protocol.ErrorMsg)
	ev := Event{Type: protocol.TypeError, Code: m.Code, Text: m.Message}

	if protocol.IsAuthCode(m.Code) {
		c.logger.Warn().Str("code", m.Code).Str("conn_id", conn.id).Msg("credential rejected by server")
		c.reject(conn)
		ev.Err = fmt.Errorf("live: server error %s: %s: %w", m.Code, m.Message, chat.ErrSessionExpired)
	} else {
		c.logger.Info().Str("code", m.Code).Str("conn_id", conn.id).Msg("server error")
		ev.Err = fmt.Errorf("live: server error %s: %s: %w", m.Code, m.Message, chat.ErrChannel)
	}
	c.queue.push(ev)
}
