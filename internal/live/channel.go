// Package live maintains the persistent connection to the chat server's live
// event channel. A Channel dials the websocket, authenticates it with the
// session's current token, and turns incoming frames into a single ordered
// stream of Events that outlives individual connections.
//
// State machine:
//
//	Disconnected -> Connecting -> Authenticating -> Joined
//	      ^              |               |             |
//	      +--------------+---------------+-------------+  (timeout, dial error, transport loss)
//
// Failed is terminal and is entered when the server rejects the credential.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/session"
)

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Joined
	Failed
)

var stateNames = []string{"disconnected", "connecting", "authenticating", "joined", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is one item of the live stream. Type is one of protocol.TypeJoined,
// protocol.TypeNewMessage or protocol.TypeError. For error events Err wraps
// chat.ErrSessionExpired when the credential was rejected and chat.ErrChannel
// otherwise.
type Event struct {
	Type    string
	UserID  chat.UserID  // joined
	Message chat.Message // new_message
	Code    string       // error
	Text    string       // error
	Err     error        // error
}

// Session is the part of the session context the channel needs.
type Session interface {
	Token() (session.Credential, bool)
	Clear()
}

// Config holds live channel tuning parameters.
type Config struct {
	URL               string        // e.g. ws://localhost:5000/ws
	HandshakeTimeout  time.Duration // dial + join + joined
	WriteTimeout      time.Duration // per frame
	HeartbeatInterval time.Duration // 0 disables client pings and the idle check
	HeartbeatTimeout  time.Duration // extra silence tolerated after an interval
	ReconnectInitial  time.Duration // first backoff delay
	ReconnectMax      time.Duration // backoff delay cap
	ReconnectAttempts int           // retries after the first attempt
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:5000/ws",
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ReconnectInitial:  500 * time.Millisecond,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 8,
	}
}

// Channel is the live event channel of one session.
type Channel struct {
	config   Config
	session  Session
	dialer   ws.Dialer
	logger   zerolog.Logger
	queue    *eventQueue
	handlers map[string]frameHandler

	mu     sync.Mutex
	state  State
	conn   *connection
	closed bool
}

// New creates a Disconnected Channel.
func New(config Config, sess Session, logger zerolog.Logger) *Channel {
	c := &Channel{
		config:  config,
		session: sess,
		dialer:  ws.Dialer{Timeout: config.HandshakeTimeout},
		logger:  logger.With().Str("component", "live").Logger(),
		queue:   newEventQueue(),
	}
	c.registerHandlers()
	metrics.SetChannelState(Disconnected.String(), stateNames)
	return c
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the event stream. It is the same channel for the life of the
// Channel and is closed by Close.
func (c *Channel) Events() <-chan Event {
	return c.queue.out
}

// Connect dials the server, sends join with the current token and waits for
// joined. It returns nil if the channel is already joined.
//
// Errors wrap chat.ErrSessionExpired when there is no valid credential or the
// server rejects it (the channel is then Failed and the session cleared),
// chat.ErrUnavailable when the dial fails or the handshake times out, and
// chat.ErrChannel when the channel is closed, busy, or the server answers the
// join with a non-auth error.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	switch {
	case c.closed:
		c.mu.Unlock()
		return fmt.Errorf("live: connect: channel closed: %w", chat.ErrChannel)
	case state == Joined:
		c.mu.Unlock()
		return nil
	case state == Failed:
		c.mu.Unlock()
		return fmt.Errorf("live: connect: credential rejected earlier: %w", chat.ErrSessionExpired)
	case state == Connecting || state == Authenticating:
		c.mu.Unlock()
		return fmt.Errorf("live: connect: already %s: %w", state, chat.ErrChannel)
	}

	cred, ok := c.session.Token()
	if !ok {
		c.setStateLocked(Failed)
		c.mu.Unlock()
		return fmt.Errorf("live: connect: no valid credential: %w", chat.ErrSessionExpired)
	}
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	start := time.Now()
	id := uuid.New().String()
	log := c.logger.With().Str("conn_id", id).Logger()

	hctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	netConn, br, _, err := c.dialer.Dial(hctx, c.config.URL)
	if err != nil {
		c.setState(Disconnected)
		log.Warn().Err(err).Str("url", c.config.URL).Msg("dial failed")
		return fmt.Errorf("live: dial %s: %w: %w", c.config.URL, chat.ErrUnavailable, err)
	}
	conn := newConnection(id, netConn, br, c.config.WriteTimeout)

	c.mu.Lock()
	if c.closed {
		c.setStateLocked(Disconnected)
		c.mu.Unlock()
		conn.close()
		return fmt.Errorf("live: connect: channel closed: %w", chat.ErrChannel)
	}
	c.setStateLocked(Authenticating)
	c.mu.Unlock()

	userID, err := c.handshake(hctx, conn, cred)
	if err != nil {
		conn.close()
		if errors.Is(err, chat.ErrSessionExpired) {
			c.session.Clear()
			c.setState(Failed)
			log.Warn().Err(err).Msg("join rejected")
		} else {
			c.setState(Disconnected)
			log.Warn().Err(err).Msg("handshake failed")
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.setStateLocked(Disconnected)
		c.mu.Unlock()
		conn.close()
		return fmt.Errorf("live: connect: channel closed: %w", chat.ErrChannel)
	}
	if c.config.HeartbeatInterval > 0 {
		conn.idleTimeout = c.config.HeartbeatInterval + c.config.HeartbeatTimeout
	}
	c.conn = conn
	c.setStateLocked(Joined)
	c.mu.Unlock()

	metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	log.Info().Dur("handshake", time.Since(start)).Str("user_id", userID.String()).Msg("joined")
	c.queue.push(Event{Type: protocol.TypeJoined, UserID: userID})

	go c.readLoop(conn)
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeat(conn, c.config.HeartbeatInterval)
	}
	return nil
}

// handshake sends join and reads frames until joined arrives, the server
// rejects the join, or ctx ends. It returns the user ID the server joined.
func (c *Channel) handshake(ctx context.Context, conn *connection, cred session.Credential) (chat.UserID, error) {
	// Unblock the reads below when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.netConn.SetReadDeadline(time.Now())
	})

	join, err := protocol.NewJoin(cred.AccessToken)
	if err != nil {
		stop()
		return 0, fmt.Errorf("live: encode join: %w: %w", chat.ErrChannel, err)
	}
	if err := conn.writeText(join); err != nil {
		stop()
		return 0, fmt.Errorf("live: send join: %w: %w", chat.ErrUnavailable, err)
	}

	for {
		data, err := conn.readText()
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return 0, fmt.Errorf("live: handshake: %w: %w", chat.ErrUnavailable, ctx.Err())
			}
			return 0, fmt.Errorf("live: handshake: %w: %w", chat.ErrUnavailable, err)
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("conn_id", conn.id).Msg("dropping malformed frame")
			continue
		}

		switch m := msg.(type) {
		case protocol.JoinedMsg:
			if !stop() {
				// ctx ended as joined arrived; the read deadline is already poisoned.
				return 0, fmt.Errorf("live: handshake: %w: %w", chat.ErrUnavailable, context.DeadlineExceeded)
			}
			_ = conn.netConn.SetReadDeadline(time.Time{})
			return m.UserID, nil
		case protocol.ErrorMsg:
			stop()
			if protocol.IsAuthCode(m.Code) {
				return 0, fmt.Errorf("live: join rejected (%s: %s): %w", m.Code, m.Message, chat.ErrSessionExpired)
			}
			return 0, fmt.Errorf("live: join failed (%s: %s): %w", m.Code, m.Message, chat.ErrChannel)
		default:
			c.dispatch(conn, msgType, msg)
		}
	}
}

// Send writes a private_message to the server. It fails immediately unless
// the channel is Joined; nothing is buffered.
func (c *Channel) Send(ctx context.Context, to chat.UserID, text string) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()

	if state != Joined || conn == nil {
		return fmt.Errorf("live: send: channel is %s: %w", state, chat.ErrChannel)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("live: send: %w: %w", chat.ErrChannel, err)
	}

	cred, ok := c.session.Token()
	if !ok {
		return fmt.Errorf("live: send: no valid credential: %w", chat.ErrSessionExpired)
	}

	frame, err := protocol.NewPrivateMessage(cred.AccessToken, to, text)
	if err != nil {
		return fmt.Errorf("live: send: %w: %w", chat.ErrChannel, err)
	}
	if err := conn.writeText(frame); err != nil {
		c.lost(conn, err)
		return fmt.Errorf("live: send: %w: %w", chat.ErrChannel, err)
	}

	c.logger.Debug().Str("conn_id", conn.id).Str("to", to.String()).Msg("private message sent")
	return nil
}

// Close tears down the connection and ends the event stream. It is safe to
// call multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.state != Failed {
		c.setStateLocked(Disconnected)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	c.queue.close()
	c.logger.Info().Msg("channel closed")
	return nil
}

// readLoop reads frames from conn until it fails or is closed.
func (c *Channel) readLoop(conn *connection) {
	for {
		data, err := conn.readText()
		if err != nil {
			c.lost(conn, err)
			return
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("conn_id", conn.id).Msg("dropping malformed frame")
			continue
		}
		c.dispatch(conn, msgType, msg)
	}
}

// lost handles an unexpected read or write failure on conn. It is a no-op if
// conn is no longer current or was closed on purpose.
func (c *Channel) lost(conn *connection, cause error) {
	if conn.closed() {
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.close()
		return
	}
	c.conn = nil
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	conn.close()
	c.logger.Warn().Err(cause).Str("conn_id", conn.id).
		Dur("uptime", time.Since(conn.openedAt)).Msg("connection lost")

	c.queue.push(Event{
		Type: protocol.TypeError,
		Code: protocol.CodeDisconnected,
		Text: "connection to the chat server was lost",
		Err:  fmt.Errorf("live: connection lost: %w: %w", chat.ErrChannel, cause),
	})
}

// reject handles an authorization error on an established connection: the
// session is cleared and the channel becomes Failed.
func (c *Channel) reject(conn *connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.setStateLocked(Failed)
	c.mu.Unlock()

	conn.close()
	c.session.Clear()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("state change")
	c.state = s
	metrics.SetChannelState(s.String(), stateNames)
}
