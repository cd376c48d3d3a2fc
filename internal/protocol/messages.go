// Package protocol defines the live channel message types exchanged with the
// chat server. All messages are JSON text frames and follow a flat envelope
// format with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/chat-sync/internal/chat"
)

// Client -> Server message types.
const (
	TypeJoin           = "join"
	TypePrivateMessage = "private_message"
)

// Server -> Client message types.
const (
	TypeJoined     = "joined"
	TypeNewMessage = "new_message"
	TypeError      = "error"
)

// Error codes carried by ErrorMsg. CodeDisconnected is never sent by the
// server; the live channel synthesizes it when the transport is lost.
const (
	CodeUnauthorized = "unauthorized"
	CodeInvalidToken = "invalid_token"
	CodeDisconnected = "disconnected"
)

// IsAuthCode reports whether an error code means the credential was rejected.
func IsAuthCode(code string) bool {
	return code == CodeUnauthorized || code == CodeInvalidToken
}

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It keeps the full
// raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// JoinMsg authenticates the connection with the current access token.
type JoinMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// PrivateMessageMsg sends a text message to another user.
type PrivateMessageMsg struct {
	Type    string      `json:"type"`
	Token   string      `json:"token"`
	To      chat.UserID `json:"to"`
	Message string      `json:"message"`
}

// JoinedMsg acknowledges a successful join.
type JoinedMsg struct {
	Type   string      `json:"type"`
	UserID chat.UserID `json:"user_id"`
}

// NewMessageMsg delivers a message the local user sent or received.
type NewMessageMsg struct {
	Type string `json:"type"`
	chat.Message
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseServerMessage parses a text frame received from the server. An error
// is returned for malformed JSON and for unknown or client-only types.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoined:
		var m JoinedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseClientMessage parses a frame sent by a client. The live channel never
// receives these; test servers and relays use it.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePrivateMessage:
		var m PrivateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates a JSON-encoded frame for payload with msgType injected
// under the "type" key. It serves both directions.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q message: %w", msgType, err)
	}
	return out, nil
}

// NewJoin encodes a join frame.
func NewJoin(token string) ([]byte, error) {
	return NewMessage(TypeJoin, JoinMsg{Token: token})
}

// NewPrivateMessage encodes a private_message frame.
func NewPrivateMessage(token string, to chat.UserID, text string) ([]byte, error) {
	return NewMessage(TypePrivateMessage, PrivateMessageMsg{Token: token, To: to, Message: text})
}
