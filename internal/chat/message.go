// Package chat defines the conversation data model shared by every part of
// the sync core: identities, contacts, messages, the ordered timeline of the
// open conversation, outbound message validation and the error taxonomy.
package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID is the server-assigned identifier of a user. Identifiers are compared
// as typed integers, never as strings.
type UserID int64

// String returns the decimal form used in URLs and log fields.
func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Identity describes a user. It is immutable once loaded.
type Identity struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Contact is a peer the local user may converse with.
type Contact = Identity

// Message is a single text message between two users. ID is zero until the
// server has acknowledged the message.
type Message struct {
	ID         int64     `json:"id,omitempty"`
	SenderID   UserID    `json:"sender_id"`
	ReceiverID UserID    `json:"receiver_id"`
	Body       string    `json:"message"`
	Timestamp  Timestamp `json:"timestamp"`
}

// Involves reports whether the user is the sender or the receiver.
func (m Message) Involves(id UserID) bool {
	return m.SenderID == id || m.ReceiverID == id
}

// Between reports whether the message was exchanged between a and b, in
// either direction.
func (m Message) Between(a, b UserID) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Peer returns the other participant from the point of view of local.
func (m Message) Peer(local UserID) UserID {
	if m.SenderID == local {
		return m.ReceiverID
	}
	return m.SenderID
}

// Key returns the de-duplication key of the message.
func (m Message) Key() Key {
	return Key{Sender: m.SenderID, At: m.Timestamp.UnixNano(), Body: m.Body}
}

// Key identifies a message by (sender, timestamp, body). Two messages with the
// same key are the same message delivered twice.
type Key struct {
	Sender UserID
	At     int64
	Body   string
}

// naiveLayout is the ISO-8601 form without a zone designator that the chat
// server emits for stored messages. Such values are UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is a message time that accepts both RFC 3339 and zone-less
// ISO-8601 values on input and always marshals as RFC 3339 in UTC.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, normalised to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// ParseTimestamp parses an RFC 3339 or zone-less ISO-8601 value.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return NewTimestamp(t), nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return Timestamp{}, fmt.Errorf("chat: invalid timestamp %q: %w", s, err)
	}
	return NewTimestamp(t), nil
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are read as unix seconds.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ts = Timestamp{}
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		var secs float64
		if err := json.Unmarshal(data, &secs); err != nil {
			return fmt.Errorf("chat: invalid timestamp %s: %w", data, err)
		}
		*ts = NewTimestamp(time.Unix(0, int64(secs*float64(time.Second))))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("chat: invalid timestamp %s: %w", data, err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}
