package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-sync/internal/chat"
)

// LogSurface writes a one-line summary of every view to a zerolog logger.
type LogSurface struct {
	logger zerolog.Logger
}

// NewLogSurface creates a LogSurface.
func NewLogSurface(logger zerolog.Logger) *LogSurface {
	return &LogSurface{logger: logger.With().Str("component", "render").Logger()}
}

// Render logs v at debug level.
func (s *LogSurface) Render(v View) {
	ev := s.logger.Debug().
		Uint64("seq", v.Seq).
		Str("status", string(v.Status)).
		Str("channel", v.Channel).
		Int("timeline", len(v.Timeline)).
		Int("contacts", len(v.Contacts))
	if v.Open != nil {
		ev = ev.Str("open", v.Open.ID.String())
	}
	if v.Notice != "" {
		ev = ev.Str("notice", v.Notice)
	}
	ev.Msg("view")
}

// ViewPublisher publishes an encoded view for a local user.
type ViewPublisher interface {
	PublishView(user chat.UserID, data []byte) error
}

// NATSSurface publishes every view as JSON, so another process can display
// the conversation.
type NATSSurface struct {
	publisher ViewPublisher
	logger    zerolog.Logger
}

// NewNATSSurface creates a NATSSurface that publishes through publisher.
func NewNATSSurface(publisher ViewPublisher, logger zerolog.Logger) *NATSSurface {
	return &NATSSurface{
		publisher: publisher,
		logger:    logger.With().Str("component", "render").Logger(),
	}
}

// Render publishes v under the local user's view subject. Failures are logged
// and otherwise ignored.
func (s *NATSSurface) Render(v View) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Uint64("seq", v.Seq).Msg("encode view")
		return
	}
	if err := s.publisher.PublishView(v.Local.ID, data); err != nil {
		s.logger.Warn().Err(err).Uint64("seq", v.Seq).Msg("publish view")
	}
}

// TextSurface prints the open conversation to a terminal incrementally: only
// entries and notices not yet shown are written. Entries are held back while
// history is loading, and the conversation is reprinted when the timeline no
// longer starts with what was already shown.
type TextSurface struct {
	mu      sync.Mutex
	w       io.Writer
	open    chat.UserID
	printed []chat.Message
	status  Status
	notice  string
	channel string
	unread  map[chat.UserID]int
}

// NewTextSurface creates a TextSurface writing to w.
func NewTextSurface(w io.Writer) *TextSurface {
	return &TextSurface{w: w, unread: make(map[chat.UserID]int)}
}

// Render writes whatever changed since the previous view.
func (s *TextSurface) Render(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open chat.UserID
	if v.Open != nil {
		open = v.Open.ID
	}
	if open != s.open {
		s.open = open
		s.printed = nil
		if v.Open != nil {
			fmt.Fprintf(s.w, "--- conversation with %s ---\n", v.Open.Username)
		}
	}

	if v.Status != s.status {
		s.status = v.Status
		switch v.Status {
		case StatusLoading:
			fmt.Fprintln(s.w, "(loading history...)")
		case StatusLoadFailed:
			fmt.Fprintln(s.w, "(history unavailable, reopen the conversation to retry)")
		case StatusTerminated:
			fmt.Fprintln(s.w, "(session expired, log in again)")
		}
	}

	if v.Status != StatusLoading {
		s.printEntries(v)
	}

	for peer, n := range v.Unread {
		if n > s.unread[peer] {
			fmt.Fprintf(s.w, "(new message from %s)\n", v.ContactName(peer))
		}
	}
	s.unread = make(map[chat.UserID]int, len(v.Unread))
	for peer, n := range v.Unread {
		s.unread[peer] = n
	}

	if v.Channel != s.channel {
		s.channel = v.Channel
		fmt.Fprintf(s.w, "(live channel %s)\n", v.Channel)
	}

	if v.Notice != s.notice {
		s.notice = v.Notice
		if v.Notice != "" {
			fmt.Fprintf(s.w, "! %s\n", v.Notice)
		}
	}
}

func (s *TextSurface) printEntries(v View) {
	from := len(s.printed)
	if !extends(v.Timeline, s.printed) {
		if len(s.printed) > 0 && v.Open != nil {
			fmt.Fprintf(s.w, "--- conversation with %s ---\n", v.Open.Username)
		}
		s.printed = s.printed[:0]
		from = 0
	}
	for _, e := range v.Timeline[from:] {
		name := v.ContactName(e.SenderID)
		if e.Mine {
			name = "you"
		}
		fmt.Fprintf(s.w, "[%s] %s: %s\n", e.Timestamp.Local().Format("15:04:05"), name, e.Body)
		s.printed = append(s.printed, e.Message)
	}
}

// extends reports whether timeline starts with the printed messages.
func extends(timeline []Entry, printed []chat.Message) bool {
	if len(timeline) < len(printed) {
		return false
	}
	for i, m := range printed {
		if !sameMessage(timeline[i].Message, m) {
			return false
		}
	}
	return true
}

func sameMessage(a, b chat.Message) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID == b.ID
	}
	return a.Key() == b.Key()
}
