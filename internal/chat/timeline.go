package chat

// Timeline is the ordered message list of the open conversation. It rejects
// duplicates by (sender, timestamp, body) and, once acknowledged, by server
// id. It is not safe for concurrent use; the reconciler goroutine owns it.
type Timeline struct {
	messages []Message
	keys     map[Key]struct{}
	ids      map[int64]struct{}
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		keys: make(map[Key]struct{}),
		ids:  make(map[int64]struct{}),
	}
}

// Reset drops every message.
func (tl *Timeline) Reset() {
	tl.messages = nil
	tl.keys = make(map[Key]struct{})
	tl.ids = make(map[int64]struct{})
}

// Replace discards the current contents and loads msgs, which must already be
// in chronological order. Duplicates inside msgs are skipped; the number
// skipped is returned.
func (tl *Timeline) Replace(msgs []Message) int {
	tl.Reset()
	tl.messages = make([]Message, 0, len(msgs))
	dropped := 0
	for _, m := range msgs {
		if !tl.Append(m) {
			dropped++
		}
	}
	return dropped
}

// Append adds m at the end of the timeline and returns true, or returns false
// without changing anything if m is already present. Append never re-sorts:
// a message older than the current tail is still placed last.
func (tl *Timeline) Append(m Message) bool {
	if tl.Contains(m) {
		return false
	}
	tl.messages = append(tl.messages, m)
	tl.keys[m.Key()] = struct{}{}
	if m.ID != 0 {
		tl.ids[m.ID] = struct{}{}
	}
	return true
}

// Contains reports whether m, or a message with the same key or server id,
// is already in the timeline.
func (tl *Timeline) Contains(m Message) bool {
	if _, ok := tl.keys[m.Key()]; ok {
		return true
	}
	if m.ID != 0 {
		if _, ok := tl.ids[m.ID]; ok {
			return true
		}
	}
	return false
}

// Last returns the most recently appended message.
func (tl *Timeline) Last() (Message, bool) {
	if len(tl.messages) == 0 {
		return Message{}, false
	}
	return tl.messages[len(tl.messages)-1], true
}

// Len returns the number of messages.
func (tl *Timeline) Len() int {
	return len(tl.messages)
}

// Messages returns a copy of the timeline in order (oldest first). Returns an
// empty, non-nil slice when the timeline is empty.
func (tl *Timeline) Messages() []Message {
	out := make([]Message, len(tl.messages))
	copy(out, tl.messages)
	return out
}
