// Package render defines the snapshot the sync core publishes after every
// change and the surfaces that display or forward it.
package render

import "github.com/whisper/chat-sync/internal/chat"

// Status describes the open conversation.
type Status string

const (
	StatusIdle       Status = "idle"        // no conversation open
	StatusLoading    Status = "loading"     // history requested
	StatusReady      Status = "ready"       // history loaded, live merge active
	StatusLoadFailed Status = "load_failed" // history unavailable; reopen to retry
	StatusTerminated Status = "terminated"  // session expired
)

// Entry is one timeline message as displayed. Mine is true when the local
// user sent it.
type Entry struct {
	chat.Message
	Mine bool `json:"mine"`
}

// View is an immutable snapshot of everything the user can see. Seq increases
// by one with every published view.
type View struct {
	Seq      uint64              `json:"seq"`
	Local    chat.Identity       `json:"local"`
	Open     *chat.Contact       `json:"open,omitempty"`
	Timeline []Entry             `json:"timeline"`
	Contacts []chat.Contact      `json:"contacts"`
	Status   Status              `json:"status"`
	Notice   string              `json:"notice,omitempty"`
	Unread   map[chat.UserID]int `json:"unread,omitempty"`
	Channel  string              `json:"channel"`
}

// ContactName returns the username of id if it is a known contact, or its
// decimal form otherwise.
func (v View) ContactName(id chat.UserID) string {
	if v.Open != nil && v.Open.ID == id {
		return v.Open.Username
	}
	for _, c := range v.Contacts {
		if c.ID == id {
			return c.Username
		}
	}
	return id.String()
}

// Surface displays views. Render is called from the reconciler goroutine and
// must not block for long.
type Surface interface {
	Render(View)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(View)

// Render calls f(v).
func (f SurfaceFunc) Render(v View) { f(v) }

// Multi renders every view on each of surfaces, in order.
func Multi(surfaces ...Surface) Surface {
	return SurfaceFunc(func(v View) {
		for _, s := range surfaces {
			s.Render(v)
		}
	})
}
