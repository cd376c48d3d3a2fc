// Package reconcile merges fetched history and live events into the single
// ordered timeline of the open conversation.
//
// All state is owned by one goroutine (Run). User commands, history and
// contact load completions, and live events are processed one at a time in
// arrival order; loads run on their own goroutines and only post their
// results back. A history result is applied only if it still matches the
// conversation it was issued for.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/live"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/render"
)

// Loader fetches history and contacts.
type Loader interface {
	LoadHistory(ctx context.Context, contact chat.Contact) ([]chat.Message, error)
	LoadContacts(ctx context.Context) ([]chat.Contact, error)
}

// Session is the part of the session context the reconciler needs.
type Session interface {
	Identity() (chat.Identity, bool)
	Clear()
}

// Outbound sends a message to the open conversation.
type Outbound interface {
	SendMessage(ctx context.Context, open *chat.Contact, text string) error
}

// command runs on the loop goroutine. The error goes back to the caller
// through reply, which may be nil for internal completions.
type command struct {
	apply func() error
	reply chan error
}

// Reconciler owns the open conversation. Create it with New and start it
// with Run; the other methods block until Run has processed them.
type Reconciler struct {
	loader   Loader
	session  Session
	outbound Outbound
	surface  render.Surface
	logger   zerolog.Logger

	commands chan command
	done     chan struct{}
	running  atomic.Bool
	stopErr  error // set before done is closed

	// Owned by the Run goroutine.
	runCtx     context.Context
	local      chat.Identity
	open       *chat.Contact
	generation uint64
	timeline   *chat.Timeline
	contacts   []chat.Contact
	status     render.Status
	notice     string
	unread     map[chat.UserID]int
	channel    string
	seq        uint64
	terminal   error
}

// New creates a Reconciler. Views are published to surface after every
// change.
func New(loader Loader, sess Session, out Outbound, surface render.Surface, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		loader:   loader,
		session:  sess,
		outbound: out,
		surface:  surface,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		commands: make(chan command),
		done:     make(chan struct{}),
		timeline: chat.NewTimeline(),
		status:   render.StatusIdle,
		unread:   make(map[chat.UserID]int),
		channel:  live.Disconnected.String(),
	}
}

// Run processes commands, load completions and events until ctx ends, the
// session expires, or a second call is attempted. It returns ctx.Err() or
// an error wrapping chat.ErrSessionExpired. A closed events channel is not an
// error; the reconciler keeps serving commands.
func (r *Reconciler) Run(ctx context.Context, events <-chan live.Event) (err error) {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reconcile: Run called twice")
	}
	defer func() {
		r.stopErr = err
		close(r.done)
	}()

	r.runCtx = ctx
	local, ok := r.session.Identity()
	if !ok {
		r.status = render.StatusTerminated
		r.publish()
		return fmt.Errorf("reconcile: no local identity: %w", chat.ErrSessionExpired)
	}
	r.local = local
	r.logger = r.logger.With().Str("user_id", local.ID.String()).Logger()
	r.publish()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-r.commands:
			err := cmd.apply()
			if cmd.reply != nil {
				cmd.reply <- err
			}

		case ev, ok := <-events:
			if !ok {
				r.logger.Info().Msg("live event stream ended")
				events = nil
				r.channel = "closed"
				r.publish()
				continue
			}
			r.handleEvent(ev)
		}

		if r.terminal != nil {
			return r.terminal
		}
	}
}

// OpenConversation makes contact the open conversation: the timeline is
// cleared and its history requested. It returns once the switch is applied;
// the history arrives later. Opening yourself is a validation error.
func (r *Reconciler) OpenConversation(ctx context.Context, contact chat.Contact) error {
	return r.do(ctx, func() error {
		if contact.ID == r.local.ID {
			return fmt.Errorf("reconcile: cannot open a conversation with yourself: %w", chat.ErrValidation)
		}
		r.openConversation(contact)
		return nil
	})
}

// LoadContacts loads the contact set and waits for it to be applied.
func (r *Reconciler) LoadContacts(ctx context.Context) error {
	result := make(chan error, 1)
	if err := r.do(ctx, func() error {
		r.loadContacts(result)
		return nil
	}); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-r.done:
		return r.stopped()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage sends text to the open conversation. Validation failures are
// returned without touching the network. The message is not added to the
// timeline here; it appears when the server echoes it back.
func (r *Reconciler) SendMessage(ctx context.Context, text string) error {
	var open *chat.Contact
	if err := r.do(ctx, func() error {
		if r.open != nil {
			c := *r.open
			open = &c
		}
		return nil
	}); err != nil {
		return err
	}

	err := r.outbound.SendMessage(ctx, open, text)
	if err == nil || errors.Is(err, chat.ErrValidation) {
		return err
	}

	// Surface the failure, or end the session if the credential is gone.
	_ = r.do(ctx, func() error {
		if errors.Is(err, chat.ErrSessionExpired) {
			r.terminate(err)
			return nil
		}
		r.notice = "message not sent: " + errorText(err)
		r.publish()
		return nil
	})
	return err
}

// View returns the current snapshot without publishing it.
func (r *Reconciler) View(ctx context.Context) (render.View, error) {
	var v render.View
	err := r.do(ctx, func() error {
		v = r.snapshot()
		return nil
	})
	return v, err
}

// do runs fn on the loop goroutine and returns its error.
func (r *Reconciler) do(ctx context.Context, fn func() error) error {
	cmd := command{apply: fn, reply: make(chan error, 1)}
	select {
	case r.commands <- cmd:
	case <-r.done:
		return r.stopped()
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-cmd.reply
}

// complete posts a load result back to the loop. It is dropped if Run has
// returned.
func (r *Reconciler) complete(fn func()) {
	select {
	case r.commands <- command{apply: func() error { fn(); return nil }}:
	case <-r.done:
	}
}

func (r *Reconciler) stopped() error {
	if r.stopErr != nil {
		return fmt.Errorf("reconcile: stopped: %w", r.stopErr)
	}
	return errors.New("reconcile: stopped")
}

func (r *Reconciler) openConversation(contact chat.Contact) {
	r.open = &contact
	r.generation++
	r.timeline.Reset()
	delete(r.unread, contact.ID)
	r.status = render.StatusLoading
	r.notice = ""
	r.publish()

	gen := r.generation
	ctx := r.runCtx
	r.logger.Debug().Str("contact_id", contact.ID.String()).Uint64("generation", gen).Msg("opening conversation")

	go func() {
		msgs, err := r.loader.LoadHistory(ctx, contact)
		r.complete(func() { r.applyHistory(contact.ID, gen, msgs, err) })
	}()
}

func (r *Reconciler) applyHistory(contact chat.UserID, gen uint64, msgs []chat.Message, err error) {
	// An expired credential ends the session whichever conversation asked.
	if err != nil && errors.Is(err, chat.ErrSessionExpired) {
		r.terminate(err)
		return
	}

	if r.open == nil || r.open.ID != contact || gen != r.generation {
		metrics.StaleLoadsTotal.Inc()
		r.logger.Debug().Str("contact_id", contact.String()).Uint64("generation", gen).
			Uint64("current", r.generation).Msg("discarding stale history")
		return
	}

	if err != nil {
		r.status = render.StatusLoadFailed
		r.notice = "history unavailable: " + errorText(err)
		r.logger.Warn().Err(err).Str("contact_id", contact.String()).Msg("history load failed")
		r.publish()
		return
	}

	// Live messages that arrived while loading stay, after the history.
	arrived := r.timeline.Messages()
	dropped := r.timeline.Replace(msgs)
	for _, m := range arrived {
		r.timeline.Append(m)
	}
	if dropped > 0 {
		r.logger.Warn().Int("dropped", dropped).Str("contact_id", contact.String()).Msg("duplicate messages in history")
	}

	r.status = render.StatusReady
	r.notice = ""
	r.publish()
}

func (r *Reconciler) loadContacts(result chan<- error) {
	ctx := r.runCtx
	go func() {
		contacts, err := r.loader.LoadContacts(ctx)
		r.complete(func() { result <- r.applyContacts(contacts, err) })
	}()
}

func (r *Reconciler) applyContacts(contacts []chat.Contact, err error) error {
	if err != nil {
		if errors.Is(err, chat.ErrSessionExpired) {
			r.terminate(err)
			return err
		}
		r.notice = "contacts unavailable: " + errorText(err)
		r.logger.Warn().Err(err).Msg("contacts load failed")
		r.publish()
		return err
	}

	r.contacts = r.contacts[:0]
	for _, c := range contacts {
		if c.ID != r.local.ID {
			r.contacts = append(r.contacts, c)
		}
	}
	r.publish()
	return nil
}

func (r *Reconciler) handleEvent(ev live.Event) {
	switch ev.Type {
	case protocol.TypeJoined:
		r.channel = live.Joined.String()
		r.notice = ""
		metrics.EventsTotal.WithLabelValues(ev.Type, "surfaced").Inc()
		r.publish()

	case protocol.TypeNewMessage:
		r.handleMessage(ev.Message)

	case protocol.TypeError:
		metrics.EventsTotal.WithLabelValues(ev.Type, "surfaced").Inc()
		if errors.Is(ev.Err, chat.ErrSessionExpired) {
			r.terminate(ev.Err)
			return
		}
		if ev.Code == protocol.CodeDisconnected {
			r.channel = live.Disconnected.String()
		}
		r.notice = ev.Text
		if r.notice == "" {
			r.notice = ev.Code
		}
		r.logger.Info().Str("code", ev.Code).Str("text", ev.Text).Msg("live channel error")
		r.publish()

	default:
		metrics.EventsTotal.WithLabelValues(ev.Type, "ignored").Inc()
		r.logger.Warn().Str("type", ev.Type).Msg("unknown live event")
	}
}

func (r *Reconciler) handleMessage(m chat.Message) {
	relevant := m.Involves(r.local.ID) || (r.open != nil && m.Involves(r.open.ID))
	if !relevant {
		metrics.EventsTotal.WithLabelValues(protocol.TypeNewMessage, "ignored").Inc()
		r.logger.Debug().Str("sender_id", m.SenderID.String()).Str("receiver_id", m.ReceiverID.String()).
			Msg("ignoring unrelated message")
		return
	}

	if r.open == nil || !m.Between(r.local.ID, r.open.ID) {
		r.background(m)
		return
	}

	last, hasLast := r.timeline.Last()
	if !r.timeline.Append(m) {
		metrics.EventsTotal.WithLabelValues(protocol.TypeNewMessage, "duplicate").Inc()
		r.logger.Debug().Int64("id", m.ID).Msg("duplicate message")
		return
	}
	if hasLast && m.Timestamp.Before(last.Timestamp.Time) {
		metrics.OutOfOrderTotal.Inc()
		r.logger.Warn().Time("timestamp", m.Timestamp.Time).Time("tail", last.Timestamp.Time).
			Msg("live message older than timeline tail")
	}
	metrics.EventsTotal.WithLabelValues(protocol.TypeNewMessage, "rendered").Inc()
	r.publish()
}

// background handles a message for the local user that belongs to a
// conversation other than the open one: the sender's unread count goes up.
func (r *Reconciler) background(m chat.Message) {
	metrics.EventsTotal.WithLabelValues(protocol.TypeNewMessage, "background").Inc()
	if !m.Involves(r.local.ID) || m.SenderID == r.local.ID {
		return
	}
	r.unread[m.SenderID]++
	r.publish()
}

// terminate clears the session and stops Run with err.
func (r *Reconciler) terminate(err error) {
	if r.terminal != nil {
		return
	}
	r.logger.Warn().Err(err).Msg("session expired")
	r.session.Clear()
	r.terminal = err
	r.status = render.StatusTerminated
	r.notice = "session expired"
	r.publish()
}

func (r *Reconciler) snapshot() render.View {
	msgs := r.timeline.Messages()
	entries := make([]render.Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = render.Entry{Message: m, Mine: m.SenderID == r.local.ID}
	}

	var open *chat.Contact
	if r.open != nil {
		c := *r.open
		open = &c
	}

	contacts := make([]chat.Contact, len(r.contacts))
	copy(contacts, r.contacts)

	var unread map[chat.UserID]int
	if len(r.unread) > 0 {
		unread = make(map[chat.UserID]int, len(r.unread))
		for k, v := range r.unread {
			unread[k] = v
		}
	}

	return render.View{
		Seq:      r.seq,
		Local:    r.local,
		Open:     open,
		Timeline: entries,
		Contacts: contacts,
		Status:   r.status,
		Notice:   r.notice,
		Unread:   unread,
		Channel:  r.channel,
	}
}

func (r *Reconciler) publish() {
	r.seq++
	v := r.snapshot()
	metrics.TimelineLength.Set(float64(len(v.Timeline)))
	r.surface.Render(v)
}

// errorText returns the class of err for display.
func errorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrUnavailable):
		return chat.ErrUnavailable.Error()
	case errors.Is(err, chat.ErrChannel):
		return chat.ErrChannel.Error()
	default:
		return err.Error()
	}
}
