package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/live"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/outbound"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/render"
)

var (
	alice = chat.Identity{ID: 1, Username: "alice", Email: "alice@example.com"}
	bob   = chat.Contact{ID: 2, Username: "bob", Email: "bob@example.com"}
	carol = chat.Contact{ID: 3, Username: "carol", Email: "carol@example.com"}

	t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func msg(from, to chat.UserID, body string, offset time.Duration) chat.Message {
	return chat.Message{
		SenderID:   from,
		ReceiverID: to,
		Body:       body,
		Timestamp:  chat.NewTimestamp(t0.Add(offset)),
	}
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type loadResult struct {
	msgs []chat.Message
	err  error
}

type fakeLoader struct {
	mu          sync.Mutex
	results     map[chat.UserID]loadResult
	gates       map[chat.UserID]chan loadResult
	calls       []chat.UserID
	contacts    []chat.Contact
	contactsErr error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		results: make(map[chat.UserID]loadResult),
		gates:   make(map[chat.UserID]chan loadResult),
	}
}

// gate makes the next load of contact wait until a result is sent on the
// returned channel.
func (l *fakeLoader) gate(contact chat.UserID) chan loadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan loadResult, 1)
	l.gates[contact] = ch
	return ch
}

func (l *fakeLoader) setHistory(contact chat.UserID, msgs []chat.Message, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[contact] = loadResult{msgs: msgs, err: err}
}

func (l *fakeLoader) setContacts(contacts []chat.Contact, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contacts = contacts
	l.contactsErr = err
}

func (l *fakeLoader) LoadHistory(ctx context.Context, contact chat.Contact) ([]chat.Message, error) {
	l.mu.Lock()
	l.calls = append(l.calls, contact.ID)
	gate, gated := l.gates[contact.ID]
	delete(l.gates, contact.ID)
	res := l.results[contact.ID]
	l.mu.Unlock()

	if gated {
		select {
		case res = <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res.msgs, res.err
}

func (l *fakeLoader) LoadContacts(ctx context.Context) ([]chat.Contact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contacts, l.contactsErr
}

func (l *fakeLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type fakeSession struct {
	mu       sync.Mutex
	identity *chat.Identity
	cleared  int
}

func (s *fakeSession) Identity() (chat.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return chat.Identity{}, false
	}
	return *s.identity, true
}

func (s *fakeSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
	s.cleared++
}

func (s *fakeSession) clearedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

type sentMessage struct {
	to   chat.UserID
	text string
}

type recordingSender struct {
	mu    sync.Mutex
	calls []sentMessage
	err   error
}

func (s *recordingSender) Send(_ context.Context, to chat.UserID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sentMessage{to: to, text: text})
	return s.err
}

func (s *recordingSender) sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.calls...)
}

type recordingSurface struct {
	mu    sync.Mutex
	views []render.View
}

func (s *recordingSurface) Render(v render.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, v)
}

func (s *recordingSurface) last() render.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.views) == 0 {
		return render.View{}
	}
	return s.views[len(s.views)-1]
}

// harness runs a Reconciler against fakes.
type harness struct {
	t       *testing.T
	r       *Reconciler
	loader  *fakeLoader
	session *fakeSession
	sender  *recordingSender
	surface *recordingSurface
	events  chan live.Event
	runErr  chan error
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	id := alice
	h := &harness{
		t:       t,
		loader:  newFakeLoader(),
		session: &fakeSession{identity: &id},
		sender:  &recordingSender{},
		surface: &recordingSurface{},
		events:  make(chan live.Event),
		runErr:  make(chan error, 1),
	}
	h.r = New(h.loader, h.session, outbound.NewDispatcher(h.sender, zerolog.Nop()), h.surface, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.r.Run(ctx, h.events) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) emit(ev live.Event) {
	h.t.Helper()
	select {
	case h.events <- ev:
	case <-time.After(2 * time.Second):
		h.t.Fatal("reconciler did not accept event")
	}
}

func (h *harness) emitMessage(m chat.Message) {
	h.t.Helper()
	h.emit(live.Event{Type: protocol.TypeNewMessage, Message: m})
}

func (h *harness) open(c chat.Contact) {
	h.t.Helper()
	require.NoError(h.t, h.r.OpenConversation(context.Background(), c))
}

func (h *harness) view() render.View {
	h.t.Helper()
	v, err := h.r.View(context.Background())
	require.NoError(h.t, err)
	return v
}

func (h *harness) waitStatus(status render.Status) render.View {
	h.t.Helper()
	var v render.View
	require.Eventually(h.t, func() bool {
		var err error
		v, err = h.r.View(context.Background())
		return err == nil && v.Status == status
	}, 2*time.Second, 5*time.Millisecond, "status %s", status)
	return v
}

func (h *harness) waitRunErr() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("Run did not return")
		return nil
	}
}

func bodies(v render.View) []string {
	out := make([]string, len(v.Timeline))
	for i, e := range v.Timeline {
		out[i] = e.Body
	}
	return out
}

// ---------------------------------------------------------------------------
// History and live merge
// ---------------------------------------------------------------------------

func TestHistoryThenLive(t *testing.T) {
	h := newHarness(t)
	h.loader.setHistory(bob.ID, []chat.Message{msg(2, 1, "hey", 0)}, nil)

	h.open(bob)
	h.waitStatus(render.StatusReady)

	h.emitMessage(msg(1, 2, "yo", time.Second))

	v := h.view()
	require.Len(t, v.Timeline, 2)
	require.Equal(t, chat.UserID(2), v.Timeline[0].SenderID)
	require.Equal(t, chat.UserID(1), v.Timeline[0].ReceiverID)
	require.Equal(t, "hey", v.Timeline[0].Body)
	require.False(t, v.Timeline[0].Mine)
	require.Equal(t, chat.UserID(1), v.Timeline[1].SenderID)
	require.Equal(t, "yo", v.Timeline[1].Body)
	require.True(t, v.Timeline[1].Mine)
	require.True(t, v.Timeline[0].Timestamp.Before(v.Timeline[1].Timestamp.Time))

	require.Equal(t, v.Seq, h.surface.last().Seq, "every change is published")
}

func TestOpenSwitchDiscardsStaleHistory(t *testing.T) {
	h := newHarness(t)
	gateA := h.loader.gate(bob.ID)
	h.loader.setHistory(carol.ID, []chat.Message{msg(3, 1, "from carol", 0)}, nil)
	stale := testutil.ToFloat64(metrics.StaleLoadsTotal)

	h.open(bob)
	h.open(carol)
	h.waitStatus(render.StatusReady)

	gateA <- loadResult{msgs: []chat.Message{msg(2, 1, "from bob", 0)}}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StaleLoadsTotal) > stale
	}, 2*time.Second, 5*time.Millisecond)

	v := h.view()
	require.Equal(t, carol.ID, v.Open.ID)
	require.Equal(t, []string{"from carol"}, bodies(v))
}

func TestReopenSameContactDiscardsEarlierLoad(t *testing.T) {
	h := newHarness(t)
	first := h.loader.gate(bob.ID)

	h.open(bob)
	h.open(carol)
	h.waitStatus(render.StatusReady)
	h.loader.setHistory(bob.ID, []chat.Message{msg(2, 1, "second load", 0)}, nil)
	h.open(bob)
	v := h.waitStatus(render.StatusReady)
	require.Equal(t, []string{"second load"}, bodies(v))

	stale := testutil.ToFloat64(metrics.StaleLoadsTotal)
	first <- loadResult{msgs: []chat.Message{msg(2, 1, "first load", 0)}}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StaleLoadsTotal) > stale
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"second load"}, bodies(h.view()))
}

func TestLiveDuringLoadIsKept(t *testing.T) {
	h := newHarness(t)
	gate := h.loader.gate(bob.ID)

	h.open(bob)
	h.emitMessage(msg(2, 1, "live", 2*time.Second))
	require.Equal(t, []string{"live"}, bodies(h.view()))

	gate <- loadResult{msgs: []chat.Message{
		msg(2, 1, "old", 0),
		msg(2, 1, "live", 2*time.Second),
	}}
	v := h.waitStatus(render.StatusReady)
	require.Equal(t, []string{"old", "live"}, bodies(v))
}

func TestUnrelatedMessageIgnored(t *testing.T) {
	h := newHarness(t)
	h.loader.setHistory(bob.ID, []chat.Message{msg(2, 1, "hey", 0)}, nil)
	h.open(bob)
	before := h.waitStatus(render.StatusReady)

	h.emitMessage(msg(3, 4, "not for us", time.Second))

	after := h.view()
	require.Equal(t, bodies(before), bodies(after))
	require.Equal(t, before.Seq, after.Seq, "nothing published")
	require.Empty(t, after.Unread)
}

func TestDuplicateReplayAppendedOnce(t *testing.T) {
	h := newHarness(t)
	h.open(bob)
	h.waitStatus(render.StatusReady)

	m := msg(2, 1, "same", time.Second)
	h.emitMessage(m)
	h.emitMessage(m)

	require.Equal(t, []string{"same"}, bodies(h.view()))
}

func TestDuplicateOfHistoryNotAppended(t *testing.T) {
	h := newHarness(t)
	hist := msg(2, 1, "hey", 0)
	hist.ID = 10
	h.loader.setHistory(bob.ID, []chat.Message{hist}, nil)
	h.open(bob)
	h.waitStatus(render.StatusReady)

	h.emitMessage(hist)
	sameID := msg(2, 1, "hey (edited)", time.Second)
	sameID.ID = 10
	h.emitMessage(sameID)

	require.Equal(t, []string{"hey"}, bodies(h.view()))
}

func TestNoDuplicatesForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := []chat.Message{
		msg(1, 2, "a", 0),
		msg(2, 1, "a", 0),
		msg(1, 2, "b", time.Second),
		msg(2, 1, "c", 2*time.Second),
		msg(2, 1, "c", 3*time.Second),
		msg(3, 1, "elsewhere", time.Second),
	}

	for round := 0; round < 20; round++ {
		h := newHarness(t)
		var hist []chat.Message
		n := rng.Intn(3)
		for i := 0; i < n; i++ {
			hist = append(hist, pool[rng.Intn(4)])
		}
		h.loader.setHistory(bob.ID, hist, nil)
		h.open(bob)
		h.waitStatus(render.StatusReady)

		for i := 0; i < 30; i++ {
			h.emitMessage(pool[rng.Intn(len(pool))])
		}

		seen := make(map[chat.Key]bool)
		for _, e := range h.view().Timeline {
			key := e.Key()
			require.False(t, seen[key], "round %d: duplicate %+v", round, key)
			seen[key] = true
		}
		h.cancel()
	}
}

func TestOutOfOrderLiveAppendedAtEnd(t *testing.T) {
	h := newHarness(t)
	h.loader.setHistory(bob.ID, []chat.Message{msg(2, 1, "later", 10*time.Second)}, nil)
	h.open(bob)
	h.waitStatus(render.StatusReady)
	before := testutil.ToFloat64(metrics.OutOfOrderTotal)

	h.emitMessage(msg(1, 2, "earlier", time.Second))

	require.Equal(t, []string{"later", "earlier"}, bodies(h.view()))
	require.Equal(t, before+1, testutil.ToFloat64(metrics.OutOfOrderTotal))
}

// ---------------------------------------------------------------------------
// Background conversations
// ---------------------------------------------------------------------------

func TestBackgroundMessageCountsUnread(t *testing.T) {
	h := newHarness(t)
	h.open(bob)
	h.waitStatus(render.StatusReady)

	h.emitMessage(msg(3, 1, "psst", time.Second))
	h.emitMessage(msg(3, 1, "again", 2*time.Second))
	h.emitMessage(msg(1, 3, "sent elsewhere", 3*time.Second))

	v := h.view()
	require.Empty(t, v.Timeline)
	require.Equal(t, map[chat.UserID]int{3: 2}, v.Unread)

	h.open(carol)
	require.Empty(t, h.view().Unread)
}

func TestMessageWithNoConversationOpen(t *testing.T) {
	h := newHarness(t)

	h.emitMessage(msg(2, 1, "hi", 0))

	v := h.view()
	require.Nil(t, v.Open)
	require.Empty(t, v.Timeline)
	require.Equal(t, map[chat.UserID]int{2: 1}, v.Unread)
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestHistoryAuthFailureTerminates(t *testing.T) {
	h := newHarness(t)
	h.loader.setHistory(carol.ID, nil, fmt.Errorf("history: load contact 3: status 401: %w", chat.ErrSessionExpired))

	h.open(carol)

	err := h.waitRunErr()
	require.ErrorIs(t, err, chat.ErrSessionExpired)
	require.Equal(t, 1, h.session.clearedCount())

	last := h.surface.last()
	require.Equal(t, render.StatusTerminated, last.Status)
	require.Empty(t, last.Timeline)

	// Commands after termination report the cause.
	require.ErrorIs(t, h.r.OpenConversation(context.Background(), bob), chat.ErrSessionExpired)
}

func TestHistoryUnavailable(t *testing.T) {
	h := newHarness(t)
	h.loader.setHistory(bob.ID, nil, fmt.Errorf("history: status 503: %w", chat.ErrUnavailable))

	h.open(bob)
	v := h.waitStatus(render.StatusLoadFailed)
	require.NotEmpty(t, v.Notice)
	require.Empty(t, v.Timeline)
	require.Zero(t, h.session.clearedCount())

	// Reopening retries.
	h.loader.setHistory(bob.ID, []chat.Message{msg(2, 1, "hey", 0)}, nil)
	h.open(bob)
	v = h.waitStatus(render.StatusReady)
	require.Equal(t, []string{"hey"}, bodies(v))
	require.Empty(t, v.Notice)
	require.Equal(t, 2, h.loader.callCount())
}

func TestLiveErrorSurfacedTimelineUntouched(t *testing.T) {
	h := newHarness(t)
	h.loader.setHistory(bob.ID, []chat.Message{msg(2, 1, "hey", 0)}, nil)
	h.open(bob)
	h.waitStatus(render.StatusReady)
	h.emit(live.Event{Type: protocol.TypeJoined, UserID: 1})
	require.Equal(t, "joined", h.view().Channel)

	h.emit(live.Event{
		Type: protocol.TypeError,
		Code: protocol.CodeDisconnected,
		Text: "connection to the chat server was lost",
		Err:  fmt.Errorf("live: connection lost: %w", chat.ErrChannel),
	})

	v := h.view()
	require.Equal(t, []string{"hey"}, bodies(v))
	require.Equal(t, "connection to the chat server was lost", v.Notice)
	require.Equal(t, "disconnected", v.Channel)
	require.Equal(t, render.StatusReady, v.Status)
}

func TestLiveAuthErrorTerminates(t *testing.T) {
	h := newHarness(t)

	h.emit(live.Event{
		Type: protocol.TypeError,
		Code: protocol.CodeUnauthorized,
		Err:  fmt.Errorf("live: server error: %w", chat.ErrSessionExpired),
	})

	require.ErrorIs(t, h.waitRunErr(), chat.ErrSessionExpired)
	require.Equal(t, 1, h.session.clearedCount())
}

func TestRunWithoutIdentity(t *testing.T) {
	surface := &recordingSurface{}
	r := New(newFakeLoader(), &fakeSession{}, outbound.NewDispatcher(&recordingSender{}, zerolog.Nop()), surface, zerolog.Nop())

	err := r.Run(context.Background(), nil)
	require.ErrorIs(t, err, chat.ErrSessionExpired)
	require.Equal(t, render.StatusTerminated, surface.last().Status)
}

func TestEventStreamClosed(t *testing.T) {
	h := newHarness(t)
	close(h.events)

	require.Eventually(t, func() bool {
		v, err := h.r.View(context.Background())
		return err == nil && v.Channel == "closed"
	}, 2*time.Second, 5*time.Millisecond)
	h.open(bob)
	h.waitStatus(render.StatusReady)
}

// ---------------------------------------------------------------------------
// Contacts
// ---------------------------------------------------------------------------

func TestLoadContactsFiltersLocalUser(t *testing.T) {
	h := newHarness(t)
	h.loader.setContacts([]chat.Contact{alice, bob, carol}, nil)

	require.NoError(t, h.r.LoadContacts(context.Background()))

	v := h.view()
	require.Equal(t, []chat.Contact{bob, carol}, v.Contacts)
}

func TestLoadContactsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.loader.setContacts(nil, fmt.Errorf("history: load contacts: %w", chat.ErrUnavailable))

	err := h.r.LoadContacts(context.Background())
	require.ErrorIs(t, err, chat.ErrUnavailable)
	require.NotEmpty(t, h.view().Notice)
}

func TestLoadContactsExpired(t *testing.T) {
	h := newHarness(t)
	h.loader.setContacts(nil, fmt.Errorf("history: load contacts: %w", chat.ErrSessionExpired))

	err := h.r.LoadContacts(context.Background())
	require.ErrorIs(t, err, chat.ErrSessionExpired)
	require.ErrorIs(t, h.waitRunErr(), chat.ErrSessionExpired)
	require.Equal(t, 1, h.session.clearedCount())
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func TestSendMessageBlankRejected(t *testing.T) {
	h := newHarness(t)
	h.open(bob)

	for _, text := range []string{"", "   "} {
		err := h.r.SendMessage(context.Background(), text)
		require.ErrorIs(t, err, chat.ErrValidation)
	}
	require.Empty(t, h.sender.sent())
}

func TestSendMessageNoOpenConversation(t *testing.T) {
	h := newHarness(t)

	err := h.r.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, chat.ErrValidation)
	require.Empty(t, h.sender.sent())
}

func TestSendMessageGoesToOpenContact(t *testing.T) {
	h := newHarness(t)
	h.open(bob)
	h.open(carol)

	require.NoError(t, h.r.SendMessage(context.Background(), " hi carol "))
	require.Equal(t, []sentMessage{{to: carol.ID, text: "hi carol"}}, h.sender.sent())

	// No optimistic render.
	require.Empty(t, h.view().Timeline)
}

func TestSendMessageChannelErrorSurfaced(t *testing.T) {
	h := newHarness(t)
	h.sender.err = fmt.Errorf("live: send: channel is disconnected: %w", chat.ErrChannel)
	h.open(bob)
	h.waitStatus(render.StatusReady)

	err := h.r.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, chat.ErrChannel)
	require.Contains(t, h.view().Notice, "message not sent")
	require.Zero(t, h.session.clearedCount())
}

func TestOpenSelfRejected(t *testing.T) {
	h := newHarness(t)
	err := h.r.OpenConversation(context.Background(), alice)
	require.True(t, errors.Is(err, chat.ErrValidation))
	require.Zero(t, h.loader.callCount())
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	h.view() // Run is live
	require.Error(t, h.r.Run(context.Background(), nil))
}
