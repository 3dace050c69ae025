package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/wagateway/internal/bus"
	"github.com/KafClaw/wagateway/internal/credstore"
	"github.com/KafClaw/wagateway/internal/relay"
	"github.com/KafClaw/wagateway/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeLink struct {
	id    string
	emit  func(LinkEvent)
	state *credstore.AuthState

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	texts     []string
	syncs     int
	authNext  []byte

	logoutCalled chan struct{}
	logoutGate   chan struct{}
}

func (l *fakeLink) SendText(_ context.Context, to, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, to+":"+text)
	return nil
}

func (l *fakeLink) SendAudio(context.Context, string, []byte, string) error { return nil }

func (l *fakeLink) SyncAuth(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncs++
	if l.authNext != nil {
		l.state.SetCreds(l.authNext)
	}
	return nil
}

func (l *fakeLink) Logout(ctx context.Context) error {
	l.mu.Lock()
	called, gate := l.logoutCalled, l.logoutGate
	l.mu.Unlock()
	if called != nil {
		close(called)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loggedOut = true
	return nil
}

// blockLogout makes the next Logout wait until the returned release func runs.
func (l *fakeLink) blockLogout() (called <-chan struct{}, release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logoutCalled = make(chan struct{})
	l.logoutGate = make(chan struct{})
	gate := l.logoutGate
	return l.logoutCalled, func() { close(gate) }
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) didLogout() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loggedOut
}

func (l *fakeLink) setAuth(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authNext = b
}

type fakeDialer struct {
	mu    sync.Mutex
	links []*fakeLink
	fail  map[string]int
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, id string, state *credstore.AuthState, emit func(LinkEvent)) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[id] > 0 {
		d.fail[id]--
		return nil, d.err
	}
	l := &fakeLink{id: id, emit: emit, state: state}
	d.links = append(d.links, l)
	return l, nil
}

func (d *fakeDialer) dials(id string) []*fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeLink
	for _, l := range d.links {
		if l.id == id {
			out = append(out, l)
		}
	}
	return out
}

func (d *fakeDialer) last(t *testing.T, id string) *fakeLink {
	t.Helper()
	var l *fakeLink
	require.Eventually(t, func() bool {
		links := d.dials(id)
		if len(links) == 0 {
			return false
		}
		l = links[len(links)-1]
		return true
	}, waitFor, tick)
	return l
}

type recordingHandler struct {
	mu   sync.Mutex
	envs []relay.Envelope
}

func (h *recordingHandler) Handle(ctx context.Context, env relay.Envelope, s relay.Sender) error {
	h.mu.Lock()
	h.envs = append(h.envs, env)
	h.mu.Unlock()
	return s.SendText(ctx, env.SenderID, "echo:"+env.Text)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.envs)
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.SessionEvent
}

func (e *eventLog) Publish(ev bus.SessionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) has(typ bus.EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	backend *credstore.MemoryBackend
	store   *credstore.Store
	handler *recordingHandler
	events  *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer:  &fakeDialer{fail: map[string]int{}},
		backend: credstore.NewMemoryBackend(),
		handler: &recordingHandler{},
		events:  &eventLog{},
	}
	h.store = credstore.New(h.backend, credstore.WithWorkDir(t.TempDir()))
	h.m = NewManager(Config{
		Registry:        session.NewRegistry(),
		Store:           h.store,
		Dialer:          h.dialer,
		Handler:         h.handler,
		Events:          h.events,
		ReconnectDelay:  20 * time.Millisecond,
		ResetDelay:      20 * time.Millisecond,
		TeardownTimeout: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) status(t *testing.T, id string) session.Session {
	t.Helper()
	s, ok := h.m.Registry().Get(id)
	require.True(t, ok, "session %s missing", id)
	return s
}

func (h *harness) waitStatus(t *testing.T, id string, want session.Status) session.Session {
	t.Helper()
	var s session.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = h.m.Registry().Get(id)
		return ok && s.Status == want
	}, waitFor, tick, "waiting for %s to reach %s", id, want)
	return s
}

func TestStatusUnknownAssistantStartsLoading(t *testing.T) {
	h := newHarness(t)

	s, err := h.m.Status("A1")
	require.NoError(t, err)
	assert.Equal(t, "A1", s.AssistantID)
	assert.Equal(t, session.StatusLoading, s.Status)
	assert.NotEmpty(t, s.Handle)
	assert.True(t, h.events.has(bus.EventStarting))
}

func TestEnsureStartedIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	h.dialer.last(t, "A1")
	for i := 0; i < 5; i++ {
		s, err := h.m.EnsureStarted("A1")
		require.NoError(t, err)
		assert.Equal(t, first.Handle, s.Handle)
	}
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.dialer.dials("A1"), 1)
	assert.Equal(t, 1, h.m.live())
}

func TestQRThenConnected(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	l := h.dialer.last(t, "A1")

	l.emit(LinkEvent{Kind: LinkQR, QR: "2@abc"})
	s := h.waitStatus(t, "A1", session.StatusQR)
	assert.Equal(t, "2@abc", s.QR)

	l.emit(LinkEvent{Kind: LinkOpen})
	s = h.waitStatus(t, "A1", session.StatusConnected)
	assert.Empty(t, s.QR)
	assert.Empty(t, s.LastError)
}

func TestOpenPersistsCredentials(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	l := h.dialer.last(t, "A1")
	l.setAuth([]byte(`{"me":"123"}`))

	l.emit(LinkEvent{Kind: LinkOpen})
	require.Eventually(t, func() bool {
		st, err := h.store.Load(context.Background(), "A1")
		return err == nil && string(st.Creds()) == `{"me":"123"}`
	}, waitFor, tick)

	ids, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, ids)
}

func TestTransientCloseReconnectsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	l := h.dialer.last(t, "A1")
	l.emit(LinkEvent{Kind: LinkOpen})
	h.waitStatus(t, "A1", session.StatusConnected)

	l.emit(LinkEvent{Kind: LinkClose, Reason: "stream error"})
	l.emit(LinkEvent{Kind: LinkClose, Reason: "stream error"})

	require.Eventually(t, func() bool { return len(h.dialer.dials("A1")) == 2 }, waitFor, tick)
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, h.dialer.dials("A1"), 2, "duplicate close must not schedule a second reconnect")
	assert.True(t, l.isClosed())
	assert.True(t, h.events.has(bus.EventDisconnected))

	second := h.dialer.last(t, "A1")
	second.emit(LinkEvent{Kind: LinkOpen})
	h.waitStatus(t, "A1", session.StatusConnected)

	// The retired link's late events are ignored.
	l.emit(LinkEvent{Kind: LinkQR, QR: "stale"})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, session.StatusConnected, h.status(t, "A1").Status)
}

func TestLoggedOutCloseIsTerminal(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	l := h.dialer.last(t, "A1")
	l.setAuth([]byte("creds"))
	l.emit(LinkEvent{Kind: LinkOpen})
	require.Eventually(t, func() bool {
		_, err := h.store.Load(context.Background(), "A1")
		return err == nil
	}, waitFor, tick)

	l.emit(LinkEvent{Kind: LinkClose, LoggedOut: true, Reason: "logged out"})

	require.Eventually(t, func() bool {
		_, ok := h.m.Registry().Get("A1")
		return !ok
	}, waitFor, tick)
	_, err = h.store.Load(context.Background(), "A1")
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	assert.True(t, h.events.has(bus.EventLoggedOut))

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.dialer.dials("A1"), 1, "no reconnect after logout")
	assert.Equal(t, 0, h.m.live())

	// A later request starts a fresh pairing.
	s, err := h.m.Status("A1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusLoading, s.Status)
	require.Eventually(t, func() bool { return len(h.dialer.dials("A1")) == 2 }, waitFor, tick)
}

func TestResetGuardsAgainstStaleHandle(t *testing.T) {
	h := newHarness(t)
	before, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	old := h.dialer.last(t, "A1")
	old.emit(LinkEvent{Kind: LinkOpen})
	h.waitStatus(t, "A1", session.StatusConnected)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.m.Reset(ctx, "A1"))
	assert.True(t, old.didLogout())
	assert.True(t, old.isClosed())
	assert.True(t, h.events.has(bus.EventReset))

	require.Eventually(t, func() bool { return len(h.dialer.dials("A1")) == 2 }, waitFor, tick)
	after := h.status(t, "A1")
	assert.NotEqual(t, before.Handle, after.Handle)

	// Events from the reset link cannot touch the new session.
	old.emit(LinkEvent{Kind: LinkOpen})
	old.emit(LinkEvent{Kind: LinkClose, LoggedOut: true})
	time.Sleep(40 * time.Millisecond)
	cur := h.status(t, "A1")
	assert.Equal(t, after.Handle, cur.Handle)
	assert.NotEqual(t, session.StatusConnected, cur.Status)
}

func TestStatusDuringResetDoesNotReuseCredentials(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	old := h.dialer.last(t, "A1")
	old.setAuth([]byte(`{"device":"old"}`))
	old.emit(LinkEvent{Kind: LinkOpen})
	h.waitStatus(t, "A1", session.StatusConnected)
	require.Eventually(t, func() bool {
		_, err := h.backend.Get(context.Background(), "A1/creds")
		return err == nil
	}, waitFor, tick)

	called, release := old.blockLogout()
	resetDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		resetDone <- h.m.Reset(ctx, "A1")
	}()
	select {
	case <-called:
	case <-time.After(waitFor):
		require.FailNow(t, "reset never reached logout")
	}

	// Polls while the teardown is blocked must not dial with the old creds.
	for i := 0; i < 3; i++ {
		s, err := h.m.Status("A1")
		require.NoError(t, err)
		assert.Equal(t, session.StatusLoading, s.Status)
		assert.Empty(t, s.Handle)
	}
	assert.NoError(t, h.m.Reset(context.Background(), "A1"), "overlapping reset is a no-op")
	assert.Len(t, h.dialer.dials("A1"), 1)

	release()
	require.NoError(t, <-resetDone)
	assert.True(t, old.didLogout())

	require.Eventually(t, func() bool { return len(h.dialer.dials("A1")) == 2 }, waitFor, tick)
	fresh := h.dialer.last(t, "A1")
	assert.NotSame(t, old, fresh)
	assert.True(t, fresh.state.Empty(), "new session must pair from scratch")

	// Only one scheduled start fires.
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, h.dialer.dials("A1"), 2)
}

func TestDialErrorSetsErrorAndRetries(t *testing.T) {
	h := newHarness(t)
	h.dialer.fail["A1"] = 1
	h.dialer.err = errors.New("handshake refused")

	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)

	s := h.waitStatus(t, "A1", session.StatusError)
	assert.Contains(t, s.LastError, "handshake refused")
	assert.True(t, h.events.has(bus.EventError))

	l := h.dialer.last(t, "A1")
	l.emit(LinkEvent{Kind: LinkOpen})
	s = h.waitStatus(t, "A1", session.StatusConnected)
	assert.Empty(t, s.LastError)
}

type brokenBackend struct{ *credstore.MemoryBackend }

func (brokenBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestCredentialLoadFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.m.cfg.Store = credstore.New(brokenBackend{credstore.NewMemoryBackend()})

	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	s := h.waitStatus(t, "A1", session.StatusError)
	assert.Contains(t, s.LastError, "load credentials")
	assert.Empty(t, h.dialer.dials("A1"))
}

func TestAssistantsAreIsolated(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	_, err = h.m.EnsureStarted("A2")
	require.NoError(t, err)
	a1 := h.dialer.last(t, "A1")
	a2 := h.dialer.last(t, "A2")
	a1.emit(LinkEvent{Kind: LinkOpen})
	a2.emit(LinkEvent{Kind: LinkOpen})
	h.waitStatus(t, "A1", session.StatusConnected)
	h.waitStatus(t, "A2", session.StatusConnected)

	a1.emit(LinkEvent{Kind: LinkClose, LoggedOut: true})
	require.Eventually(t, func() bool {
		_, ok := h.m.Registry().Get("A1")
		return !ok
	}, waitFor, tick)
	assert.Equal(t, session.StatusConnected, h.status(t, "A2").Status)
	assert.False(t, a2.isClosed())
}

func TestMessagesRelayThroughCurrentLink(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	l := h.dialer.last(t, "A1")
	l.emit(LinkEvent{Kind: LinkOpen})
	l.emit(LinkEvent{Kind: LinkMessage, Message: relay.Envelope{SenderID: "S1", Kind: relay.KindText, Text: "Hola"}})

	require.Eventually(t, func() bool { return h.handler.count() == 1 }, waitFor, tick)
	h.handler.mu.Lock()
	assert.Equal(t, "A1", h.handler.envs[0].AssistantID)
	h.handler.mu.Unlock()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.texts) == 1 && l.texts[0] == "S1:echo:Hola"
	}, waitFor, tick)
}

func TestShutdownFlushesWithoutLogout(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.EnsureStarted("A1")
	require.NoError(t, err)
	l := h.dialer.last(t, "A1")
	l.emit(LinkEvent{Kind: LinkOpen})
	h.waitStatus(t, "A1", session.StatusConnected)
	l.setAuth([]byte("latest"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.m.Shutdown(ctx))

	assert.False(t, l.didLogout())
	assert.True(t, l.isClosed())
	st, err := h.store.Load(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, []byte("latest"), st.Creds())

	_, err = h.m.EnsureStarted("A2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAutoStartFromStoredCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"A1", "A2"} {
		st := credstore.NewAuthState()
		st.SetCreds([]byte("c-" + id))
		require.NoError(t, h.store.Save(ctx, id, st))
	}

	n, err := h.m.AutoStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.dialer.last(t, "A1")
	h.dialer.last(t, "A2")
	assert.Equal(t, []byte("c-A2"), h.dialer.last(t, "A2").state.Creds())
}

func TestInvalidAssistantID(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"", "../etc", "a/b", " A1"} {
		_, err := h.m.EnsureStarted(id)
		assert.ErrorIs(t, err, ErrInvalidAssistantID, "id %q", id)
		assert.ErrorIs(t, h.m.Reset(context.Background(), id), ErrInvalidAssistantID)
	}
	assert.Empty(t, h.m.Sessions())
}

func TestSendWithoutLinkFails(t *testing.T) {
	h := newHarness(t)
	a := newActor(h.m, "A1", "h")
	assert.ErrorIs(t, a.SendText(context.Background(), "S1", "x"), ErrNotConnected)
	assert.ErrorIs(t, a.SendAudio(context.Background(), "S1", nil, "audio/ogg"), ErrNotConnected)
}

func TestMailboxOrderAndClose(t *testing.T) {
	mb := newMailbox[int]()
	for i := 1; i <= 3; i++ {
		assert.True(t, mb.push(i))
	}
	<-mb.ready()
	assert.Equal(t, []int{1, 2, 3}, mb.drain())
	mb.close()
	mb.close()
	assert.False(t, mb.push(4))
	assert.Empty(t, mb.drain())
}
