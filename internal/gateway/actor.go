package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KafClaw/wagateway/internal/bus"
	"github.com/KafClaw/wagateway/internal/credstore"
	"github.com/KafClaw/wagateway/internal/relay"
	"github.com/KafClaw/wagateway/internal/session"
)

type actorMsgKind int

const (
	msgLink actorMsgKind = iota + 1
	msgRetry
)

type actorMsg struct {
	kind    actorMsgKind
	attempt uint64
	token   uint64
	ev      LinkEvent
}

// actor owns one assistant's session. All lifecycle transitions for the
// assistant run on its goroutine, in the order the link emitted them.
// Registry writes carry the actor's handle, so once a reset or logout has
// replaced or removed the entry, this actor can no longer touch it.
type actor struct {
	m      *Manager
	id     string
	handle string

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	logout   atomic.Bool
	stopOnce sync.Once

	inbox  *mailbox[actorMsg]
	relayQ *mailbox[relay.Envelope]

	// Loop-owned state.
	attempt    uint64
	live       bool
	state      *credstore.AuthState
	retryToken uint64
	retryTimer *time.Timer

	linkMu sync.RWMutex
	link   Link
}

func newActor(m *Manager, id, handle string) *actor {
	ctx, cancel := context.WithCancel(m.ctx)
	return &actor{
		m:      m,
		id:     id,
		handle: handle,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		inbox:  newMailbox[actorMsg](),
		relayQ: newMailbox[relay.Envelope](),
	}
}

// stop asks the actor to exit. With logout set, a live link is unlinked
// (best effort) instead of being flushed and disconnected.
func (a *actor) stop(logout bool) <-chan struct{} {
	a.stopOnce.Do(func() {
		a.logout.Store(logout)
		a.cancel()
	})
	return a.done
}

func (a *actor) run() {
	defer close(a.done)
	defer a.cancel()
	defer a.teardown()
	go a.relayLoop()

	a.connect()

	var tick <-chan time.Time
	if a.m.cfg.FlushInterval > 0 {
		t := time.NewTicker(a.m.cfg.FlushInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-tick:
			a.flush(a.ctx)
		case <-a.inbox.ready():
			for _, msg := range a.inbox.drain() {
				if a.ctx.Err() != nil {
					return
				}
				if !a.handleMsg(msg) {
					return
				}
			}
		}
	}
}

// handleMsg processes one message and reports whether the actor keeps running.
func (a *actor) handleMsg(msg actorMsg) bool {
	switch msg.kind {
	case msgRetry:
		if msg.token != a.retryToken || a.live {
			return true
		}
		a.connect()
		return true
	case msgLink:
		if msg.attempt != a.attempt {
			slog.Debug("Gateway: stale link event ignored",
				"assistant_id", a.id, "event", msg.ev.Kind, "attempt", msg.attempt, "current", a.attempt)
			return true
		}
		return a.handleLink(msg.ev)
	}
	return true
}

func (a *actor) handleLink(ev LinkEvent) bool {
	switch ev.Kind {
	case LinkQR:
		if ev.QR == "" {
			return true
		}
		a.transition(bus.EventQR, "", func(s *session.Session) {
			s.Status = session.StatusQR
			s.QR = ev.QR
		})
	case LinkOpen:
		a.transition(bus.EventConnected, "", func(s *session.Session) {
			s.Status = session.StatusConnected
			s.QR = ""
			s.LastError = ""
		})
		slog.Info("Gateway: session connected", "assistant_id", a.id)
		a.flush(a.ctx)
	case LinkCredsUpdate:
		a.flush(a.ctx)
	case LinkMessage:
		env := ev.Message
		if env.AssistantID == "" {
			env.AssistantID = a.id
		}
		a.relayQ.push(env)
	case LinkClose:
		if !a.live {
			return true
		}
		a.live = false
		link := a.swapLink(nil)
		if ev.LoggedOut {
			if link != nil {
				_ = link.Close()
			}
			a.terminal(ev.Reason)
			return false
		}
		if link != nil {
			a.flushLink(a.ctx, link)
			_ = link.Close()
		}
		slog.Warn("Gateway: session disconnected, reconnecting",
			"assistant_id", a.id, "reason", ev.Reason, "delay", a.m.cfg.ReconnectDelay)
		a.transition(bus.EventDisconnected, ev.Reason, func(s *session.Session) {
			s.Status = session.StatusDisconnected
			s.QR = ""
		})
		a.scheduleReconnect()
	}
	return true
}

// connect starts a new link attempt. Failures are recorded on the session
// and retried; they never leave the actor.
func (a *actor) connect() {
	a.attempt++
	attempt := a.attempt
	a.transition("", "", func(s *session.Session) {
		s.Status = session.StatusLoading
		s.QR = ""
	})

	if a.state == nil {
		st, err := a.m.cfg.Store.Load(a.ctx, a.id)
		switch {
		case errors.Is(err, credstore.ErrNotFound):
			st = credstore.NewAuthState()
		case err != nil:
			if a.ctx.Err() == nil {
				a.fail("load credentials", err)
			}
			return
		}
		a.state = st
	}

	emit := func(ev LinkEvent) {
		a.inbox.push(actorMsg{kind: msgLink, attempt: attempt, ev: ev})
	}
	link, err := a.m.cfg.Dialer.Dial(a.ctx, a.id, a.state, emit)
	if err != nil {
		if a.ctx.Err() == nil {
			a.fail("connect", err)
		}
		return
	}
	if a.ctx.Err() != nil {
		_ = link.Close()
		return
	}
	a.swapLink(link)
	a.live = true
}

func (a *actor) fail(stage string, err error) {
	slog.Warn("Gateway: session establishment failed",
		"assistant_id", a.id, "stage", stage, "error", err, "retry_in", a.m.cfg.ReconnectDelay)
	msg := stage + ": " + err.Error()
	a.transition(bus.EventError, msg, func(s *session.Session) {
		s.Status = session.StatusError
		s.QR = ""
		s.LastError = msg
	})
	a.scheduleReconnect()
}

// scheduleReconnect arms a single retry. A newer schedule supersedes the
// previous one: its token no longer matches and it is ignored on arrival.
func (a *actor) scheduleReconnect() {
	a.retryToken++
	token := a.retryToken
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.retryTimer = time.AfterFunc(a.m.cfg.ReconnectDelay, func() {
		a.inbox.push(actorMsg{kind: msgRetry, token: token})
	})
}

// terminal handles a remote logout: purge credentials, drop the session,
// and exit without reconnecting.
func (a *actor) terminal(reason string) {
	slog.Warn("Gateway: session logged out remotely, removing credentials", "assistant_id", a.id, "reason", reason)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.ctx), a.m.cfg.TeardownTimeout)
	defer cancel()
	if err := a.m.cfg.Store.Delete(ctx, a.id); err != nil {
		slog.Error("Gateway: failed to delete credentials after logout", "assistant_id", a.id, "error", err)
	}
	a.m.detach(a)
	a.m.cfg.Registry.RemoveIf(a.id, a.handle)
	a.m.publish(bus.SessionEvent{AssistantID: a.id, Type: bus.EventLoggedOut, Detail: reason})
}

func (a *actor) teardown() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.relayQ.close()
	link := a.swapLink(nil)
	if link == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.ctx), a.m.cfg.TeardownTimeout)
	defer cancel()
	if a.logout.Load() {
		if err := link.Logout(ctx); err != nil {
			slog.Warn("Gateway: logout failed, continuing reset", "assistant_id", a.id, "error", err)
		}
	} else {
		a.flushLink(ctx, link)
	}
	_ = link.Close()
}

// flush persists the working auth material of the current link.
func (a *actor) flush(ctx context.Context) {
	if link := a.currentLink(); link != nil {
		a.flushLink(ctx, link)
	}
}

func (a *actor) flushLink(ctx context.Context, link Link) {
	if a.state == nil {
		return
	}
	if err := link.SyncAuth(ctx); err != nil {
		slog.Warn("Gateway: failed to read working credentials", "assistant_id", a.id, "error", err)
		return
	}
	if !a.state.Dirty() {
		return
	}
	if err := a.m.cfg.Store.Save(ctx, a.id, a.state); err != nil {
		slog.Warn("Gateway: failed to persist credentials", "assistant_id", a.id, "error", err)
	}
}

func (a *actor) transition(typ bus.EventType, detail string, fn func(*session.Session)) {
	var status session.Status
	applied := a.m.cfg.Registry.UpdateIf(a.id, a.handle, func(s *session.Session) {
		fn(s)
		status = s.Status
	})
	if !applied || typ == "" {
		return
	}
	a.m.publish(bus.SessionEvent{AssistantID: a.id, Type: typ, Status: string(status), Detail: detail})
}

func (a *actor) relayLoop() {
	for {
		select {
		case <-a.relayQ.done():
			return
		case <-a.relayQ.ready():
			for _, env := range a.relayQ.drain() {
				select {
				case <-a.relayQ.done():
					return
				default:
				}
				if a.m.cfg.Handler == nil {
					continue
				}
				_ = a.m.cfg.Handler.Handle(a.m.ctx, env, a)
			}
		}
	}
}

func (a *actor) currentLink() Link {
	a.linkMu.RLock()
	defer a.linkMu.RUnlock()
	return a.link
}

func (a *actor) swapLink(l Link) Link {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	old := a.link
	a.link = l
	return old
}

// SendText and SendAudio route replies through whichever link is live now.

func (a *actor) SendText(ctx context.Context, to, text string) error {
	link := a.currentLink()
	if link == nil {
		return ErrNotConnected
	}
	return link.SendText(ctx, to, text)
}

func (a *actor) SendAudio(ctx context.Context, to string, data []byte, mimeType string) error {
	link := a.currentLink()
	if link == nil {
		return ErrNotConnected
	}
	return link.SendAudio(ctx, to, data, mimeType)
}
