// Package gateway manages one WhatsApp device link per assistant: starting
// sessions, tracking QR and connection state, reconnecting after transient
// drops and purging credentials after a remote logout.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/wagateway/internal/bus"
	"github.com/KafClaw/wagateway/internal/credstore"
	"github.com/KafClaw/wagateway/internal/relay"
	"github.com/KafClaw/wagateway/internal/session"
	"github.com/google/uuid"
)

var (
	// ErrInvalidAssistantID is returned for empty or unsafe assistant IDs.
	ErrInvalidAssistantID = errors.New("invalid assistant id")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("gateway is shut down")
	// ErrNotConnected is returned when replying on a session without a live link.
	ErrNotConnected = errors.New("session not connected")
)

// MessageHandler consumes inbound messages for live sessions.
type MessageHandler interface {
	Handle(ctx context.Context, env relay.Envelope, s relay.Sender) error
}

// Config wires a Manager.
type Config struct {
	Registry *session.Registry
	Store    *credstore.Store
	Dialer   Dialer
	Handler  MessageHandler
	Events   bus.Publisher

	ReconnectDelay  time.Duration
	ResetDelay      time.Duration
	FlushInterval   time.Duration
	TeardownTimeout time.Duration
}

// Manager is the connection manager. It is the only writer of the session
// registry; the HTTP layer reads the registry and calls EnsureStarted/Reset.
type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	actors        map[string]*actor
	pendingStarts map[string]*time.Timer
	resetting     map[string]bool
	closed        bool
}

// NewManager creates a Manager. Registry, Store and Dialer are required.
func NewManager(cfg Config) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ResetDelay < 0 {
		cfg.ResetDelay = 0
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:           cfg,
		ctx:           ctx,
		cancel:        cancel,
		actors:        make(map[string]*actor),
		pendingStarts: make(map[string]*time.Timer),
		resetting:     make(map[string]bool),
	}
}

// Registry exposes the session registry for read-only use.
func (m *Manager) Registry() *session.Registry { return m.cfg.Registry }

// EnsureStarted returns the current session for id, starting one if none is
// live or establishing. Repeated calls never create a second link. While a
// reset of id is in flight the session reads as loading and the start is
// left to the reset.
func (m *Manager) EnsureStarted(id string) (session.Session, error) {
	if err := credstore.ValidateID(id); err != nil {
		return session.Session{}, fmt.Errorf("%w: %q", ErrInvalidAssistantID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return session.Session{}, ErrClosed
	}
	if m.resetting[id] {
		return m.cfg.Registry.Upsert(id, func(s *session.Session) {
			s.Handle = ""
			s.Status = session.StatusLoading
			s.QR = ""
		}), nil
	}
	if old, ok := m.actors[id]; ok {
		if s, ok := m.cfg.Registry.Get(id); ok && s.Handle == old.handle {
			return s, nil
		}
		old.stop(false)
	}
	if t, ok := m.pendingStarts[id]; ok {
		t.Stop()
		delete(m.pendingStarts, id)
	}

	handle := uuid.NewString()
	s := m.cfg.Registry.Upsert(id, func(s *session.Session) {
		s.Handle = handle
		s.Status = session.StatusLoading
		s.QR = ""
		s.LastError = ""
	})
	a := newActor(m, id, handle)
	m.actors[id] = a
	go a.run()

	slog.Info("Gateway: session starting", "assistant_id", id)
	m.publish(bus.SessionEvent{AssistantID: id, Type: bus.EventStarting, Status: string(s.Status)})
	return s, nil
}

// Status returns the session state for id. An unknown id is started, so the
// result is never "absent".
func (m *Manager) Status(id string) (session.Session, error) {
	return m.EnsureStarted(id)
}

// Reset tears the session down (best-effort logout), deletes its credentials
// and schedules a fresh session after ResetDelay. No session for id can start
// until the credentials are gone; a Reset arriving while another one for the
// same id is in flight is a no-op.
func (m *Manager) Reset(ctx context.Context, id string) error {
	if err := credstore.ValidateID(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAssistantID, id)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.resetting[id] {
		m.mu.Unlock()
		return nil
	}
	m.resetting[id] = true
	a := m.actors[id]
	delete(m.actors, id)
	if t, ok := m.pendingStarts[id]; ok {
		t.Stop()
		delete(m.pendingStarts, id)
	}
	m.mu.Unlock()

	if a != nil {
		select {
		case <-a.stop(true):
		case <-ctx.Done():
			slog.Warn("Gateway: reset continuing before session teardown finished", "assistant_id", id)
		}
	}
	if err := m.cfg.Store.Delete(ctx, id); err != nil {
		slog.Error("Gateway: failed to delete credentials on reset", "assistant_id", id, "error", err)
	}

	m.mu.Lock()
	delete(m.resetting, id)
	if _, restarted := m.actors[id]; !restarted {
		m.cfg.Registry.Remove(id)
	}
	if t, ok := m.pendingStarts[id]; ok {
		t.Stop()
	}
	if !m.closed {
		m.pendingStarts[id] = time.AfterFunc(m.cfg.ResetDelay, func() { m.startPending(id) })
	}
	m.mu.Unlock()

	slog.Info("Gateway: session reset", "assistant_id", id, "restart_in", m.cfg.ResetDelay)
	m.publish(bus.SessionEvent{AssistantID: id, Type: bus.EventReset})
	return nil
}

func (m *Manager) startPending(id string) {
	m.mu.Lock()
	delete(m.pendingStarts, id)
	m.mu.Unlock()
	if _, err := m.EnsureStarted(id); err != nil && !errors.Is(err, ErrClosed) {
		slog.Warn("Gateway: scheduled start failed", "assistant_id", id, "error", err)
	}
}

// Sessions lists every tracked session.
func (m *Manager) Sessions() []session.Session {
	return m.cfg.Registry.List()
}

// AutoStart starts a session for every assistant with durable credentials.
func (m *Manager) AutoStart(ctx context.Context) (int, error) {
	ids, err := m.cfg.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}
	started := 0
	for _, id := range ids {
		if _, err := m.EnsureStarted(id); err != nil {
			slog.Warn("Gateway: auto-start skipped", "assistant_id", id, "error", err)
			continue
		}
		started++
	}
	return started, nil
}

// Shutdown disconnects every session without logging out, flushing
// credentials first. New starts are refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	actors := make([]*actor, 0, len(m.actors))
	for id, a := range m.actors {
		actors = append(actors, a)
		delete(m.actors, id)
	}
	for id, t := range m.pendingStarts {
		t.Stop()
		delete(m.pendingStarts, id)
	}
	m.mu.Unlock()

	for _, a := range actors {
		a.stop(false)
	}
	var err error
	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	m.cancel()
	slog.Info("Gateway: sessions stopped", "count", len(actors))
	return err
}

// detach forgets a if it is still the live actor for its assistant.
func (m *Manager) detach(a *actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actors[a.id] == a {
		delete(m.actors, a.id)
	}
}

// live reports the number of running actors.
func (m *Manager) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

func (m *Manager) publish(ev bus.SessionEvent) {
	if m.cfg.Events != nil {
		m.cfg.Events.Publish(ev)
	}
}
