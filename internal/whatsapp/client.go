// Package whatsapp implements gateway device links on top of whatsmeow.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/KafClaw/wagateway/internal/credstore"
	"github.com/KafClaw/wagateway/internal/gateway"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Dialer opens whatsmeow clients, one working database per assistant.
type Dialer struct {
	// WorkDir returns the working directory for an assistant. An empty
	// result means a temporary directory removed on Close.
	WorkDir func(assistantID string) string
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string
	// LogLevel filters whatsmeow's own logging. Defaults to warn.
	LogLevel string
}

// NewDialer returns a Dialer that keeps working databases under the
// credential store's work directory.
func NewDialer(creds *credstore.Store, deviceName, logLevel string) *Dialer {
	d := &Dialer{DeviceName: deviceName, LogLevel: logLevel}
	if creds != nil {
		d.WorkDir = creds.WorkDir
	}
	return d
}

var (
	_ gateway.Dialer = (*Dialer)(nil)
	_ gateway.Link   = (*Link)(nil)

	devicePropsOnce sync.Once
)

// Dial implements gateway.Dialer.
func (d *Dialer) Dial(ctx context.Context, assistantID string, state *credstore.AuthState, emit func(gateway.LinkEvent)) (gateway.Link, error) {
	if d.DeviceName != "" {
		devicePropsOnce.Do(func() { store.DeviceProps.Os = proto.String(d.DeviceName) })
	}

	dir, temp, err := d.workDir(assistantID)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if temp {
			_ = os.RemoveAll(dir)
		}
	}

	dsn := "file:" + filepath.Join(dir, "device.db") +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("open working database: %w", err)
	}
	fail := func(err error) (gateway.Link, error) {
		_ = db.Close()
		cleanup()
		return nil, err
	}

	log := newLogger(assistantID, parseLevel(d.LogLevel))
	container := sqlstore.NewWithDB(db, "sqlite", log.Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		return fail(fmt.Errorf("migrate working database: %w", err))
	}

	if !state.Empty() {
		present, err := hasDevice(ctx, db)
		if err != nil {
			return fail(err)
		}
		if !present {
			if err := hydrate(ctx, db, state); err != nil {
				return fail(fmt.Errorf("restore credentials: %w", err))
			}
			slog.Info("WhatsApp: restored device from credential store", "assistant_id", assistantID)
		}
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fail(fmt.Errorf("load device: %w", err))
	}

	client := whatsmeow.NewClient(device, log.Sub("Client"))
	client.EnableAutoReconnect = false

	lctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		assistantID: assistantID,
		client:      client,
		db:          db,
		state:       state,
		emit:        emit,
		ctx:         lctx,
		cancel:      cancel,
		dir:         dir,
		temp:        temp,
	}
	client.AddEventHandler(l.onEvent)

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(lctx)
		if err != nil {
			cancel()
			return fail(fmt.Errorf("qr channel: %w", err))
		}
		go l.watchQR(qr)
	}
	if err := client.Connect(); err != nil {
		cancel()
		return fail(fmt.Errorf("connect: %w", err))
	}
	return l, nil
}

func (d *Dialer) workDir(assistantID string) (dir string, temp bool, err error) {
	if d.WorkDir != nil {
		dir = d.WorkDir(assistantID)
	}
	if dir == "" {
		dir, err = os.MkdirTemp("", "wagateway-"+assistantID+"-")
		if err != nil {
			return "", false, fmt.Errorf("create temp work dir: %w", err)
		}
		return dir, true, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", false, fmt.Errorf("create work dir: %w", err)
	}
	return dir, false, nil
}

// Link is one whatsmeow client bound to a gateway session.
type Link struct {
	assistantID string
	client      *whatsmeow.Client
	db          *sql.DB
	state       *credstore.AuthState
	emit        func(gateway.LinkEvent)

	ctx    context.Context
	cancel context.CancelFunc
	dir    string
	temp   bool

	syncMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (l *Link) send(ev gateway.LinkEvent) {
	if l.closed.Load() {
		return
	}
	l.emit(ev)
}

func (l *Link) onEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		l.send(gateway.LinkEvent{Kind: gateway.LinkOpen})
	case *events.PairSuccess:
		slog.Info("WhatsApp: device paired", "assistant_id", l.assistantID, "jid", v.ID.String())
		l.send(gateway.LinkEvent{Kind: gateway.LinkCredsUpdate})
	case *events.Message:
		// Ratchet changes from decryption are picked up by the periodic flush.
		l.send(gateway.LinkEvent{Kind: gateway.LinkMessage, Message: toEnvelope(l.assistantID, l.client, v)})
	case *events.LoggedOut:
		l.send(gateway.LinkEvent{Kind: gateway.LinkClose, LoggedOut: true, Reason: "logged out: " + v.Reason.String()})
	case *events.ConnectFailure:
		l.send(gateway.LinkEvent{
			Kind:      gateway.LinkClose,
			LoggedOut: v.Reason.IsLoggedOut(),
			Reason:    fmt.Sprintf("connect failure: %s %s", v.Reason.String(), v.Message),
		})
	case *events.StreamReplaced:
		l.send(gateway.LinkEvent{Kind: gateway.LinkClose, Reason: "stream replaced"})
	case *events.TemporaryBan:
		l.send(gateway.LinkEvent{Kind: gateway.LinkClose, Reason: "temporary ban: " + v.String()})
	case *events.ClientOutdated:
		l.send(gateway.LinkEvent{Kind: gateway.LinkClose, Reason: "client outdated"})
	case *events.Disconnected:
		l.send(gateway.LinkEvent{Kind: gateway.LinkClose, Reason: "connection lost"})
	}
}

func (l *Link) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			l.send(gateway.LinkEvent{Kind: gateway.LinkQR, QR: item.Code})
		case "success":
			// PairSuccess and Connected follow on the event handler.
		case "timeout":
			l.send(gateway.LinkEvent{Kind: gateway.LinkClose, Reason: "qr timeout"})
		default:
			reason := "pairing failed: " + item.Event
			if item.Error != nil {
				reason += ": " + item.Error.Error()
			}
			l.send(gateway.LinkEvent{Kind: gateway.LinkClose, Reason: reason})
		}
	}
}

// SendText sends a plain text message.
func (l *Link) SendText(ctx context.Context, to, text string) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	_, err = l.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// SendAudio uploads data and sends it as an audio message. Opus in ogg is
// sent as a voice note.
func (l *Link) SendAudio(ctx context.Context, to string, data []byte, mimeType string) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	up, err := l.client.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}
	msg := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		PTT:           proto.Bool(strings.Contains(mimeType, "ogg")),
	}}
	if _, err := l.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// SyncAuth implements gateway.Link.
func (l *Link) SyncAuth(ctx context.Context) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	return snapshot(ctx, l.db, l.state)
}

// Logout unlinks the device from the phone.
func (l *Link) Logout(ctx context.Context) error {
	if l.client.Store.ID == nil {
		return nil
	}
	return l.client.Logout(ctx)
}

// Close disconnects and releases the working database.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.cancel()
		l.client.Disconnect()
		l.syncMu.Lock()
		err = l.db.Close()
		l.syncMu.Unlock()
		if l.temp {
			_ = os.RemoveAll(l.dir)
		}
	})
	return err
}

// parseRecipient accepts a full JID or a bare phone number.
func parseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("parse recipient %q: %w", to, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), types.DefaultUserServer), nil
}
