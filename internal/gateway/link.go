package gateway

import (
	"context"

	"github.com/KafClaw/wagateway/internal/credstore"
	"github.com/KafClaw/wagateway/internal/relay"
)

// LinkEventKind enumerates what a device link can report.
type LinkEventKind int

const (
	// LinkQR carries a fresh pairing challenge.
	LinkQR LinkEventKind = iota + 1
	// LinkOpen means the connection is authenticated and usable.
	LinkOpen
	// LinkClose means the transport closed. LoggedOut marks a remote unlink.
	LinkClose
	// LinkCredsUpdate means the working auth material changed.
	LinkCredsUpdate
	// LinkMessage carries an inbound chat message.
	LinkMessage
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkQR:
		return "qr"
	case LinkOpen:
		return "open"
	case LinkClose:
		return "close"
	case LinkCredsUpdate:
		return "creds"
	case LinkMessage:
		return "message"
	default:
		return "unknown"
	}
}

// LinkEvent is a callback from a device link, turned into a value.
type LinkEvent struct {
	Kind      LinkEventKind
	QR        string
	LoggedOut bool
	Reason    string
	Message   relay.Envelope
}

// Link is one live device connection.
type Link interface {
	relay.Sender
	// SyncAuth copies the link's working auth material into the AuthState it
	// was dialed with, marking what changed.
	SyncAuth(ctx context.Context) error
	// Logout unlinks the device on the remote side.
	Logout(ctx context.Context) error
	// Close disconnects without unlinking.
	Close() error
}

// Dialer opens device links. Dial may block while connecting; events the link
// produces are delivered through emit in transport order, and emit never blocks.
type Dialer interface {
	Dial(ctx context.Context, assistantID string, state *credstore.AuthState, emit func(LinkEvent)) (Link, error)
}
