package session

import (
	"context"
	"errors"
	"time"

	"github.com/wa-export/exportd/internal/userdata"
)

var (
	// ErrNoSession is returned by operations that need a live client when the
	// user has none.
	ErrNoSession = errors.New("no active session")
	// ErrAlreadyActive reports a create attempt for a user whose client is
	// already running.
	ErrAlreadyActive = errors.New("session already running")
)

type EventKind string

const (
	EventPairingCode  EventKind = "pairing_code"
	EventReady        EventKind = "ready"
	EventAuthFailure  EventKind = "auth_failure"
	EventDisconnected EventKind = "disconnected"
)

// Event is a lifecycle notification raised by an automation client.
type Event struct {
	Kind EventKind
	// Code carries the raw pairing payload for EventPairingCode.
	Code string
	// Reason is a human readable cause for failures and disconnects.
	Reason string
}

type EventHandler func(Event)

type Contact struct {
	Number string
	Name   string
}

type Chat struct {
	ID      string
	IsGroup bool
	Contact Contact
}

type Message struct {
	ID        string
	Timestamp time.Time
	FromMe    bool
	Body      string
}

// Client is one connection to the messaging platform. Implementations report
// lifecycle changes through the handler registered with OnEvent; Initialize
// only reports failures to start.
type Client interface {
	OnEvent(handler EventHandler)
	Initialize(ctx context.Context) error
	// Logout revokes the paired credentials on the platform side.
	Logout(ctx context.Context) error
	// Destroy closes the connection and releases local resources. Stored
	// credentials are kept.
	Destroy(ctx context.Context) error

	Chats(ctx context.Context) ([]Chat, error)
	ChatByNumber(ctx context.Context, number string) (Chat, error)
	Messages(ctx context.Context, chatID string, limit int) ([]Message, error)
}

// ClientFactory builds an uninitialized client bound to the user's
// directories.
type ClientFactory func(userID string, dirs userdata.Dirs) (Client, error)

// Channel is the push endpoint of one live front-end connection.
type Channel interface {
	ID() string
	Emit(event string, payload any) error
}

// Notification names emitted on channels.
const (
	NotifyLog           = "log"
	NotifyQR            = "qr"
	NotifyReady         = "ready"
	NotifyDone          = "done"
	NotifyChatsDone     = "chats_done"
	NotifySessionClosed = "session_closed"
)
