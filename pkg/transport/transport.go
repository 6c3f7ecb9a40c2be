// Package transport keeps one push connection to a conversation alive. A
// single Adapter runs the connection state machine over a variant Dialer, so
// the socket and stream transports share reconnect, resume and send-queue
// behavior.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned for sends that could not be delivered
	// because every reconnect attempt failed.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrSendUnsupported is returned by receive-only variants.
	ErrSendUnsupported = errors.New("transport is receive-only")
	// ErrClosed is returned once the adapter has been closed.
	ErrClosed = errors.New("transport closed")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// Frame is one inbound event as delivered by the wire.
type Frame struct {
	Data    []byte
	EventID string
	Event   string
}

// Conn is an established connection produced by a Dialer.
type Conn interface {
	// Receive blocks until the next frame arrives or the connection ends.
	Receive(ctx context.Context) (Frame, error)
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer opens connections for one transport variant. The cursor is the last
// processed event id, empty on the first connect.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, cursor string) (Conn, error)
	CanSend() bool
}

// Handlers receive connection callbacks. Any of them may be nil. They are
// never invoked while the adapter holds its lock.
type Handlers struct {
	OnMessage func(Frame)
	OnOpen    func()
	OnClose   func(error)
	OnError   func(error)
	OnState   func(State)
}

// Transport is what the engine and session layer depend on.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	CanSend() bool
	State() State
	Cursor() string
	Close() error
}
