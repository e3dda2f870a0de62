// Package transport maintains one long-lived WebSocket connection per account
// and drives its reconnect, redirect and auth-retry state machine.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// CloseEnrollmentRejected is the close code a peer uses to refuse a device.
	// The channel treats it as fatal and never reconnects.
	CloseEnrollmentRejected = 4403

	writeWait = 10 * time.Second
)

// State of a channel's connection state machine.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateUnexpectedResponse
	StateClosing
	StateReconnectWait
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateUnexpectedResponse:
		return "UNEXPECTED_RESPONSE"
	case StateClosing:
		return "CLOSING"
	case StateReconnectWait:
		return "RECONNECT_WAIT"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// EventKind tags the events a channel emits.
type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventClosed
	EventError
	EventPing
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	case EventPing:
		return "ping"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered synchronously to every listener, in emission order.
type Event struct {
	Kind EventKind
	// Code is the close code for Closed events and the handshake status for
	// handshake Errors.
	Code int
	Err  error
	Data []byte
	// Fatal marks an Error after which the channel never reconnects.
	Fatal bool
}

// Listener receives channel events. It runs on the channel's goroutine.
type Listener func(Event)

// Conn is the part of *websocket.Conn a channel drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	Close() error
}

// Dialer is the connection factory. A non-nil response with an error means the
// peer answered the handshake with a plain HTTP response.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Options tune the state machine. Zero values are not replaced; start from
// DefaultOptions.
type Options struct {
	ReconnectBase   time.Duration
	ReconnectJitter time.Duration
	SlowRetryBase   time.Duration
	SlowRetryJitter time.Duration
	// HeartbeatInterval is the expected ping period; the watchdog fires after
	// 1.5 times this without a ping. Zero disables the watchdog.
	HeartbeatInterval time.Duration
	MaxRedirects      int
	MaxAuthRetries    int
	WriteWait         time.Duration
}

// DefaultOptions returns the protocol's standard timings.
func DefaultOptions() Options {
	return Options{
		ReconnectBase:     3 * time.Second,
		ReconnectJitter:   time.Second,
		SlowRetryBase:     55 * time.Second,
		SlowRetryJitter:   10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxRedirects:      3,
		MaxAuthRetries:    10,
		WriteWait:         writeWait,
	}
}
