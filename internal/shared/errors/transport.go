package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned when writing to a channel that is not open.
	ErrChannelClosed = errors.New("channel is not open")

	// ErrHeartbeatTimeout is reported when no ping arrived within the watchdog window.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrEnrollmentRejected is fatal: the peer refused this device and the
	// channel never reconnects.
	ErrEnrollmentRejected = errors.New("enrollment rejected by peer")

	// ErrAuthRetryExceeded is fatal: the handshake kept answering 401.
	ErrAuthRetryExceeded = errors.New("authentication retries exceeded")
)

// HandshakeError describes an HTTP response received instead of a protocol upgrade.
type HandshakeError struct {
	Status   int
	Location string
	Err      error
}

func (e *HandshakeError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("unexpected handshake response %d (location %s)", e.Status, e.Location)
	}
	return fmt.Sprintf("unexpected handshake response %d", e.Status)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err ends a channel permanently.
func IsFatal(err error) bool {
	return errors.Is(err, ErrEnrollmentRejected) || errors.Is(err, ErrAuthRetryExceeded)
}
