package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for session operations.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrSessionClosed    = errors.New("session is closed")
)

// ConnectionError reports a failed connect: the dial or handshake failed,
// the server answered with an error, or the first event was not Connected.
// The session is Closed afterwards; reconnecting needs a new Session.
type ConnectionError struct {
	URL     string
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("connection error: %s", e.Message)
	if e.URL != "" {
		msg = fmt.Sprintf("connection error (%s): %s", e.URL, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsConnectionError reports whether err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
