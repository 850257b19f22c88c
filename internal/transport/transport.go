// Package transport provides the bidirectional text-frame channel that
// carries protocol messages between the client and codey-server.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive once the peer or the local side has
// closed the channel, and by Send on a closed channel.
var ErrClosed = errors.New("transport closed")

// Channel is one open connection. Send may be called concurrently with
// Receive; Receive must only be called from a single goroutine.
type Channel interface {
	// Send writes one text frame.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next frame arrives. Errors that end the
	// connection satisfy errors.Is(err, ErrClosed).
	Receive(ctx context.Context) ([]byte, error)

	// Close shuts down the channel. Safe to call multiple times.
	Close() error
}

// Dialer opens Channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// ClosedError carries the underlying reason a channel stopped.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return ErrClosed.Error()
	}
	return ErrClosed.Error() + ": " + e.Cause.Error()
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrClosed
}

func (e *ClosedError) Unwrap() error {
	return e.Cause
}
