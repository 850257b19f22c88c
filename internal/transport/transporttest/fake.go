// Package transporttest provides an in-memory transport.Channel for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tcdent/codey/internal/transport"
	"github.com/tcdent/codey/pkg/protocol"
)

// Channel is a scripted transport.Channel. Frames queued with Deliver are
// returned by Receive in order; every Send is recorded.
type Channel struct {
	// OnSend, when set, is called after each recorded send.
	OnSend func(c *Channel, cmd protocol.ClientCommand)

	// SendErr, when set, is returned by every Send.
	SendErr error

	incoming chan []byte
	hangup   chan struct{}
	hangOnce sync.Once

	mu      sync.Mutex
	sent    []protocol.ClientCommand
	sentSig chan struct{}
	closed  bool
}

// NewChannel returns an open channel with room for many queued frames.
func NewChannel() *Channel {
	return &Channel{
		incoming: make(chan []byte, 1024),
		hangup:   make(chan struct{}),
		sentSig:  make(chan struct{}, 1),
	}
}

// Deliver queues a raw frame for Receive.
func (c *Channel) Deliver(frame string) {
	c.incoming <- []byte(frame)
}

// DeliverEvent encodes ev and queues it.
func (c *Channel) DeliverEvent(ev protocol.ServerEvent) {
	raw, err := protocol.EncodeEvent(ev)
	if err != nil {
		panic(err)
	}
	c.incoming <- raw
}

// Hangup simulates the peer closing the connection. Receive returns
// transport.ErrClosed once queued frames are drained.
func (c *Channel) Hangup() {
	c.hangOnce.Do(func() { close(c.hangup) })
}

func (c *Channel) Send(ctx context.Context, frame []byte) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	cmd, err := protocol.DecodeCommand(frame)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()

	select {
	case c.sentSig <- struct{}{}:
	default:
	}
	if c.OnSend != nil {
		c.OnSend(c, cmd)
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.incoming:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.incoming:
		return frame, nil
	case <-c.hangup:
		return nil, &transport.ClosedError{Cause: errors.New("peer hung up")}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns a copy of the commands sent so far.
func (c *Channel) Sent() []protocol.ClientCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ClientCommand, len(c.sent))
	copy(out, c.sent)
	return out
}

// WaitSent blocks until at least n commands were sent or timeout elapses.
func (c *Channel) WaitSent(n int, timeout time.Duration) []protocol.ClientCommand {
	deadline := time.After(timeout)
	for {
		if sent := c.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-c.sentSig:
		case <-deadline:
			return c.Sent()
		}
	}
}

// Dialer hands out a fixed Channel, or fails with Err.
type Dialer struct {
	Channel *Channel
	Err     error

	mu    sync.Mutex
	dials []string
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Channel, error) {
	d.mu.Lock()
	d.dials = append(d.dials, url)
	d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Channel, nil
}

// Dials returns the URLs dialed so far.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}
