// Package inbox implements the ordered queue that hands decoded server events
// from the receive pump to the consumer.
package inbox

import (
	"context"
	"errors"
	"sync"

	"github.com/tcdent/codey/pkg/protocol"
)

// ErrClosed is returned by Pop once the inbox is closed and drained.
var ErrClosed = errors.New("inbox closed")

// Inbox is an unbounded FIFO with one writer and one reader. Push never
// blocks; Pop blocks until an item is available, the inbox is closed, or
// the context ends.
type Inbox struct {
	mu     sync.Mutex
	items  []protocol.ServerEvent
	closed bool

	// ready holds at most one wake-up token for the reader.
	ready chan struct{}
}

// New returns an empty inbox.
func New() *Inbox {
	return &Inbox{ready: make(chan struct{}, 1)}
}

// Push appends ev. It reports false if the inbox is already closed.
func (b *Inbox) Push(ev protocol.ServerEvent) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, ev)
	b.mu.Unlock()
	b.signal()
	return true
}

// Pop removes and returns the head of the queue. Items pushed before Close
// are still delivered; after they are drained Pop returns ErrClosed.
func (b *Inbox) Pop(ctx context.Context) (protocol.ServerEvent, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			ev := b.items[0]
			b.items[0] = nil
			b.items = b.items[1:]
			if len(b.items) == 0 {
				b.items = nil
			}
			b.mu.Unlock()
			return ev, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops accepting new items and wakes a blocked reader.
func (b *Inbox) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Len reports the number of queued items.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Inbox) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
