package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/logger"
)

// ErrBusClosed is returned by a closed MemoryEventBus.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus is an in-process EventBus. Handlers run on the publishing
// goroutine in subscription order, so each subscriber sees events in
// publish order.
type MemoryEventBus struct {
	logger *logger.Logger

	mu     sync.Mutex
	subs   []*memorySubscription // replaced, never mutated in place
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern []string
	handler EventHandler
	active  atomic.Bool
}

// NewMemoryEventBus creates an empty bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.NewNop()
	}
	return &MemoryEventBus{logger: log.WithFields(zap.String("component", "memory-bus"))}
}

// Publish runs every handler whose pattern matches subject. Handler errors
// are logged and do not stop delivery to the others.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := b.subs
	b.mu.Unlock()

	tokens := strings.Split(subject, ".")
	for _, sub := range subs {
		if !sub.active.Load() || !matchTokens(sub.pattern, tokens) {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers handler for subjects matching pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{bus: b, pattern: strings.Split(pattern, "."), handler: handler}
	sub.active.Store(true)

	next := make([]*memorySubscription, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, sub)
	return sub, nil
}

func (s *memorySubscription) Unsubscribe() error {
	if !s.active.Swap(false) {
		return nil
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]*memorySubscription, 0, len(b.subs))
	for _, other := range b.subs {
		if other != s {
			next = append(next, other)
		}
	}
	b.subs = next
	return nil
}

func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// Close ends every subscription. Later calls to Publish and Subscribe fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
}

// IsConnected reports whether the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// matchTokens applies NATS subject rules: "*" matches exactly one token and
// a trailing ">" matches one or more.
func matchTokens(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" && i == len(pattern)-1 {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(subject) == len(pattern)
}
