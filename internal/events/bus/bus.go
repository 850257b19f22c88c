// Package bus carries mirrored turn events between publishers and
// subscribers, in process or over NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published for every mirrored turn event. Data holds
// the server event as it arrived on the wire, or a turn boundary payload.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
	Seq       int             `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps a fresh id and the current UTC time.
func NewEvent(eventType, source string, data json.RawMessage) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// DecodeData unmarshals the payload into v.
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event data: %w", e.Type, err)
	}
	return nil
}

type EventHandler func(ctx context.Context, event *Event) error

type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus routes events by dot-separated subject. Subscribe patterns may
// use "*" for one token and a trailing ">" for the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(pattern string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// Flusher is implemented by buses that buffer publishes.
type Flusher interface {
	Flush(ctx context.Context) error
}

var (
	_ EventBus = (*MemoryEventBus)(nil)
	_ EventBus = (*NATSEventBus)(nil)
	_ Flusher  = (*NATSEventBus)(nil)
)
