// Package events mirrors turn activity onto an event bus so other processes
// can follow a session live.
package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/tcdent/codey/internal/common/config"
	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/events/bus"
)

// Backend is the bus selected by configuration.
type Backend struct {
	Bus  bus.EventBus
	Kind string // "nats" or "memory"
}

// Open connects to NATS when cfg.URL is set and falls back to an in-process
// bus otherwise.
func Open(cfg config.NATSConfig, log *logger.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return &Backend{Bus: bus.NewMemoryEventBus(log), Kind: "memory"}, nil
	}
	nb, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open event bus: %w", err)
	}
	return &Backend{Bus: nb, Kind: "nats"}, nil
}

// Close flushes buffered publishes, bounded by ctx, then closes the bus.
func (b *Backend) Close(ctx context.Context) error {
	var err error
	if f, ok := b.Bus.(bus.Flusher); ok && b.Bus.IsConnected() {
		if ferr := f.Flush(ctx); ferr != nil {
			err = fmt.Errorf("flush event bus: %w", ferr)
		}
	}
	b.Bus.Close()
	return err
}
