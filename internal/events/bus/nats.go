package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/config"
	"github.com/tcdent/codey/internal/common/logger"
)

// Message headers duplicating the routing fields of an Event, so consumers
// can filter without decoding the body.
const (
	HeaderEventType = "Codey-Event-Type"
	HeaderSessionID = "Codey-Session-Id"
	HeaderTurnID    = "Codey-Turn-Id"
	HeaderSeq       = "Codey-Seq"
)

const flushTimeout = 5 * time.Second

// NATSEventBus publishes mirrored turn events to a NATS server.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to cfg.URL. The connection reconnects on its own
// up to cfg.MaxReconnects times.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithFields(zap.String("component", "nats-bus"))

	conn, err := nats.Connect(cfg.URL, natsOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return &NATSEventBus{conn: conn, logger: log}, nil
}

func natsOptions(cfg config.NATSConfig, log *logger.Logger) []nats.Option {
	name := cfg.ClientID
	if name == "" {
		name = "codey-client"
	}
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS connection lost", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Warn("NATS async error", fields...)
		}),
	}
}

func headersFor(event *Event) nats.Header {
	h := nats.Header{}
	h.Set(HeaderEventType, event.Type)
	if event.SessionID != "" {
		h.Set(HeaderSessionID, event.SessionID)
	}
	if event.TurnID != "" {
		h.Set(HeaderTurnID, event.TurnID)
	}
	if event.Seq > 0 {
		h.Set(HeaderSeq, strconv.Itoa(event.Seq))
	}
	return h
}

// Publish sends event to subject. It does not wait for the server.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	msg := &nats.Msg{Subject: subject, Header: headersFor(event), Data: data}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	b.logger.Debug("published event", zap.String("subject", subject), zap.String("type", event.Type))
	return nil
}

// Flush waits until the server has received everything published so far.
// A ctx without deadline is bounded by flushTimeout.
func (b *NATSEventBus) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return b.conn.FlushWithContext(ctx)
}

// Subscribe delivers events on subjects matching pattern to handler. Events
// that cannot be decoded are logged and skipped.
func (b *NATSEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.WithSessionID(event.SessionID).Warn("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("type", event.Type),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", pattern, err)
	}
	return natsSubscription{sub}, nil
}

// Close drains subscriptions and pending publishes, then disconnects.
func (b *NATSEventBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the connection is currently up.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func (s natsSubscription) IsValid() bool { return s.sub.IsValid() }
