package events

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/events/bus"
	"github.com/tcdent/codey/internal/turn"
	"github.com/tcdent/codey/pkg/protocol"
)

// Event types for turn boundaries. Server events keep their wire type.
const (
	TypeTurnStarted = "turn.started"
	TypeTurnEnded   = "turn.ended"
)

const source = "codey-client"

// Subject returns <prefix>.<session>.<eventType>.
func Subject(prefix, sessionID, eventType string) string {
	return prefix + "." + token(sessionID) + "." + eventType
}

// SessionSubjects returns the wildcard matching every event of a session.
func SessionSubjects(prefix, sessionID string) string {
	return prefix + "." + token(sessionID) + ".>"
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

type turnStarted struct {
	Content string  `json:"content"`
	AgentID *uint32 `json:"agent_id,omitempty"`
}

type turnEnded struct {
	Reason string          `json:"reason"`
	Events int             `json:"events"`
	Usage  *protocol.Usage `json:"usage,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Mirror is a turn.Observer that publishes every yielded event to a bus.
// Publish failures are logged and never interrupt the turn.
type Mirror struct {
	bus    bus.EventBus
	prefix string
	logger *logger.Logger
}

var _ turn.Observer = (*Mirror)(nil)

// NewMirror creates a Mirror publishing under prefix.
func NewMirror(b bus.EventBus, prefix string, log *logger.Logger) *Mirror {
	if log == nil {
		log = logger.NewNop()
	}
	if prefix == "" {
		prefix = "codey"
	}
	return &Mirror{bus: b, prefix: prefix, logger: log.WithFields(zap.String("component", "events-mirror"))}
}

func (m *Mirror) OnTurnStart(ctx context.Context, info turn.Info) {
	data, _ := json.Marshal(turnStarted{Content: info.Content, AgentID: info.AgentID})
	m.publish(ctx, info, TypeTurnStarted, 0, data)
}

func (m *Mirror) OnEvent(ctx context.Context, info turn.Info, seq int, ev protocol.ServerEvent) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		m.logger.Warn("failed to encode event for mirror", zap.Error(err))
		return
	}
	m.publish(ctx, info, ev.EventType(), seq, data)
}

func (m *Mirror) OnTurnEnd(ctx context.Context, info turn.Info, summary turn.Summary) {
	body := turnEnded{Reason: string(summary.Reason), Events: summary.Events, Usage: summary.Usage}
	if summary.Err != nil {
		body.Error = summary.Err.Error()
	}
	data, _ := json.Marshal(body)
	m.publish(ctx, info, TypeTurnEnded, 0, data)
}

func (m *Mirror) publish(ctx context.Context, info turn.Info, eventType string, seq int, data json.RawMessage) {
	ev := bus.NewEvent(eventType, source, data)
	ev.SessionID = info.SessionID
	ev.TurnID = info.ID
	ev.Seq = seq

	subject := Subject(m.prefix, info.SessionID, eventType)
	if err := m.bus.Publish(ctx, subject, ev); err != nil {
		m.logger.WithTurnID(info.ID).Warn("failed to mirror event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
