// Package turn drives one request/response exchange: it sends the user
// message, answers approval requests and yields server events until the turn
// is over.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/approval"
	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/session"
	"github.com/tcdent/codey/internal/tracing"
	"github.com/tcdent/codey/pkg/protocol"
)

// Conn is the part of a session a turn needs.
type Conn interface {
	Send(ctx context.Context, cmd protocol.ClientCommand) error
	Next(ctx context.Context) (protocol.ServerEvent, error)
	SessionID() string
}

// Engine starts turns over one connection.
type Engine struct {
	conn      Conn
	approvals *approval.Machine
	logger    *logger.Logger
	observers []Observer
}

// NewEngine creates an Engine. Approval requests are answered by a
// machine built from policy that sends through conn.
func NewEngine(conn Conn, policy approval.Policy, log *logger.Logger, observers ...Observer) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		conn:      conn,
		approvals: approval.NewMachine(policy, conn, log),
		logger:    log.WithFields(zap.String("component", "turn")),
		observers: observers,
	}
}

// Run sends content as a new user message and returns the stream of events
// answering it. agentID addresses a specific agent; nil lets the server pick.
// Only one stream per connection should be read at a time.
func (e *Engine) Run(ctx context.Context, content string, agentID *uint32) (*Stream, error) {
	info := Info{
		ID:        uuid.New().String(),
		SessionID: e.conn.SessionID(),
		Content:   content,
		AgentID:   agentID,
		StartedAt: time.Now().UTC(),
	}

	traceAgent := int64(-1)
	if agentID != nil {
		traceAgent = int64(*agentID)
	}
	ctx, span := tracing.TraceTurn(ctx, info.SessionID, info.ID, traceAgent)

	if err := e.conn.Send(ctx, protocol.SendMessage{Content: content, AgentID: agentID}); err != nil {
		tracing.TraceTurnEnd(span, string(ReasonFailed), 0, err)
		span.End()
		return nil, fmt.Errorf("start turn: %w", err)
	}

	log := e.logger.WithSessionID(info.SessionID).WithTurnID(info.ID)
	log.Debug("turn started", zap.Int("content_len", len(content)))
	for _, o := range e.observers {
		o.OnTurnStart(ctx, info)
	}

	return &Stream{engine: e, ctx: ctx, span: span, info: info, logger: log}, nil
}

// Stream is a single-pass sequence of the events of one turn:
//
//	for stream.Next() {
//		ev := stream.Event()
//	}
//	if err := stream.Err(); err != nil { ... }
//
// It ends after the Finished event of the turn or a fatal Error event, both
// of which are yielded. Non-fatal Error events do not end it.
type Stream struct {
	engine *Engine
	ctx    context.Context
	span   trace.Span
	info   Info
	logger *logger.Logger

	event  protocol.ServerEvent
	err    error
	done   bool
	events int
	usage  *protocol.Usage
}

// Next advances to the next event. Approval requests are decided and the
// decision sent before the request is exposed by Event.
func (s *Stream) Next() bool {
	if s.done {
		s.event = nil
		return false
	}

	ev, err := s.engine.conn.Next(s.ctx)
	if err != nil {
		s.event = nil
		s.err = err
		switch {
		case errors.Is(err, session.ErrSessionClosed):
			s.finish(ReasonClosed)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.finish(ReasonCancelled)
		default:
			s.finish(ReasonFailed)
		}
		return false
	}

	if req, ok := ev.(protocol.ToolAwaitingApproval); ok {
		if _, err := s.engine.approvals.Handle(s.ctx, req); err != nil {
			s.event = nil
			s.err = fmt.Errorf("send tool decision for %s: %w", req.CallID, err)
			s.finish(ReasonFailed)
			return false
		}
	}

	s.event = ev
	s.events++
	for _, o := range s.engine.observers {
		o.OnEvent(s.ctx, s.info, s.events, ev)
	}

	switch e := ev.(type) {
	case protocol.Finished:
		if s.info.AgentID == nil || *s.info.AgentID == e.AgentID {
			usage := e.Usage
			s.usage = &usage
			s.finish(ReasonFinished)
		}
	case protocol.ErrorEvent:
		if e.Fatal {
			s.logger.Warn("turn ended by fatal error", zap.String("message", e.Message))
			s.finish(ReasonFatalError)
		}
	}
	return true
}

// Event returns the event produced by the last successful Next.
func (s *Stream) Event() protocol.ServerEvent {
	return s.event
}

// Err returns the error that stopped the stream early, if any. A turn ended
// by a Finished or fatal Error event reports nil.
func (s *Stream) Err() error {
	return s.err
}

// ID returns the turn id.
func (s *Stream) ID() string {
	return s.info.ID
}

// Info returns the turn description.
func (s *Stream) Info() Info {
	return s.info
}

// Usage returns the token usage reported by Finished, or nil.
func (s *Stream) Usage() *protocol.Usage {
	return s.usage
}

// Done reports whether the turn is over.
func (s *Stream) Done() bool {
	return s.done
}

// Close abandons the turn if it is still running. Events the server sends
// afterwards stay queued on the connection.
func (s *Stream) Close() {
	if !s.done {
		s.finish(ReasonAbandoned)
	}
}

// Collect drains the stream.
func (s *Stream) Collect() ([]protocol.ServerEvent, error) {
	var out []protocol.ServerEvent
	for s.Next() {
		out = append(out, s.Event())
	}
	return out, s.Err()
}

func (s *Stream) finish(reason EndReason) {
	s.done = true
	summary := Summary{
		Reason:  reason,
		Events:  s.events,
		Usage:   s.usage,
		Err:     s.err,
		EndedAt: time.Now().UTC(),
	}

	tracing.TraceTurnEnd(s.span, string(reason), s.events, s.err)
	s.span.End()

	fields := []zap.Field{zap.String("reason", string(reason)), zap.Int("events", s.events)}
	if s.usage != nil {
		fields = append(fields, zap.Uint32("output_tokens", s.usage.OutputTokens))
	}
	if s.err != nil {
		s.logger.WithError(s.err).Info("turn ended", fields...)
	} else {
		s.logger.Info("turn ended", fields...)
	}

	for _, o := range s.engine.observers {
		o.OnTurnEnd(s.ctx, s.info, summary)
	}
}

// TextStream is the text-only view of a Stream: it yields the content of
// TextDelta events and skips everything else.
type TextStream struct {
	stream *Stream
	text   string
}

// Text wraps s.
func Text(s *Stream) *TextStream {
	return &TextStream{stream: s}
}

// Next advances to the next text chunk.
func (t *TextStream) Next() bool {
	for t.stream.Next() {
		if d, ok := t.stream.Event().(protocol.TextDelta); ok {
			t.text = d.Content
			return true
		}
	}
	t.text = ""
	return false
}

// Text returns the chunk produced by the last successful Next.
func (t *TextStream) Text() string {
	return t.text
}

// Err returns the error of the underlying stream.
func (t *TextStream) Err() error {
	return t.stream.Err()
}

// Stream returns the underlying event stream.
func (t *TextStream) Stream() *Stream {
	return t.stream
}

// Close abandons the underlying turn.
func (t *TextStream) Close() {
	t.stream.Close()
}

// Collect drains the view.
func (t *TextStream) Collect() ([]string, error) {
	var out []string
	for t.Next() {
		out = append(out, t.Text())
	}
	return out, t.Err()
}
