package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "codey-session"

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

// TraceConnect starts a span covering dial and handshake.
// Caller must call span.End() once connect returns.
func TraceConnect(ctx context.Context, url string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.connect",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(attribute.String("server.url", url))
	return ctx, span
}

// TraceConnectResult records the handshake outcome on the span.
func TraceConnectResult(span trace.Span, sessionID string, err error) {
	if sessionID != "" {
		span.SetAttributes(attribute.String("session_id", sessionID))
	}
	recordErr(span, err)
}

// TraceTurn starts a span for one turn. agentID is negative when the turn
// is not addressed to a specific agent.
func TraceTurn(ctx context.Context, sessionID, turnID string, agentID int64) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "turn.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("turn_id", turnID),
	)
	if agentID >= 0 {
		span.SetAttributes(attribute.Int64("agent_id", agentID))
	}
	return ctx, span
}

// TraceTurnEnd records how a turn ended.
func TraceTurnEnd(span trace.Span, reason string, events int, err error) {
	span.SetAttributes(
		attribute.String("turn.end_reason", reason),
		attribute.Int("turn.events", events),
	)
	recordErr(span, err)
}

// TraceApproval creates a single span for one approval decision.
func TraceApproval(ctx context.Context, callID, toolName, mode string, approved bool) {
	_, span := sessionTracer().Start(ctx, "approval.decide",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("call_id", callID),
		attribute.String("tool.name", toolName),
		attribute.String("approval.mode", mode),
		attribute.Bool("approval.approved", approved),
	)
}

func recordErr(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceScenario starts a server span for one scripted turn played by the
// mock server.
func TraceScenario(ctx context.Context, sessionID, scenario string, agentID uint32) (context.Context, trace.Span) {
	ctx, span := Tracer("codey-mock-server").Start(ctx, "scenario.run",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("scenario", scenario),
		attribute.Int64("agent_id", int64(agentID)),
	)
	return ctx, span
}
