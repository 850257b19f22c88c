package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "strips http prefix", input: "http://localhost:4318", expected: "localhost:4318"},
		{name: "strips https prefix", input: "https://otel.example.com:4318", expected: "otel.example.com:4318"},
		{name: "drops path", input: "http://collector:4318/v1/traces", expected: "collector:4318"},
		{name: "returns unchanged when no scheme", input: "localhost:4318", expected: "localhost:4318"},
		{name: "trims trailing slash", input: "localhost:4318/", expected: "localhost:4318"},
		{name: "handles empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := endpointHost(tt.input); got != tt.expected {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

// recordSpans swaps in an SDK provider backed by a span recorder.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	mu.Lock()
	prev, prevStarted := provider, started
	provider, started = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), true
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		provider, started = prev, prevStarted
		mu.Unlock()
	})
	return rec
}

func TestSessionSpans(t *testing.T) {
	rec := recordSpans(t)
	ctx := context.Background()

	_, span := TraceConnect(ctx, "ws://127.0.0.1:9999")
	TraceConnectResult(span, "", errors.New("boom"))
	span.End()

	_, span = TraceTurn(ctx, "abc", "turn-1", -1)
	TraceTurnEnd(span, "finished", 3, nil)
	span.End()

	TraceApproval(ctx, "call-1", "shell", "auto_approve", true)

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(ended))
	}
	names := []string{ended[0].Name(), ended[1].Name(), ended[2].Name()}
	want := []string{"session.connect", "turn.run", "approval.decide"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("span %d = %q, want %q", i, names[i], want[i])
		}
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("connect span should carry error status, got %v", ended[0].Status())
	}
	for _, kv := range ended[1].Attributes() {
		if kv.Key == "agent_id" {
			t.Error("agent_id should be omitted for untargeted turns")
		}
	}
}

func TestScenarioSpan(t *testing.T) {
	rec := recordSpans(t)
	_, span := TraceScenario(context.Background(), "abc", "tool", 2)
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "scenario.run" {
		t.Fatalf("unexpected spans: %v", ended)
	}
	if ended[0].SpanKind() != trace.SpanKindServer {
		t.Errorf("expected server span, got %v", ended[0].SpanKind())
	}
}

func TestSetServiceNameAfterStart(t *testing.T) {
	recordSpans(t)
	before := serviceName
	SetServiceName("other")
	if serviceName != before {
		t.Errorf("service name changed after start: %q", serviceName)
	}
}

func TestExporterOptions(t *testing.T) {
	if got := len(exporterOptions("http://localhost:4318")); got != 2 {
		t.Errorf("plain http endpoint should add WithInsecure, got %d options", got)
	}
	if got := len(exporterOptions("https://otel.example.com")); got != 1 {
		t.Errorf("https endpoint should not add WithInsecure, got %d options", got)
	}
}

func TestShutdownWithoutProvider(t *testing.T) {
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
