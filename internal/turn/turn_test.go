package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcdent/codey/internal/approval"
	"github.com/tcdent/codey/internal/session"
	"github.com/tcdent/codey/internal/transport/transporttest"
	"github.com/tcdent/codey/pkg/protocol"
)

func connect(t *testing.T) (*session.Session, *transporttest.Channel) {
	t.Helper()
	ch := transporttest.NewChannel()
	ch.Deliver(`{"type":"Connected","session_id":"abc"}`)
	s := session.New(session.Config{
		URL:              "ws://codey.test",
		Dialer:           &transporttest.Dialer{Channel: ch},
		HandshakeTimeout: time.Second,
	})
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect() })
	return s, ch
}

type recorder struct {
	mu      sync.Mutex
	starts  []Info
	events  []protocol.ServerEvent
	seqs    []int
	endings []Summary
}

func (r *recorder) OnTurnStart(_ context.Context, info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, info)
}

func (r *recorder) OnEvent(_ context.Context, _ Info, seq int, ev protocol.ServerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seq)
	r.events = append(r.events, ev)
}

func (r *recorder) OnTurnEnd(_ context.Context, _ Info, s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endings = append(r.endings, s)
}

var usage = protocol.Usage{OutputTokens: 12, ContextTokens: 400}

func TestRun_YieldsUntilFinished(t *testing.T) {
	s, ch := connect(t)
	ch.DeliverEvent(protocol.TextDelta{Content: "He"})
	ch.DeliverEvent(protocol.TextDelta{Content: "llo"})
	ch.DeliverEvent(protocol.Finished{Usage: usage})
	ch.DeliverEvent(protocol.TextDelta{Content: "next turn"})

	rec := &recorder{}
	engine := NewEngine(s, approval.Policy{}, nil, rec)
	stream, err := engine.Run(context.Background(), "hi", nil)
	require.NoError(t, err)

	events, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, []protocol.ServerEvent{
		protocol.TextDelta{Content: "He"},
		protocol.TextDelta{Content: "llo"},
		protocol.Finished{Usage: usage},
	}, events)
	assert.False(t, stream.Next(), "stream is single-pass")
	assert.Equal(t, &usage, stream.Usage())

	assert.Equal(t, []protocol.ClientCommand{protocol.SendMessage{Content: "hi"}}, ch.Sent())

	require.Len(t, rec.starts, 1)
	assert.Equal(t, "abc", rec.starts[0].SessionID)
	assert.Equal(t, stream.ID(), rec.starts[0].ID)
	assert.Equal(t, []int{1, 2, 3}, rec.seqs)
	require.Len(t, rec.endings, 1)
	assert.Equal(t, ReasonFinished, rec.endings[0].Reason)
	assert.Equal(t, 3, rec.endings[0].Events)

	// The event after Finished belongs to the next read.
	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.TextDelta{Content: "next turn"}, ev)
}

func TestText_FiltersTextDeltas(t *testing.T) {
	s, ch := connect(t)
	ch.DeliverEvent(protocol.ThinkingDelta{Content: "hmm"})
	ch.DeliverEvent(protocol.TextDelta{Content: "He"})
	ch.DeliverEvent(protocol.ToolStarted{CallID: "c1", Name: "read"})
	ch.DeliverEvent(protocol.TextDelta{Content: "llo"})
	ch.DeliverEvent(protocol.Finished{})

	stream, err := NewEngine(s, approval.Policy{}, nil).Run(context.Background(), "hi", nil)
	require.NoError(t, err)

	text, err := Text(stream).Collect()
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, text)
}

func TestRun_NonFatalErrorContinues(t *testing.T) {
	s, ch := connect(t)
	ch.DeliverEvent(protocol.ErrorEvent{Message: "rate limited", Fatal: false})
	ch.DeliverEvent(protocol.Retrying{Attempt: 1, Error: "rate limited"})
	ch.DeliverEvent(protocol.TextDelta{Content: "ok"})
	ch.DeliverEvent(protocol.Finished{})

	stream, err := NewEngine(s, approval.Policy{}, nil).Run(context.Background(), "hi", nil)
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestRun_FatalErrorStops(t *testing.T) {
	s, ch := connect(t)
	ch.DeliverEvent(protocol.TextDelta{Content: "par"})
	ch.DeliverEvent(protocol.ErrorEvent{Message: "agent crashed", Fatal: true})
	ch.DeliverEvent(protocol.Finished{})

	rec := &recorder{}
	stream, err := NewEngine(s, approval.Policy{}, nil, rec).Run(context.Background(), "hi", nil)
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.True(t, protocol.IsFatalError(events[1]))
	assert.Equal(t, ReasonFatalError, rec.endings[0].Reason)
}

func TestRun_TransportClosedMidTurn(t *testing.T) {
	s, ch := connect(t)
	stream, err := NewEngine(s, approval.Policy{}, nil).Run(context.Background(), "hi", nil)
	require.NoError(t, err)
	ch.DeliverEvent(protocol.TextDelta{Content: "He"})
	ch.Hangup()
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []protocol.ServerEvent{
		protocol.TextDelta{Content: "He"},
		protocol.ErrorEvent{Message: session.ConnectionClosedMessage, Fatal: true},
	}, events)
}

func TestRun_AgentScopedFinished(t *testing.T) {
	s, ch := connect(t)
	ch.DeliverEvent(protocol.TextDelta{AgentID: 2, Content: "sub"})
	ch.DeliverEvent(protocol.Finished{AgentID: 2})
	ch.DeliverEvent(protocol.TextDelta{AgentID: 1, Content: "main"})
	ch.DeliverEvent(protocol.Finished{AgentID: 1})

	stream, err := NewEngine(s, approval.Policy{}, nil).Run(context.Background(), "hi", protocol.AgentIDPtr(1))
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, protocol.Finished{AgentID: 1}, events[3])
	assert.Equal(t, []protocol.ClientCommand{
		protocol.SendMessage{Content: "hi", AgentID: protocol.AgentIDPtr(1)},
	}, ch.Sent())
}

func awaiting(callID string) protocol.ToolAwaitingApproval {
	return protocol.ToolAwaitingApproval{CallID: callID, Name: "shell", Params: []byte(`{"cmd":"ls"}`)}
}

func TestRun_ApprovalSentBeforeEventExposed(t *testing.T) {
	tests := []struct {
		name     string
		policy   approval.Policy
		approved bool
	}{
		{"auto approve", approval.Policy{AutoApprove: true}, true},
		{"default deny", approval.Policy{}, false},
		{"decider", approval.Policy{Decider: approval.DeciderFunc(
			func(_ context.Context, req protocol.ToolAwaitingApproval) bool { return req.CallID == "c1" },
		)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ch := connect(t)
			ch.DeliverEvent(protocol.ToolRequest{Calls: []protocol.ToolCallInfo{{CallID: "c1", Name: "shell", Params: []byte(`{}`)}}})
			ch.DeliverEvent(awaiting("c1"))
			ch.DeliverEvent(protocol.Finished{})

			stream, err := NewEngine(s, tt.policy, nil).Run(context.Background(), "run ls", nil)
			require.NoError(t, err)

			require.True(t, stream.Next())
			assert.Len(t, ch.Sent(), 1, "no decision before the approval request")

			require.True(t, stream.Next())
			require.IsType(t, protocol.ToolAwaitingApproval{}, stream.Event())
			assert.Equal(t, []protocol.ClientCommand{
				protocol.SendMessage{Content: "run ls"},
				protocol.ToolDecision{CallID: "c1", Approved: tt.approved},
			}, ch.Sent())

			require.True(t, stream.Next())
			assert.False(t, stream.Next())
			assert.Len(t, ch.Sent(), 2, "exactly one decision per request")
		})
	}
}

func TestRun_DisconnectEndsStream(t *testing.T) {
	s, _ := connect(t)
	stream, err := NewEngine(s, approval.Policy{}, nil).Run(context.Background(), "hi", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Disconnect()
	}()

	assert.False(t, stream.Next())
	assert.ErrorIs(t, stream.Err(), session.ErrSessionClosed)
}

func TestRun_ContextCancelled(t *testing.T) {
	s, _ := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rec := &recorder{}
	stream, err := NewEngine(s, approval.Policy{}, nil, rec).Run(ctx, "hi", nil)
	require.NoError(t, err)

	assert.False(t, stream.Next())
	assert.True(t, errors.Is(stream.Err(), context.DeadlineExceeded))
	assert.Equal(t, ReasonCancelled, rec.endings[0].Reason)
}

func TestRun_SendFails(t *testing.T) {
	s, ch := connect(t)
	ch.SendErr = errors.New("broken pipe")

	rec := &recorder{}
	_, err := NewEngine(s, approval.Policy{}, nil, rec).Run(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ch.SendErr)
	assert.Empty(t, rec.starts)
}

func TestStream_CloseAbandons(t *testing.T) {
	s, ch := connect(t)
	ch.DeliverEvent(protocol.TextDelta{Content: "a"})

	rec := &recorder{}
	stream, err := NewEngine(s, approval.Policy{}, nil, rec).Run(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.True(t, stream.Next())

	stream.Close()
	stream.Close()
	assert.False(t, stream.Next())
	require.Len(t, rec.endings, 1)
	assert.Equal(t, ReasonAbandoned, rec.endings[0].Reason)
}
