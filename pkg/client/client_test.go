package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcdent/codey/internal/events"
	"github.com/tcdent/codey/internal/events/bus"
	"github.com/tcdent/codey/internal/mockserver"
	"github.com/tcdent/codey/internal/transcript"
	"github.com/tcdent/codey/internal/transport/transporttest"
	"github.com/tcdent/codey/pkg/protocol"
)

func mockServer(t *testing.T, cfg mockserver.Config) string {
	t.Helper()
	srv := mockserver.New(cfg)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func connectedClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	url := mockServer(t, mockserver.Config{})
	c := New(append([]Option{WithURL(url), WithHandshakeTimeout(5 * time.Second)}, opts...)...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func types(events []protocol.ServerEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType())
	}
	return out
}

// receive skips events until one of type typ arrives.
func receive(t *testing.T, c *Client, typ string) protocol.ServerEvent {
	t.Helper()
	for {
		ev, ok, err := c.Receive(context.Background(), 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok, "timed out waiting for %s", typ)
		if ev.EventType() == typ {
			return ev
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New()
	assert.Equal(t, "ws://127.0.0.1:9999", c.url)
	assert.Equal(t, 30*time.Second, c.handshakeTimeout)
	assert.NotNil(t, c.logger)
	assert.NotNil(t, c.dialer)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.IsConnected())
	assert.Empty(t, c.SessionID())
}

func TestNotConnected(t *testing.T) {
	c := New()
	ctx := context.Background()

	assert.ErrorIs(t, c.Ping(ctx), ErrNotConnected)
	assert.ErrorIs(t, c.SendMessage(ctx, "hi", nil), ErrNotConnected)
	_, _, err := c.Receive(ctx, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Chat(ctx, "hi", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Disconnect())
}

func TestConnect(t *testing.T) {
	c := connectedClient(t)

	assert.True(t, c.IsConnected())
	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.SessionID())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnect_Rejected(t *testing.T) {
	url := mockServer(t, mockserver.Config{RejectMessage: "boom"})
	c := New(WithURL(url))

	err := c.Connect(context.Background())
	require.True(t, IsConnectionError(err), "got %v", err)
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Error(), "boom")
	assert.Equal(t, StateClosed, c.State())

	// A retry is a new attempt, not ErrSessionClosed.
	err = c.Connect(context.Background())
	assert.True(t, IsConnectionError(err), "got %v", err)
}

func TestConnect_Unreachable(t *testing.T) {
	c := New(WithURL("ws://127.0.0.1:1"), WithHandshakeTimeout(time.Second))
	err := c.Connect(context.Background())
	assert.True(t, IsConnectionError(err), "got %v", err)
	assert.Equal(t, StateClosed, c.State())
}

func TestReconnectStartsNewSession(t *testing.T) {
	c := connectedClient(t)
	first := c.SessionID()

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, c.SessionID())

	require.NoError(t, c.Connect(context.Background()))
	assert.NotEmpty(t, c.SessionID())
	assert.NotEqual(t, first, c.SessionID())
}

func TestChat_Simple(t *testing.T) {
	c := connectedClient(t)

	stream, err := c.Chat(context.Background(), "simple", nil)
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, protocol.TextDelta{Content: "He"}, events[0])
	assert.Equal(t, protocol.TextDelta{Content: "llo"}, events[1])
	assert.IsType(t, protocol.Finished{}, events[2])
	require.NotNil(t, stream.Usage())
	assert.Equal(t, uint32(1), stream.Usage().OutputTokens)
}

func TestStreamText(t *testing.T) {
	c := connectedClient(t)

	text, err := c.StreamText(context.Background(), "simple", nil)
	require.NoError(t, err)
	chunks, err := text.Collect()
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, chunks)

	// The session is ready for the next turn.
	text, err = c.StreamText(context.Background(), "ping me", nil)
	require.NoError(t, err)
	chunks, err = text.Collect()
	require.NoError(t, err)
	assert.Equal(t, []string{"Echo: ping me"}, chunks)
}

func TestChat_ConnectionDropped(t *testing.T) {
	c := connectedClient(t)

	stream, err := c.Chat(context.Background(), "drop", nil)
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []protocol.ServerEvent{
		protocol.TextDelta{Content: "Partial"},
		protocol.ErrorEvent{Message: "Connection closed", Fatal: true},
	}, events)

	require.Eventually(t, func() bool { return c.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected())
	_, _, err = c.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrSessionClosed)

	oldID := c.SessionID()
	require.NoError(t, c.Connect(context.Background()))
	assert.NotEqual(t, oldID, c.SessionID())
}

func TestChat_FatalError(t *testing.T) {
	c := connectedClient(t)

	stream, err := c.Chat(context.Background(), "fatal", nil)
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []string{protocol.TypeTextDelta, protocol.TypeError}, types(events))
	assert.True(t, protocol.IsFatalError(events[1]))
}

func TestChat_NonFatalErrorContinues(t *testing.T) {
	c := connectedClient(t)

	stream, err := c.Chat(context.Background(), "error", nil)
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []string{protocol.TypeError, protocol.TypeTextDelta, protocol.TypeFinished}, types(events))
}

func TestChat_ToolApproval(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		approved bool
	}{
		{"auto approve", []Option{WithAutoApprove(true)}, true},
		{"default deny", nil, false},
		{"decider", []Option{WithApprovalFunc(func(_ context.Context, req protocol.ToolAwaitingApproval) bool {
			return req.Name == "shell"
		})}, true},
		{"auto approve wins over decider", []Option{
			WithAutoApprove(true),
			WithApprovalFunc(func(context.Context, protocol.ToolAwaitingApproval) bool { return false }),
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := connectedClient(t, tt.opts...)

			stream, err := c.Chat(context.Background(), "tool", nil)
			require.NoError(t, err)
			events, err := stream.Collect()
			require.NoError(t, err)

			got := types(events)
			assert.Contains(t, got, protocol.TypeToolAwaitingApproval)
			assert.Equal(t, protocol.TypeFinished, got[len(got)-1])
			if tt.approved {
				assert.Contains(t, got, protocol.TypeToolCompleted)
				assert.NotContains(t, got, protocol.TypeToolError)
			} else {
				assert.Contains(t, got, protocol.TypeToolError)
				assert.NotContains(t, got, protocol.TypeToolStarted)
			}
		})
	}
}

func TestManualApproval(t *testing.T) {
	c := connectedClient(t)
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, "tool", nil))
	req := receive(t, c, protocol.TypeToolAwaitingApproval).(protocol.ToolAwaitingApproval)

	require.NoError(t, c.GetState(ctx))
	st := receive(t, c, protocol.TypeState).(protocol.State)
	require.Len(t, st.PendingApprovals, 1)
	assert.Equal(t, req.CallID, st.PendingApprovals[0].CallID)

	require.NoError(t, c.ApproveTool(ctx, req.CallID))
	done := receive(t, c, protocol.TypeToolCompleted).(protocol.ToolCompleted)
	assert.Equal(t, req.CallID, done.CallID)
	receive(t, c, protocol.TypeFinished)

	require.NoError(t, c.SendMessage(ctx, "tool", nil))
	req = receive(t, c, protocol.TypeToolAwaitingApproval).(protocol.ToolAwaitingApproval)
	require.NoError(t, c.DenyTool(ctx, req.CallID))
	toolErr := receive(t, c, protocol.TypeToolError).(protocol.ToolError)
	assert.Equal(t, "Tool execution denied by user", toolErr.Error)
}

func TestDecide_AppliesPolicy(t *testing.T) {
	c := connectedClient(t, WithApprovalFunc(func(_ context.Context, req protocol.ToolAwaitingApproval) bool {
		return req.Name == "shell"
	}))
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, "tool", nil))
	req := receive(t, c, protocol.TypeToolAwaitingApproval).(protocol.ToolAwaitingApproval)
	approved, err := c.Decide(ctx, req)
	require.NoError(t, err)
	assert.True(t, approved)
	receive(t, c, protocol.TypeToolCompleted)
	receive(t, c, protocol.TypeFinished)

	_, err = New().Decide(ctx, req)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCancel(t *testing.T) {
	c := connectedClient(t)
	ctx := context.Background()

	require.NoError(t, c.Cancel(ctx))
	ev := receive(t, c, protocol.TypeError).(protocol.ErrorEvent)
	assert.False(t, ev.Fatal)

	require.NoError(t, c.SendMessage(ctx, "tool", nil))
	receive(t, c, protocol.TypeToolAwaitingApproval)
	require.NoError(t, c.Cancel(ctx))
	ev = receive(t, c, protocol.TypeError).(protocol.ErrorEvent)
	assert.Equal(t, "Request cancelled", ev.Message)
	receive(t, c, protocol.TypeFinished)
}

func TestPingHistoryState(t *testing.T) {
	c := connectedClient(t)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, protocol.Pong{}, receive(t, c, protocol.TypePong))

	stream, err := c.Chat(ctx, "simple", nil)
	require.NoError(t, err)
	_, err = stream.Collect()
	require.NoError(t, err)

	require.NoError(t, c.GetHistory(ctx))
	h := receive(t, c, protocol.TypeHistory).(protocol.History)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "Hello", h.Messages[1].Content)

	require.NoError(t, c.GetState(ctx))
	st := receive(t, c, protocol.TypeState).(protocol.State)
	require.Len(t, st.Agents, 1)
	assert.False(t, st.Agents[0].IsStreaming)
}

func TestReceive_Timeout(t *testing.T) {
	c := connectedClient(t)

	ev, ok, err := c.Receive(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, ev)
}

func TestDisconnect_UnblocksChat(t *testing.T) {
	c := connectedClient(t)

	stream, err := c.Chat(context.Background(), "tool", nil)
	require.NoError(t, err)

	// Default deny answers the approval; stop reading before the turn ends.
	require.True(t, stream.Next())
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.Disconnect()
	}()

	deadline := time.After(5 * time.Second)
	for stream.Next() {
		select {
		case <-deadline:
			t.Fatal("stream did not end after Disconnect")
		default:
		}
	}
	assert.True(t, stream.Done())
}

func TestKeepAlive(t *testing.T) {
	ch := transporttest.NewChannel()
	ch.Deliver(`{"type":"Connected","session_id":"abc"}`)
	c := New(WithDialer(&transporttest.Dialer{Channel: ch}), WithPingInterval(10*time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))

	sent := ch.WaitSent(2, 2*time.Second)
	require.GreaterOrEqual(t, len(sent), 2)
	for _, cmd := range sent {
		assert.Equal(t, protocol.Ping{}, cmd)
	}

	require.NoError(t, c.Disconnect())
	n := len(ch.Sent())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ch.Sent(), n, "no pings after Disconnect")
}

func TestKeepAlive_PongsReachReceive(t *testing.T) {
	c := connectedClient(t, WithPingInterval(10*time.Millisecond))
	assert.Equal(t, protocol.Pong{}, receive(t, c, protocol.TypePong))
}

type countingObserver struct {
	mu     sync.Mutex
	starts int
	events int
	ends   []TurnSummary
}

func (o *countingObserver) OnTurnStart(context.Context, TurnInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *countingObserver) OnEvent(context.Context, TurnInfo, int, protocol.ServerEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events++
}

func (o *countingObserver) OnTurnEnd(_ context.Context, _ TurnInfo, s TurnSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends = append(o.ends, s)
}

func TestObservers_RecordAndMirror(t *testing.T) {
	store, err := transcript.Open(filepath.Join(t.TempDir(), "transcript.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memBus := bus.NewMemoryEventBus(nil)
	t.Cleanup(memBus.Close)

	counter := &countingObserver{}
	c := connectedClient(t,
		WithAutoApprove(true),
		WithObserver(transcript.NewRecorder(store, nil)),
		WithObserver(events.NewMirror(memBus, "codey", nil)),
		WithObserver(counter),
	)

	var mu sync.Mutex
	var mirrored []string
	_, err = memBus.Subscribe(events.SessionSubjects("codey", c.SessionID()), func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		mirrored = append(mirrored, ev.Type)
		return nil
	})
	require.NoError(t, err)

	stream, err := c.Chat(context.Background(), "tool", nil)
	require.NoError(t, err)
	yielded, err := stream.Collect()
	require.NoError(t, err)

	turns, err := store.ListTurns(context.Background(), c.SessionID(), 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, stream.ID(), turns[0].ID)
	assert.Equal(t, "tool", turns[0].Content)
	assert.Equal(t, "finished", turns[0].EndReason)
	assert.Equal(t, len(yielded), turns[0].EventCount)

	recorded, err := store.Events(context.Background(), stream.ID())
	require.NoError(t, err)
	require.Len(t, recorded, len(yielded))
	for i, ev := range recorded {
		decoded, err := ev.Decode()
		require.NoError(t, err)
		assert.Equal(t, yielded[i], decoded)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, mirrored, len(yielded)+2)
	assert.Equal(t, events.TypeTurnStarted, mirrored[0])
	assert.Equal(t, events.TypeTurnEnded, mirrored[len(mirrored)-1])
	assert.Equal(t, types(yielded), mirrored[1:len(mirrored)-1])

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, 1, counter.starts)
	assert.Equal(t, len(yielded), counter.events)
	require.Len(t, counter.ends, 1)
	assert.Equal(t, EndReason("finished"), counter.ends[0].Reason)
}
