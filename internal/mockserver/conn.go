package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tcdent/codey/internal/common/constants"
	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/tracing"
	"github.com/tcdent/codey/pkg/protocol"
)

const outboxSize = 256

// outFrame is queued for the writer. drop closes the socket instead.
type outFrame struct {
	ev   protocol.ServerEvent
	drop bool
}

type pendingCall struct {
	info     protocol.PendingApproval
	decision chan bool
}

// conn is one session. The reader and writer goroutines and any running
// turn share an errgroup; the writer is the only goroutine touching the
// socket for writes.
type conn struct {
	srv       *Server
	ws        *websocket.Conn
	sessionID string
	logger    *logger.Logger
	out       chan outFrame

	mu         sync.Mutex
	turn       *turnSlot
	pending    map[string]*pendingCall
	history    []protocol.HistoryMessage
	agent      uint32
	nextCall   int
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	id := uuid.New().String()
	return &conn{
		srv:       srv,
		ws:        ws,
		sessionID: id,
		logger:    srv.logger.WithSessionID(id),
		out:       make(chan outFrame, outboxSize),
		pending:   make(map[string]*pendingCall),
	}
}

func (c *conn) serve(ctx context.Context) error {
	defer c.ws.Close()

	if c.srv.reject != "" {
		raw, err := protocol.EncodeEvent(protocol.ErrorEvent{Message: c.srv.reject, Fatal: true})
		if err != nil {
			return err
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
		return c.ws.WriteMessage(websocket.TextMessage, raw)
	}

	g, ctx := errgroup.WithContext(ctx)
	c.out <- outFrame{ev: protocol.Connected{SessionID: c.sessionID}}

	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.readLoop(ctx, g) })

	err := g.Wait()
	if errors.Is(err, errClientGone) {
		return nil
	}
	return err
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.out:
			if f.drop {
				c.logger.Info("dropping connection")
				_ = c.ws.Close()
				return errClientGone
			}
			raw, err := protocol.EncodeEvent(f.ev)
			if err != nil {
				return err
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("write %s: %w", f.ev.EventType(), err)
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return errClientGone
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			c.logger.Warn("invalid client message", zap.Error(err))
			c.emit(ctx, protocol.ErrorEvent{Message: err.Error(), Fatal: false})
			continue
		}
		c.dispatch(ctx, g, cmd)
	}
}

// emit queues ev for the writer. It reports false once the session is
// shutting down.
func (c *conn) emit(ctx context.Context, ev protocol.ServerEvent) bool {
	select {
	case c.out <- outFrame{ev: ev}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *conn) dispatch(ctx context.Context, g *errgroup.Group, cmd protocol.ClientCommand) {
	switch m := cmd.(type) {
	case protocol.SendMessage:
		c.startTurn(ctx, g, m)

	case protocol.ToolDecision:
		c.mu.Lock()
		p := c.pending[m.CallID]
		delete(c.pending, m.CallID)
		c.mu.Unlock()
		if p == nil {
			c.logger.Warn("decision for unknown tool call", zap.String("call_id", m.CallID))
			return
		}
		p.decision <- m.Approved

	case protocol.Cancel:
		c.mu.Lock()
		active := c.turn
		c.mu.Unlock()
		if active == nil {
			c.emit(ctx, protocol.ErrorEvent{Message: "No active request to cancel", Fatal: false})
			return
		}
		active.cancel()

	case protocol.GetHistory:
		c.mu.Lock()
		msgs := append([]protocol.HistoryMessage{}, c.history...)
		c.mu.Unlock()
		c.emit(ctx, protocol.History{Messages: msgs})

	case protocol.GetState:
		c.emit(ctx, c.state())

	case protocol.Ping:
		c.emit(ctx, protocol.Pong{})
	}
}

func (c *conn) state() protocol.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := "main"
	st := protocol.State{
		Agents:           []protocol.AgentInfo{{ID: c.agent, Name: &name, IsStreaming: c.turn != nil}},
		PendingApprovals: []protocol.PendingApproval{},
	}
	for _, p := range c.pending {
		st.PendingApprovals = append(st.PendingApprovals, p.info)
	}
	return st
}

func (c *conn) startTurn(ctx context.Context, g *errgroup.Group, m protocol.SendMessage) {
	sc := c.srv.scenarioFor(m.Content)
	agent := sc.Agent
	if m.AgentID != nil {
		agent = *m.AgentID
	}

	turnCtx, cancel := context.WithCancel(ctx)
	slot, ok := c.beginTurn(cancel)
	if !ok {
		cancel()
		c.emit(ctx, protocol.ErrorEvent{Message: "A request is already in progress", Fatal: false})
		return
	}
	c.mu.Lock()
	c.agent = agent
	c.history = append(c.history, historyEntry("user", m.Content))
	c.mu.Unlock()

	c.logger.Debug("running scenario", zap.String("scenario", sc.Name), zap.Uint32("agent_id", agent))
	g.Go(func() error {
		_, span := tracing.TraceScenario(turnCtx, c.sessionID, sc.Name, agent)
		defer span.End()
		defer cancel()
		defer c.endTurn(slot)
		c.run(ctx, turnCtx, slot, sc, agent)
		return nil
	})
}

// run plays sc. Events are emitted on the session context; waits observe
// turnCtx so that Cancel interrupts them.
func (c *conn) run(ctx, turnCtx context.Context, slot *turnSlot, sc Scenario, agent uint32) {
	var text strings.Builder

	for _, step := range sc.Steps {
		if !c.pause(turnCtx, step.Delay) {
			c.cancelled(ctx, slot, agent, &text)
			return
		}

		switch {
		case step.Text != "":
			text.WriteString(step.Text)
			c.emit(ctx, protocol.TextDelta{AgentID: agent, Content: step.Text})
		case step.Thinking != "":
			c.emit(ctx, protocol.ThinkingDelta{AgentID: agent, Content: step.Thinking})
		case step.Retry != nil:
			c.emit(ctx, protocol.Retrying{AgentID: agent, Attempt: step.Retry.Attempt, Error: step.Retry.Error})
		case step.Error != nil:
			if step.Error.Fatal {
				c.recordAssistant(text.String())
				c.endTurn(slot)
			}
			c.emit(ctx, protocol.ErrorEvent{Message: step.Error.Message, Fatal: step.Error.Fatal})
			if step.Error.Fatal {
				return
			}
		case step.Drop:
			c.endTurn(slot)
			select {
			case c.out <- outFrame{drop: true}:
			case <-ctx.Done():
			}
			return
		case step.Tool != nil:
			if !c.runTool(ctx, turnCtx, agent, *step.Tool) {
				c.cancelled(ctx, slot, agent, &text)
				return
			}
		}
	}

	c.recordAssistant(text.String())
	c.endTurn(slot)
	c.emit(ctx, protocol.Finished{AgentID: agent, Usage: c.usage(text.String())})
}

// turnSlot marks the running turn. Its identity tells a finished turn's
// cleanup apart from the turn that replaced it.
type turnSlot struct {
	cancel context.CancelFunc
}

// beginTurn claims the turn slot, or reports false while a turn runs.
func (c *conn) beginTurn(cancel context.CancelFunc) (*turnSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != nil {
		return nil, false
	}
	c.turn = &turnSlot{cancel: cancel}
	return c.turn, true
}

// endTurn frees the slot if slot still holds it. It runs before the
// terminal event is queued so a client reacting to Finished can start the
// next turn at once, and again when the turn goroutine returns.
func (c *conn) endTurn(slot *turnSlot) {
	c.mu.Lock()
	if c.turn == slot {
		c.turn = nil
	}
	c.mu.Unlock()
}

// runTool asks for approval and plays the tool's output. It reports false
// if the turn was cancelled while waiting.
func (c *conn) runTool(ctx, turnCtx context.Context, agent uint32, tool ToolStep) bool {
	params := json.RawMessage(`{}`)
	if len(tool.Params) > 0 {
		if raw, err := json.Marshal(tool.Params); err == nil {
			params = raw
		}
	}

	c.mu.Lock()
	c.nextCall++
	callID := fmt.Sprintf("call_%03d", c.nextCall)
	p := &pendingCall{
		info:     protocol.PendingApproval{AgentID: agent, CallID: callID, Name: tool.Name, Params: params},
		decision: make(chan bool, 1),
	}
	c.pending[callID] = p
	c.mu.Unlock()

	c.emit(ctx, protocol.ToolRequest{AgentID: agent, Calls: []protocol.ToolCallInfo{{
		CallID: callID, Name: tool.Name, Params: params, Background: tool.Background,
	}}})
	c.emit(ctx, protocol.ToolAwaitingApproval{
		AgentID: agent, CallID: callID, Name: tool.Name, Params: params, Background: tool.Background,
	})

	var approved bool
	select {
	case approved = <-p.decision:
	case <-turnCtx.Done():
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return false
	}

	log := c.logger.WithCallID(callID)
	if !approved {
		log.Debug("tool denied", zap.String("tool", tool.Name))
		c.emit(ctx, protocol.ToolError{AgentID: agent, CallID: callID, Error: "Tool execution denied by user"})
		return true
	}

	log.Debug("tool approved", zap.String("tool", tool.Name))
	c.emit(ctx, protocol.ToolStarted{AgentID: agent, CallID: callID, Name: tool.Name})
	for _, chunk := range tool.Chunks {
		if !c.pause(turnCtx, 0) {
			return false
		}
		c.emit(ctx, protocol.ToolDelta{AgentID: agent, CallID: callID, Content: chunk})
	}
	if tool.Error != "" {
		c.emit(ctx, protocol.ToolError{AgentID: agent, CallID: callID, Error: tool.Error})
	} else {
		c.emit(ctx, protocol.ToolCompleted{AgentID: agent, CallID: callID, Content: tool.Output})
	}
	return true
}

func (c *conn) cancelled(ctx context.Context, slot *turnSlot, agent uint32, text *strings.Builder) {
	c.recordAssistant(text.String())
	c.endTurn(slot)
	c.emit(ctx, protocol.ErrorEvent{Message: "Request cancelled", Fatal: false})
	c.emit(ctx, protocol.Finished{AgentID: agent, Usage: c.usage(text.String())})
}

// pause waits d (or the server's step delay) and reports false if ctx
// ended first.
func (c *conn) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = c.srv.stepDelay
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *conn) recordAssistant(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	c.history = append(c.history, historyEntry("assistant", text))
	c.mu.Unlock()
}

func (c *conn) usage(text string) protocol.Usage {
	c.mu.Lock()
	turns := len(c.history)
	c.mu.Unlock()
	return protocol.Usage{
		OutputTokens:  uint32(len(strings.Fields(text))),
		ContextTokens: uint32(1000 + 25*turns),
	}
}

func historyEntry(role, content string) protocol.HistoryMessage {
	ts := time.Now().UTC().Format(time.RFC3339)
	return protocol.HistoryMessage{Role: role, Content: content, Timestamp: &ts}
}
