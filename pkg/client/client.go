// Package client is the public entry point for talking to codey-server. A
// Client owns at most one session at a time; every Connect starts a new one.
package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/approval"
	"github.com/tcdent/codey/internal/common/constants"
	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/session"
	"github.com/tcdent/codey/internal/transport"
	"github.com/tcdent/codey/internal/turn"
	"github.com/tcdent/codey/pkg/protocol"
)

type (
	Stream          = turn.Stream
	TextStream      = turn.TextStream
	Observer        = turn.Observer
	TurnInfo        = turn.Info
	TurnSummary     = turn.Summary
	EndReason       = turn.EndReason
	Decider         = approval.Decider
	State           = session.State
	ConnectionError = session.ConnectionError
)

const (
	StateDisconnected = session.StateDisconnected
	StateConnecting   = session.StateConnecting
	StateConnected    = session.StateConnected
	StateClosed       = session.StateClosed
)

var (
	ErrNotConnected     = session.ErrNotConnected
	ErrAlreadyConnected = session.ErrAlreadyConnected
	ErrSessionClosed    = session.ErrSessionClosed
)

// IsConnectionError reports whether err is a *ConnectionError.
func IsConnectionError(err error) bool {
	return session.IsConnectionError(err)
}

// Client talks to one codey-server.
type Client struct {
	url              string
	dialer           transport.Dialer
	handshakeTimeout time.Duration
	pingInterval     time.Duration
	policy           approval.Policy
	logger           *logger.Logger
	observers        []Observer

	mu       sync.Mutex
	sess     *session.Session
	engine   *turn.Engine
	stopPing context.CancelFunc
	pingDone chan struct{}
}

// New creates a disconnected Client.
func New(opts ...Option) *Client {
	c := &Client{
		url:              constants.DefaultServerURL,
		handshakeTimeout: constants.HandshakeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewNop()
	}
	if c.dialer == nil {
		c.dialer = transport.NewWebSocketDialer(c.logger)
	}
	return c
}

// Connect opens a new session. It fails with ErrAlreadyConnected while a
// session is live; after Disconnect or a failed attempt it starts over with
// a fresh session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil && c.sess.State() != session.StateClosed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	// A session the server closed leaves its pinger behind.
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing, c.pingDone = nil, nil
	}

	s := session.New(session.Config{
		URL:              c.url,
		Dialer:           c.dialer,
		HandshakeTimeout: c.handshakeTimeout,
		Logger:           c.logger,
	})
	c.sess = s
	c.engine = turn.NewEngine(s, c.policy, c.logger, c.observers...)
	c.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || !s.IsConnected() {
		return ErrSessionClosed
	}
	if c.pingInterval > 0 {
		pingCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		c.stopPing, c.pingDone = cancel, done
		go c.keepAlive(pingCtx, s, done)
	}
	return nil
}

// keepAlive pings until ctx ends or the session stops accepting sends.
func (c *Client) keepAlive(ctx context.Context, s *session.Session, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Send(ctx, protocol.Ping{}); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("keep-alive ping failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// Disconnect closes the current session. It is idempotent and safe to call
// while a turn is being read.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s, stop, done := c.sess, c.stopPing, c.pingDone
	c.stopPing, c.pingDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if s == nil {
		return nil
	}
	return s.Disconnect()
}

func (c *Client) current() (*session.Session, *turn.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess, c.engine
}

// SessionID returns the server-assigned id, or "" when not connected.
func (c *Client) SessionID() string {
	if s, _ := c.current(); s != nil {
		return s.SessionID()
	}
	return ""
}

// IsConnected reports whether a session is live.
func (c *Client) IsConnected() bool {
	s, _ := c.current()
	return s != nil && s.IsConnected()
}

// State returns the state of the current session.
func (c *Client) State() State {
	if s, _ := c.current(); s != nil {
		return s.State()
	}
	return StateDisconnected
}

func (c *Client) send(ctx context.Context, cmd protocol.ClientCommand) error {
	s, _ := c.current()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(ctx, cmd)
}

// SendMessage sends user input without reading the reply. Use Chat to run
// a whole turn.
func (c *Client) SendMessage(ctx context.Context, content string, agentID *uint32) error {
	return c.send(ctx, protocol.SendMessage{Content: content, AgentID: agentID})
}

// ApproveTool approves a pending tool call.
func (c *Client) ApproveTool(ctx context.Context, callID string) error {
	return c.send(ctx, protocol.ToolDecision{CallID: callID, Approved: true})
}

// DenyTool denies a pending tool call.
func (c *Client) DenyTool(ctx context.Context, callID string) error {
	return c.send(ctx, protocol.ToolDecision{CallID: callID, Approved: false})
}

// Decide answers req with the configured approval policy and reports
// whether the call was approved. Chat does this on its own; Decide is for
// requests read through Receive.
func (c *Client) Decide(ctx context.Context, req protocol.ToolAwaitingApproval) (bool, error) {
	s, _ := c.current()
	if s == nil {
		return false, ErrNotConnected
	}
	d, err := approval.NewMachine(c.policy, s, c.logger).Handle(ctx, req)
	return d.Approved, err
}

// Cancel asks the server to stop the current request.
func (c *Client) Cancel(ctx context.Context) error {
	return c.send(ctx, protocol.Cancel{})
}

// GetHistory requests the conversation history. The History event arrives
// through Receive.
func (c *Client) GetHistory(ctx context.Context) error {
	return c.send(ctx, protocol.GetHistory{})
}

// GetState requests the session state. The State event arrives through
// Receive.
func (c *Client) GetState(ctx context.Context) error {
	return c.send(ctx, protocol.GetState{})
}

// Ping sends a Ping. The Pong arrives through Receive.
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, protocol.Ping{})
}

// Receive returns the next event. With a positive timeout it returns
// ok=false and no error if nothing arrived in time.
func (c *Client) Receive(ctx context.Context, timeout time.Duration) (protocol.ServerEvent, bool, error) {
	s, _ := c.current()
	if s == nil {
		return nil, false, ErrNotConnected
	}
	return s.Receive(ctx, timeout)
}

// Chat sends content and returns the events of the turn it starts. Tool
// approval requests are answered with the configured policy before they
// are yielded.
func (c *Client) Chat(ctx context.Context, content string, agentID *uint32) (*Stream, error) {
	_, engine := c.current()
	if engine == nil {
		return nil, ErrNotConnected
	}
	return engine.Run(ctx, content, agentID)
}

// StreamText is Chat reduced to the text the agent writes.
func (c *Client) StreamText(ctx context.Context, content string, agentID *uint32) (*TextStream, error) {
	stream, err := c.Chat(ctx, content, agentID)
	if err != nil {
		return nil, err
	}
	return turn.Text(stream), nil
}
