// Package session owns the connection to codey-server: the handshake, the
// receive pump feeding the inbox, and the send/receive primitives built on
// top of them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/constants"
	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/inbox"
	"github.com/tcdent/codey/internal/tracing"
	"github.com/tcdent/codey/internal/transport"
	"github.com/tcdent/codey/pkg/protocol"
)

// Config configures a Session.
type Config struct {
	URL              string
	Dialer           transport.Dialer
	HandshakeTimeout time.Duration
	Logger           *logger.Logger
}

// Session is one connection attempt and its lifetime. A Session moves
// through Disconnected, Connecting, Connected and Closed exactly once.
type Session struct {
	url              string
	dialer           transport.Dialer
	handshakeTimeout time.Duration
	logger           *logger.Logger
	state            *stateManager

	mu         sync.Mutex
	channel    transport.Channel
	inbox      *inbox.Inbox
	sessionID  string
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// New creates a disconnected Session.
func New(cfg Config) *Session {
	if cfg.URL == "" {
		cfg.URL = constants.DefaultServerURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = constants.HandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewWebSocketDialer(cfg.Logger)
	}
	return &Session{
		url:              cfg.URL,
		dialer:           cfg.Dialer,
		handshakeTimeout: cfg.HandshakeTimeout,
		logger:           cfg.Logger.WithFields(zap.String("component", "session")),
		state:            newStateManager(),
	}
}

// Connect opens the channel, starts the receive pump and waits for the
// server's Connected event. Any failure leaves the session Closed and is
// reported as a *ConnectionError.
func (s *Session) Connect(ctx context.Context) (err error) {
	if err := s.state.SetConnecting(); err != nil {
		return err
	}

	ctx, span := tracing.TraceConnect(ctx, s.url)
	var sessionID string
	defer func() {
		tracing.TraceConnectResult(span, sessionID, err)
		span.End()
	}()

	s.logger.Debug("connecting", zap.String("url", s.url))
	ch, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		s.state.SetClosed()
		s.logger.Warn("dial failed", zap.String("url", s.url), zap.Error(err))
		return &ConnectionError{URL: s.url, Message: "failed to connect", Cause: err}
	}

	in := inbox.New()
	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.channel = ch
	s.inbox = in
	s.pumpCancel = cancel
	s.pumpDone = done
	s.mu.Unlock()

	p := &pump{ch: ch, inbox: in, logger: s.logger}
	go p.run(pumpCtx, done)
	go s.watchPump(pumpCtx, done)

	first, err := s.awaitFirst(ctx, in)
	if err != nil {
		s.teardown()
		return err
	}
	sessionID = first.SessionID

	s.mu.Lock()
	s.sessionID = first.SessionID
	s.mu.Unlock()
	if err := s.state.SetConnected(); err != nil {
		s.teardown()
		return &ConnectionError{URL: s.url, Message: "disconnected during handshake", Cause: err}
	}

	s.logger.Info("session connected", zap.String("session_id", first.SessionID))
	return nil
}

// awaitFirst pops the first event and checks that it is Connected.
func (s *Session) awaitFirst(ctx context.Context, in *inbox.Inbox) (protocol.Connected, error) {
	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	ev, err := in.Pop(hctx)
	if err != nil {
		if errors.Is(err, inbox.ErrClosed) {
			err = ErrSessionClosed
		}
		return protocol.Connected{}, &ConnectionError{URL: s.url, Message: "no handshake from server", Cause: err}
	}

	switch e := ev.(type) {
	case protocol.Connected:
		return e, nil
	case protocol.ErrorEvent:
		s.logger.Warn("server rejected session", zap.String("message", e.Message), zap.Bool("fatal", e.Fatal))
		return protocol.Connected{}, &ConnectionError{URL: s.url, Message: "server error: " + e.Message}
	default:
		s.logger.Warn("unexpected first event", zap.String("type", ev.EventType()))
		return protocol.Connected{}, &ConnectionError{
			URL:     s.url,
			Message: fmt.Sprintf("unexpected message: expected %s, got %s", protocol.TypeConnected, ev.EventType()),
		}
	}
}

// watchPump closes the session when the pump stops on its own, after the
// peer hung up or sent an undecodable frame. Events already queued,
// including the terminal fatal error, stay readable; after them Receive
// returns ErrSessionClosed.
func (s *Session) watchPump(ctx context.Context, done <-chan struct{}) {
	<-done
	if ctx.Err() != nil {
		return
	}
	if s.state.Current() != StateClosed {
		s.logger.Info("session closed by server")
	}
	if err := s.teardown(); err != nil {
		s.logger.Debug("teardown after pump exit", zap.Error(err))
	}
}

// Disconnect stops the pump, closes the channel and moves to Closed. It is
// safe to call from any state and concurrently with Receive, which then
// returns ErrSessionClosed.
func (s *Session) Disconnect() error {
	changed := s.state.SetClosed()
	err := s.teardown()
	if changed {
		s.logger.Info("session disconnected")
	}
	return err
}

// teardown releases the channel and pump. The inbox is closed last so
// queued events stay readable until the reader drains them.
func (s *Session) teardown() error {
	s.state.SetClosed()

	s.mu.Lock()
	cancel, ch, done, in := s.pumpCancel, s.channel, s.pumpDone, s.inbox
	s.pumpCancel, s.channel, s.pumpDone = nil, nil, nil
	s.sessionID = ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ch != nil {
		if cerr := ch.Close(); cerr != nil {
			err = fmt.Errorf("close channel: %w", cerr)
		}
	}
	if done != nil {
		<-done
	}
	if in != nil {
		in.Close()
	}
	return err
}

// Send encodes cmd and writes it without waiting for a reply.
func (s *Session) Send(ctx context.Context, cmd protocol.ClientCommand) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	raw, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, raw); err != nil {
		return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
	}
	s.logger.Debug("sent command", zap.String("type", cmd.CommandType()))
	return nil
}

// Receive pops the next event. With a positive timeout it returns
// ok=false and a nil error when nothing arrives in time; otherwise it blocks
// until an event arrives, ctx ends, or the session is closed.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (ev protocol.ServerEvent, ok bool, err error) {
	s.mu.Lock()
	in := s.inbox
	s.mu.Unlock()
	if in == nil {
		return nil, false, ErrNotConnected
	}

	popCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		popCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ev, err = in.Pop(popCtx)
	switch {
	case err == nil:
		return ev, true, nil
	case errors.Is(err, inbox.ErrClosed):
		return nil, false, ErrSessionClosed
	case timeout > 0 && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Next blocks until the next event is available.
func (s *Session) Next(ctx context.Context) (protocol.ServerEvent, error) {
	ev, _, err := s.Receive(ctx, 0)
	return ev, err
}

// SessionID returns the server-assigned id, or "" when not connected.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state.Current()
}

// IsConnected reports whether the handshake completed and the session has
// not been closed.
func (s *Session) IsConnected() bool {
	return s.state.Current() == StateConnected
}

// URL returns the server URL this session dials.
func (s *Session) URL() string {
	return s.url
}
