package client

import (
	"context"
	"time"

	"github.com/tcdent/codey/internal/approval"
	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/transport"
	"github.com/tcdent/codey/pkg/protocol"
)

// Option configures a Client
type Option func(*Client)

// WithURL sets the server URL
func WithURL(url string) Option {
	return func(c *Client) {
		c.url = url
	}
}

// WithAutoApprove approves every tool call without asking
func WithAutoApprove(enabled bool) Option {
	return func(c *Client) {
		c.policy.AutoApprove = enabled
	}
}

// WithApprovalDecider asks d about each tool call. Auto-approve takes
// precedence when both are set.
func WithApprovalDecider(d approval.Decider) Option {
	return func(c *Client) {
		c.policy.Decider = d
	}
}

// WithApprovalFunc is WithApprovalDecider for a plain function
func WithApprovalFunc(f func(ctx context.Context, req protocol.ToolAwaitingApproval) bool) Option {
	return WithApprovalDecider(approval.DeciderFunc(f))
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithDialer replaces the WebSocket dialer
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithHandshakeTimeout bounds the wait for the server's Connected event
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

// WithPingInterval sends a Ping every d while connected. Zero disables it.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = d
	}
}

// WithObserver adds a turn observer
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observers = append(c.observers, o)
	}
}
