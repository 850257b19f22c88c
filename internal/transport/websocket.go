package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/constants"
	"github.com/tcdent/codey/internal/common/logger"
)

// WebSocketDialer opens Channels over gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           *logger.Logger
}

// NewWebSocketDialer returns a dialer with the default handshake timeout.
func NewWebSocketDialer(log *logger.Logger) *WebSocketDialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &WebSocketDialer{
		HandshakeTimeout: constants.HandshakeTimeout,
		Logger:           log.WithFields(zap.String("component", "transport")),
	}
}

// Dial performs the WebSocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Channel, error) {
	log := d.Logger
	if log == nil {
		log = logger.NewNop()
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (HTTP %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	log.Debug("websocket connected", zap.String("url", url))
	return NewWebSocketChannel(conn, log), nil
}

// WebSocketChannel adapts a gorilla connection to Channel.
type WebSocketChannel struct {
	conn    *websocket.Conn
	logger  *logger.Logger
	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// NewWebSocketChannel wraps an established connection.
func NewWebSocketChannel(conn *websocket.Conn, log *logger.Logger) *WebSocketChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &WebSocketChannel{conn: conn, logger: log}
}

// Send writes one text frame. Writes are serialized.
func (c *WebSocketChannel) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(constants.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return &ClosedError{Cause: err}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if c.closed.Load() || errors.Is(err, websocket.ErrCloseSent) {
			return &ClosedError{Cause: err}
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive blocks for the next text or binary frame. Cancelling ctx aborts
// the read and leaves the connection unusable.
func (c *WebSocketChannel) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return nil, &ClosedError{Cause: err}
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and releases the socket.
func (c *WebSocketChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(constants.CloseGracePeriod),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
