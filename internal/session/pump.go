package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/inbox"
	"github.com/tcdent/codey/internal/transport"
	"github.com/tcdent/codey/pkg/protocol"
)

// ConnectionClosedMessage is the message of the synthetic fatal error pushed
// when the transport ends without a local disconnect.
const ConnectionClosedMessage = "Connection closed"

// maxLoggedFrame bounds how much of an undecodable frame is logged.
const maxLoggedFrame = 512

// pump is the single reader of a channel and the single writer of an inbox.
type pump struct {
	ch     transport.Channel
	inbox  *inbox.Inbox
	logger *logger.Logger
}

// run reads frames until ctx is cancelled, the channel ends or a frame fails
// to decode. The last two push one fatal ErrorEvent before returning. It
// closes done on return and never writes to the channel.
func (p *pump) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	p.logger.Debug("receive pump started")

	for {
		frame, err := p.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Debug("receive pump stopped")
				return
			}
			p.logger.Info("connection closed by peer", zap.Error(err))
			p.inbox.Push(protocol.ErrorEvent{Message: ConnectionClosedMessage, Fatal: true})
			return
		}

		ev, err := protocol.Decode(frame)
		if err != nil {
			p.logger.Error("failed to decode server frame",
				zap.Error(err),
				zap.ByteString("frame", truncate(frame, maxLoggedFrame)))
			p.inbox.Push(protocol.ErrorEvent{Message: err.Error(), Fatal: true})
			return
		}

		if !p.inbox.Push(ev) {
			p.logger.Debug("inbox closed, receive pump exiting")
			return
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
