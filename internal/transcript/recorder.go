package transcript

import (
	"context"

	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/turn"
	"github.com/tcdent/codey/pkg/protocol"
)

// Recorder is a turn.Observer that writes every turn to a Store. Write
// failures are logged; they never interrupt the turn.
type Recorder struct {
	store  *Store
	logger *logger.Logger
}

var _ turn.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *Store, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Recorder{store: store, logger: log.WithFields(zap.String("component", "transcript"))}
}

func (r *Recorder) OnTurnStart(ctx context.Context, info turn.Info) {
	t := &Turn{
		ID:        info.ID,
		SessionID: info.SessionID,
		AgentID:   info.AgentID,
		Content:   info.Content,
		StartedAt: info.StartedAt,
	}
	if err := r.store.StartTurn(context.WithoutCancel(ctx), t); err != nil {
		r.logger.WithTurnID(info.ID).Warn("failed to record turn start", zap.Error(err))
	}
}

func (r *Recorder) OnEvent(ctx context.Context, info turn.Info, seq int, ev protocol.ServerEvent) {
	if err := r.store.AppendEvent(context.WithoutCancel(ctx), info.ID, seq, ev); err != nil {
		r.logger.WithTurnID(info.ID).Warn("failed to record turn event",
			zap.Int("seq", seq),
			zap.String("type", ev.EventType()),
			zap.Error(err))
	}
}

func (r *Recorder) OnTurnEnd(ctx context.Context, info turn.Info, summary turn.Summary) {
	err := r.store.EndTurn(context.WithoutCancel(ctx), info.ID, summary.EndedAt, string(summary.Reason), summary.Events, summary.Usage, summary.Err)
	if err != nil {
		r.logger.WithTurnID(info.ID).Warn("failed to record turn end", zap.Error(err))
	}
}
