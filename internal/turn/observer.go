package turn

import (
	"context"
	"time"

	"github.com/tcdent/codey/pkg/protocol"
)

// EndReason says why a turn stopped.
type EndReason string

const (
	ReasonFinished   EndReason = "finished"
	ReasonFatalError EndReason = "fatal_error"
	ReasonClosed     EndReason = "closed"
	ReasonCancelled  EndReason = "cancelled"
	ReasonFailed     EndReason = "failed"
	ReasonAbandoned  EndReason = "abandoned"
)

// Info identifies a turn.
type Info struct {
	ID        string
	SessionID string
	Content   string
	AgentID   *uint32
	StartedAt time.Time
}

// Summary describes how a turn ended.
type Summary struct {
	Reason  EndReason
	Events  int
	Usage   *protocol.Usage
	Err     error
	EndedAt time.Time
}

// Observer is notified synchronously as a turn progresses. OnEvent runs
// before the event is handed to the caller; seq starts at 1.
type Observer interface {
	OnTurnStart(ctx context.Context, info Info)
	OnEvent(ctx context.Context, info Info, seq int, ev protocol.ServerEvent)
	OnTurnEnd(ctx context.Context, info Info, summary Summary)
}
