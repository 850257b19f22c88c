// Package approval decides whether a tool call awaiting approval may run and
// dispatches the matching ToolDecision.
package approval

import (
	"context"

	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/tracing"
	"github.com/tcdent/codey/pkg/protocol"
)

// Decider is asked about each tool call when auto-approve is off.
// It is called synchronously; the turn does not advance until it returns.
type Decider interface {
	Decide(ctx context.Context, req protocol.ToolAwaitingApproval) bool
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req protocol.ToolAwaitingApproval) bool

func (f DeciderFunc) Decide(ctx context.Context, req protocol.ToolAwaitingApproval) bool {
	return f(ctx, req)
}

// Mode names which rule produced a decision.
type Mode string

const (
	ModeAutoApprove Mode = "auto_approve"
	ModeDecider     Mode = "decider"
	ModeDefaultDeny Mode = "default_deny"
)

// Policy is the approval configuration. AutoApprove wins over Decider;
// with neither set every call is denied.
type Policy struct {
	AutoApprove bool
	Decider     Decider
}

// Mode reports which rule the policy applies.
func (p Policy) Mode() Mode {
	switch {
	case p.AutoApprove:
		return ModeAutoApprove
	case p.Decider != nil:
		return ModeDecider
	default:
		return ModeDefaultDeny
	}
}

// Decision is the outcome for one approval request.
type Decision struct {
	CallID   string
	Approved bool
	Mode     Mode
}

// Command returns the ToolDecision to send for d.
func (d Decision) Command() protocol.ToolDecision {
	return protocol.ToolDecision{CallID: d.CallID, Approved: d.Approved}
}

// Evaluate applies the policy to req without side effects.
func (p Policy) Evaluate(ctx context.Context, req protocol.ToolAwaitingApproval) Decision {
	mode := p.Mode()
	d := Decision{CallID: req.CallID, Mode: mode}
	switch mode {
	case ModeAutoApprove:
		d.Approved = true
	case ModeDecider:
		d.Approved = p.Decider.Decide(ctx, req)
	}
	return d
}

// Sender delivers commands to the server.
type Sender interface {
	Send(ctx context.Context, cmd protocol.ClientCommand) error
}

// Machine evaluates a Policy and sends one ToolDecision per request.
type Machine struct {
	policy Policy
	sender Sender
	logger *logger.Logger
}

// NewMachine creates a Machine. A nil logger discards output.
func NewMachine(policy Policy, sender Sender, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Machine{
		policy: policy,
		sender: sender,
		logger: log.WithFields(zap.String("component", "approval")),
	}
}

// Policy returns the machine's configuration.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Handle decides req and sends the decision before returning.
func (m *Machine) Handle(ctx context.Context, req protocol.ToolAwaitingApproval) (Decision, error) {
	d := m.policy.Evaluate(ctx, req)
	tracing.TraceApproval(ctx, req.CallID, req.Name, string(d.Mode), d.Approved)

	m.logger.WithCallID(req.CallID).WithAgentID(req.AgentID).Info("tool approval decided",
		zap.String("tool", req.Name),
		zap.String("mode", string(d.Mode)),
		zap.Bool("approved", d.Approved),
		zap.Bool("background", req.Background))

	if err := m.sender.Send(ctx, d.Command()); err != nil {
		return d, err
	}
	return d, nil
}
