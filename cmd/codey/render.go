package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/tcdent/codey/pkg/protocol"
)

// renderer prints server events for a terminal. Streaming text is written
// as it arrives; everything else goes on its own line.
type renderer struct {
	out    io.Writer
	inLine bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// line ends any streaming text before printing a full line.
func (r *renderer) line(format string, args ...any) {
	if r.inLine {
		fmt.Fprintln(r.out)
		r.inLine = false
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) stream(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.out, s)
	r.inLine = !strings.HasSuffix(s, "\n")
}

func (r *renderer) render(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.TextDelta:
		r.stream(e.Content)
	case protocol.ThinkingDelta:
		r.line("(thinking) %s", e.Content)
	case protocol.ToolRequest:
		for _, call := range e.Calls {
			bg := ""
			if call.Background {
				bg = " [background]"
			}
			r.line("→ %s %s%s", call.Name, compact(call.Params), bg)
		}
	case protocol.ToolAwaitingApproval:
		// The approval prompt or decision log covers it.
	case protocol.ToolStarted:
		r.line("⚙ %s running (%s)", e.Name, e.CallID)
	case protocol.ToolDelta:
		r.stream(e.Content)
	case protocol.ToolCompleted:
		if e.Content != "" {
			r.line("✓ %s", strings.TrimRight(e.Content, "\n"))
		} else {
			r.line("✓ done")
		}
	case protocol.ToolError:
		r.line("✗ %s", e.Error)
	case protocol.Retrying:
		r.line("retrying (attempt %d): %s", e.Attempt, e.Error)
	case protocol.Finished:
		r.line("[tokens: %d out, %d context]", e.Usage.OutputTokens, e.Usage.ContextTokens)
	case protocol.ErrorEvent:
		if e.Fatal {
			r.line("fatal error: %s", e.Message)
		} else {
			r.line("error: %s", e.Message)
		}
	case protocol.History:
		for _, m := range e.Messages {
			r.line("%s: %s", m.Role, m.Content)
		}
	case protocol.State:
		for _, a := range e.Agents {
			name := "agent"
			if a.Name != nil {
				name = *a.Name
			}
			r.line("agent %d (%s) streaming=%t", a.ID, name, a.IsStreaming)
		}
		for _, p := range e.PendingApprovals {
			r.line("pending %s: %s %s", p.CallID, p.Name, compact(p.Params))
		}
	case protocol.Pong:
		r.line("pong")
	case protocol.Connected:
		r.line("connected (%s)", e.SessionID)
	}
}

// end finishes any partial line.
func (r *renderer) end() {
	if r.inLine {
		fmt.Fprintln(r.out)
		r.inLine = false
	}
}

func compact(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "{}" {
		return ""
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
