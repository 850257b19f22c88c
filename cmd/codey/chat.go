package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcdent/codey/pkg/client"
	"github.com/tcdent/codey/pkg/protocol"
)

var chatAgent int64

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Long: `Start an interactive session. Type a message and press enter to send it.

Commands:
  /history   show the conversation history
  /state     show agents and pending approvals
  /ping      check the connection
  /quit      end the session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(v)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runChat(ctx, a, os.Stdin, cmd.OutOrStdout(), agentFlag(cmd, "agent", chatAgent))
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().Int64Var(&chatAgent, "agent", 0, "Send messages to this agent id")
}

// agentFlag returns the agent id when the flag was given.
func agentFlag(cmd *cobra.Command, name string, value int64) *uint32 {
	if !cmd.Flags().Changed(name) || value < 0 {
		return nil
	}
	return protocol.AgentIDPtr(uint32(value))
}

func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer, agentID *uint32) error {
	lines := newLineReader(in)
	r := newRenderer(out)

	var extra []client.Option
	if !a.cfg.Session.AutoApprove {
		extra = append(extra, client.WithApprovalDecider(&promptDecider{lines: lines, out: out, r: r}))
	}
	opts, err := a.clientOptions(extra...)
	if err != nil {
		return err
	}

	c := client.New(opts...)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()
	fmt.Fprintf(out, "Connected to %s (session %s). /quit to exit.\n", a.cfg.Server.URL, c.SessionID())

	for {
		fmt.Fprint(out, "> ")
		input, ok := lines.readLine()
		if !ok {
			fmt.Fprintln(out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := chatCommand(ctx, c, r, input)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
			continue
		}

		fatal, err := chatTurn(ctx, c, r, input, agentID)
		if err != nil {
			return err
		}
		if fatal {
			return errors.New("session ended by server")
		}
	}
}

// chatTurn runs one turn and reports whether it ended with a fatal error.
func chatTurn(ctx context.Context, c *client.Client, r *renderer, input string, agentID *uint32) (bool, error) {
	stream, err := c.Chat(ctx, input, agentID)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	fatal := false
	for stream.Next() {
		ev := stream.Event()
		r.render(ev)
		if protocol.IsFatalError(ev) {
			fatal = true
		}
	}
	r.end()

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	return fatal, nil
}

// chatCommand handles a slash command and reports whether to quit.
func chatCommand(ctx context.Context, c *client.Client, r *renderer, input string) (bool, error) {
	var send func(context.Context) error
	var want string

	switch strings.Fields(input)[0] {
	case "/quit", "/exit":
		return true, nil
	case "/history":
		send, want = c.GetHistory, protocol.TypeHistory
	case "/state":
		send, want = c.GetState, protocol.TypeState
	case "/ping":
		send, want = c.Ping, protocol.TypePong
	default:
		r.line("unknown command %s", input)
		return false, nil
	}

	if err := send(ctx); err != nil {
		return false, err
	}
	return false, awaitReply(ctx, c, r, want)
}

// awaitReply renders events until one of type want arrives. An approval
// request still outstanding from an interrupted turn is answered on the
// way so the server does not wait on it.
func awaitReply(ctx context.Context, c *client.Client, r *renderer, want string) error {
	for {
		ev, ok, err := c.Receive(ctx, 10*time.Second)
		if err != nil {
			return err
		}
		if !ok {
			r.line("no %s reply from server", want)
			return nil
		}
		r.render(ev)
		if req, isReq := ev.(protocol.ToolAwaitingApproval); isReq {
			if _, err := c.Decide(ctx, req); err != nil {
				return err
			}
		}
		if ev.EventType() == want {
			return nil
		}
	}
}
