package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tcdent/codey/pkg/client"
)

var sendAgent int64

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send one message and print the reply text",
	Long: `Send one message, print the text of the reply and exit. Tool calls are
denied unless --auto-approve is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(v)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runSend(ctx, a, cmd.OutOrStdout(), strings.Join(args, " "), agentFlag(cmd, "agent", sendAgent))
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Int64Var(&sendAgent, "agent", 0, "Send the message to this agent id")
}

func runSend(ctx context.Context, a *app, out io.Writer, message string, agentID *uint32) error {
	opts, err := a.clientOptions()
	if err != nil {
		return err
	}
	c := client.New(opts...)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	text, err := c.StreamText(ctx, message, agentID)
	if err != nil {
		return err
	}
	defer text.Close()

	wrote := false
	for text.Next() {
		fmt.Fprint(out, text.Text())
		wrote = true
	}
	if wrote {
		fmt.Fprintln(out)
	}
	return text.Err()
}
